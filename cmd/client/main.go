package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kasader/rudpft/rudp"
)

func main() {
	cfg := rudp.DefaultConfig()
	server := flag.String("server", "127.0.0.1:10000", "server address")
	name := flag.String("file", "", "name of the file to request")
	out := flag.String("out", "", "where to save the file (default received_<file>)")
	verbose := flag.Bool("v", false, "log every segment and ack")
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	cfg.Logger = log

	if *name == "" {
		log.Fatal().Msg("-file is required")
	}
	if *out == "" {
		*out = "received_" + filepath.Base(*name)
	}
	if len(cfg.DropSeqs) > 0 {
		log.Info().Uints32("seqs", cfg.DropSeqs).Msg("loss simulation enabled")
	}

	client, err := rudp.NewClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var buf bytes.Buffer
	report, err := client.Fetch(ctx, *server, *name, &buf)
	if err != nil {
		var remote *rudp.RemoteError
		var gap *rudp.IncompleteError
		switch {
		case errors.As(err, &remote):
			log.Error().Str("reason", remote.Text).Msg("server refused the request")
		case errors.As(err, &gap):
			log.Error().Uint32("missing", gap.Next).Uints32("buffered", gap.Pending).Msg("file not saved, segments missing")
		case errors.Is(err, rudp.ErrTooManyTimeouts):
			log.Error().
				Uint32("next", report.Next).
				Uints32("pending", report.Pending).
				Int("delivered", report.Segments).
				Msg("gave up after repeated timeouts")
		default:
			log.Error().Err(err).Msg("transfer failed")
		}
		os.Exit(1)
	}

	if err := os.WriteFile(*out, buf.Bytes(), 0o644); err != nil {
		log.Fatal().Err(err).Str("path", *out).Msg("save file")
	}
	ev := log.Info().Str("path", *out).Int("bytes", report.Bytes).Int("segments", report.Segments)
	if len(report.Corrupt) > 0 {
		ev = ev.Uints32("corrupt", report.Corrupt)
	}
	ev.Msg("file saved")
}

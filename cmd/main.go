package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/kasader/rudpft/rudp"
)

func main() {
	cfg := rudp.DefaultConfig()
	addr := flag.String("addr", ":10000", "UDP address to listen on")
	dir := flag.String("dir", ".", "directory to serve files from")
	verbose := flag.Bool("v", false, "log every segment and ack")
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	cfg.Logger = log

	srv, err := rudp.Listen(*addr, rudp.Dir(*dir), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
	log.Info().Stringer("addr", srv.Addr()).Str("dir", *dir).Msg("server listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("serve")
	}
	st := srv.Stats()
	log.Info().
		Int64("requests", st.Requests).
		Int64("completed", st.Completed).
		Int64("failed", st.Failed).
		Int64("rejected", st.Rejected).
		Msg("server stopped")
	srv.Close()
}

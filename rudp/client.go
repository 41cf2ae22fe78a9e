package rudp

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kasader/rudpft/pkg/wire"
)

// FetchReport summarises a transfer from the receiving side.
type FetchReport struct {
	Bytes     int
	Segments  int
	Next      uint32
	Pending   []uint32
	Corrupt   []uint32
	Completed bool
	Elapsed   time.Duration
}

// Client requests files from a Server.
type Client struct {
	cfg Config
	log zerolog.Logger
}

// NewClient returns a client using cfg for every fetch.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, log: cfg.Logger}, nil
}

// Fetch requests name from server and writes the reassembled file to w.
// Nothing is written unless the whole file arrived without gaps.
func (c *Client) Fetch(ctx context.Context, server, name string, w io.Writer) (FetchReport, error) {
	start := time.Now()
	var report FetchReport

	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return report, err
	}
	network := "udp"
	if raddr.IP.To4() != nil {
		network = "udp4"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return report, err
	}
	defer conn.Close()

	if _, err := conn.WriteTo(wire.EncodeRequest(name), raddr); err != nil {
		return report, errors.Wrap(err, "send request")
	}
	c.log.Info().Stringer("server", raddr).Str("file", name).Msg("request sent")

	r, err := NewReceiver(conn, raddr, c.cfg)
	if err != nil {
		return report, err
	}
	payload, err := r.Run(ctx)

	report.Segments = r.Delivered()
	report.Next = r.Next()
	report.Pending = r.Pending()
	report.Corrupt = r.Corrupt()
	report.Completed = r.Complete()
	report.Elapsed = time.Since(start)
	if err != nil {
		return report, err
	}

	n, err := w.Write(payload)
	report.Bytes = n
	if err != nil {
		return report, errors.Wrap(err, "write payload")
	}
	c.log.Info().
		Int("bytes", n).
		Int("segments", report.Segments).
		Uints32("corrupt", report.Corrupt).
		Dur("elapsed", report.Elapsed).
		Msg("file received")
	return report, nil
}

package rudp

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/kasader/rudpft/pkg/wire"
)

// ErrInvalidName is returned by Dir for names that are not a plain file name.
var ErrInvalidName = errors.New("invalid file name")

// FileSource resolves a requested name to the payload to send.
type FileSource interface {
	ReadFile(name string) ([]byte, error)
}

// Dir serves the regular files directly inside a directory.
type Dir string

func (d Dir) ReadFile(name string) ([]byte, error) {
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return nil, errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return os.ReadFile(filepath.Join(string(d), name))
}

// Stats counts what a Server did since it started.
type Stats struct {
	Requests  int64
	Completed int64
	Failed    int64
	Rejected  int64
}

// Server answers GET requests one transfer at a time.
type Server struct {
	conn  *net.UDPConn
	files FileSource
	cfg   Config
	log   zerolog.Logger

	// reqStop is closed by Close; done is closed when Serve returns.
	reqStop  chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	serving   atomic.Bool
	requests  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// Listen binds a server to addr.
func Listen(addr string, files FileSource, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Server{
		conn:    conn,
		files:   files,
		cfg:     cfg,
		log:     cfg.Logger.With().Stringer("local", conn.LocalAddr()).Logger(),
		reqStop: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr { return s.conn.LocalAddr() }

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	return Stats{
		Requests:  s.requests.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Rejected:  s.rejected.Load(),
	}
}

// Serve waits for requests and serves them until ctx is done or Close is
// called. A failed transfer is logged and the server goes back to idle.
func (s *Server) Serve(ctx context.Context) error {
	s.serving.Store(true)
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.reqStop:
			cancel()
		case <-ctx.Done():
		}
	}()

	buf := make([]byte, s.cfg.BufferSize)
	for {
		if err := ctx.Err(); err != nil {
			if s.stopping() {
				return nil
			}
			return err
		}

		s.log.Info().Msg("waiting for request")
		data, addr, err := s.accept(ctx, buf)
		if err != nil {
			if s.stopping() {
				return nil
			}
			if isTimeout(err) {
				continue
			}
			return errors.Wrap(err, "wait for request")
		}
		s.handle(ctx, data, addr)
	}
}

func (s *Server) stopping() bool {
	select {
	case <-s.reqStop:
		return true
	default:
		return false
	}
}

// accept blocks for the next datagram. Cancelling ctx moves the read
// deadline into the past so the read returns.
func (s *Server) accept(ctx context.Context, buf []byte) ([]byte, net.Addr, error) {
	if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, addr, err := s.conn.ReadFrom(buf)
	if err != nil {
		return nil, nil, err
	}
	data := make([]byte, n)
	copy(data, buf[:n])
	return data, addr, nil
}

func (s *Server) handle(ctx context.Context, data []byte, addr net.Addr) {
	log := s.log.With().Stringer("peer", addr).Logger()
	if wire.Probe(data) != wire.KindRequest {
		log.Warn().Str("kind", wire.Probe(data).String()).Msg("expected GET, datagram ignored")
		return
	}
	s.requests.Inc()

	name, err := wire.DecodeRequest(data)
	if err != nil {
		s.reject(log, addr, "bad request", err)
		return
	}
	log = log.With().Str("file", name).Logger()
	log.Info().Msg("request received")

	payload, err := s.files.ReadFile(name)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.reject(log, addr, fmt.Sprintf("file '%s' not found", name), err)
		return
	case errors.Is(err, ErrInvalidName):
		s.reject(log, addr, fmt.Sprintf("invalid file name '%s'", name), err)
		return
	case err != nil:
		s.reject(log, addr, "failed to read file on server", err)
		return
	}

	segs, err := Segment(payload, s.cfg.SegmentSize)
	if err != nil {
		s.reject(log, addr, "failed to segment file on server", err)
		return
	}
	cfg := s.cfg
	cfg.Logger = log
	sender, err := NewSender(s.conn, addr, segs, cfg)
	if err != nil {
		s.reject(log, addr, "failed to start transfer", err)
		return
	}
	if _, err := sender.Run(ctx); err != nil {
		s.failed.Inc()
		return
	}
	s.completed.Inc()
}

func (s *Server) reject(log zerolog.Logger, addr net.Addr, text string, cause error) {
	s.rejected.Inc()
	log.Warn().Err(cause).Str("reply", text).Msg("request rejected")
	if _, err := s.conn.WriteTo(wire.EncodeError(text), addr); err != nil {
		log.Error().Err(err).Msg("send error message")
	}
}

// Close stops Serve, waits for it to return and releases the socket.
func (s *Server) Close() error {
	s.stopOnce.Do(func() { close(s.reqStop) })
	if s.serving.Load() {
		<-s.done
	}
	return s.conn.Close()
}

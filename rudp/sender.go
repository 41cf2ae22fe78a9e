package rudp

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kasader/rudpft/pkg/wire"
)

// SenderState is the phase a Sender is in.
type SenderState int

const (
	Filling SenderState = iota
	Draining
	EOFHandshake
	Done
	Aborted
)

func (s SenderState) String() string {
	switch s {
	case Filling:
		return "FILLING"
	case Draining:
		return "DRAINING"
	case EOFHandshake:
		return "EOF_HANDSHAKE"
	case Done:
		return "DONE"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// inflight is the bookkeeping of one sent, not yet released segment.
type inflight struct {
	sentAt   time.Time
	attempts int
	acked    bool
}

// SendReport summarises a transfer from the sending side.
type SendReport struct {
	Segments        int
	Bytes           int
	Retransmissions int
	EOFAttempts     int
	EOFConfirmed    bool
	Elapsed         time.Duration
}

// Sender pushes a segmented payload to one peer through a fixed size
// sliding window. It is driven by Run and is not safe for concurrent use.
type Sender struct {
	conn Conn
	peer net.Addr
	cfg  Config
	log  zerolog.Logger

	frames [][]byte
	state  SenderState
	err    error

	// [base, next) is in flight; window[seq % len(window)] tracks seq.
	base   uint32
	next   uint32
	window []inflight

	buf    []byte
	report SendReport
}

// NewSender prepares a transfer of segs to peer. The segments are encoded
// once and resent verbatim.
func NewSender(conn Conn, peer net.Addr, segs []wire.Segment, cfg Config) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Sender{
		conn:   conn,
		peer:   peer,
		cfg:    cfg,
		log:    cfg.Logger.With().Stringer("peer", peer).Logger(),
		frames: make([][]byte, len(segs)),
		window: make([]inflight, cfg.WindowSize),
		buf:    make([]byte, cfg.BufferSize),
	}
	for i, seg := range segs {
		s.frames[i] = wire.EncodeSegment(seg)
		s.report.Bytes += len(seg.Data)
	}
	s.report.Segments = len(segs)
	return s, nil
}

// State returns the current phase.
func (s *Sender) State() SenderState { return s.state }

// Base returns the oldest unacknowledged sequence.
func (s *Sender) Base() uint32 { return s.base }

func (s *Sender) total() uint32 { return uint32(len(s.frames)) }

func (s *Sender) slot(seq uint32) *inflight {
	return &s.window[seq%uint32(len(s.window))]
}

func (s *Sender) inFlight(seq uint32) bool {
	return seqnum.Value(seq).InWindow(seqnum.Value(s.base), seqnum.Size(s.next-s.base))
}

// Run sends every segment, then closes the stream with the EOF handshake.
// A nil error means every segment was acknowledged, even if the close was
// never confirmed (see SendReport.EOFConfirmed).
func (s *Sender) Run(ctx context.Context) (SendReport, error) {
	start := time.Now()
	s.log.Info().Int("segments", len(s.frames)).Int("bytes", s.report.Bytes).Msg("transfer started")

	for s.state != Done && s.state != Aborted {
		if err := ctx.Err(); err != nil {
			s.fail(s.base, 0, err)
			break
		}
		switch s.state {
		case Filling, Draining:
			s.step()
		case EOFHandshake:
			s.closeStream(ctx)
		}
	}

	s.report.Elapsed = time.Since(start)
	if s.state == Aborted {
		s.log.Error().Err(s.err).Msg("transfer aborted")
		return s.report, s.err
	}
	s.log.Info().
		Int("retransmissions", s.report.Retransmissions).
		Bool("eof_confirmed", s.report.EOFConfirmed).
		Dur("elapsed", s.report.Elapsed).
		Msg("transfer finished")
	return s.report, nil
}

// step runs one admit, expire, await-ack round.
func (s *Sender) step() {
	if s.base == s.total() {
		s.state = EOFHandshake
		return
	}
	if !s.admit() {
		return
	}
	if !s.expire(time.Now()) {
		return
	}
	if !s.awaitAck() {
		return
	}
	if s.base == s.total() {
		s.state = EOFHandshake
	} else if s.next < s.base+uint32(len(s.window)) && s.next < s.total() {
		s.state = Filling
	} else {
		s.state = Draining
	}
}

func (s *Sender) admit() bool {
	for s.next < s.base+uint32(len(s.window)) && s.next < s.total() {
		seq := s.next
		if err := s.send(seq); err != nil {
			s.fail(seq, 1, err)
			return false
		}
		*s.slot(seq) = inflight{sentAt: time.Now(), attempts: 1}
		s.next++
		s.log.Debug().Uint32("seq", seq).Msg("segment sent")
	}
	return true
}

func (s *Sender) expire(now time.Time) bool {
	for seq := s.base; seq < s.next; seq++ {
		in := s.slot(seq)
		if in.acked || now.Sub(in.sentAt) <= s.cfg.RetransmitTimeout {
			continue
		}
		if in.attempts >= s.cfg.MaxRetransmissions {
			s.fail(seq, in.attempts, errors.Wrapf(ErrRetriesExhausted, "segment %d", seq))
			return false
		}
		if err := s.send(seq); err != nil {
			s.fail(seq, in.attempts, err)
			return false
		}
		in.sentAt = now
		in.attempts++
		s.report.Retransmissions++
		s.log.Warn().Uint32("seq", seq).Int("attempt", in.attempts).Msg("ack timeout, segment resent")
	}
	return true
}

func (s *Sender) awaitAck() bool {
	data, addr, ok, err := readFrom(s.conn, s.buf, time.Now().Add(s.cfg.AckWait))
	if err != nil {
		s.fail(s.base, s.slot(s.base).attempts, err)
		return false
	}
	if !ok {
		return true
	}
	if !sameAddr(addr, s.peer) {
		s.log.Debug().Stringer("from", addr).Msg("datagram from unexpected address ignored")
		return true
	}
	seq, err := wire.DecodeAck(data)
	if err != nil {
		s.log.Warn().Err(err).Str("kind", wire.Probe(data).String()).Msg("non-ack datagram ignored")
		return true
	}
	s.ack(seq)
	return true
}

// ack marks seq acknowledged and slides the window over every contiguous
// acknowledged sequence starting at base.
func (s *Sender) ack(seq uint32) {
	if !s.inFlight(seq) {
		s.log.Debug().Uint32("seq", seq).Msg("ack outside window ignored")
		return
	}
	s.slot(seq).acked = true
	s.log.Debug().Uint32("seq", seq).Msg("ack received")

	for s.base < s.next && s.slot(s.base).acked {
		*s.slot(s.base) = inflight{}
		s.base++
	}
}

func (s *Sender) send(seq uint32) error {
	if _, err := s.conn.WriteTo(s.frames[seq], s.peer); err != nil {
		return errors.Wrapf(err, "send segment %d", seq)
	}
	return nil
}

// closeStream sends EOF until the peer answers with the EOF ack or the
// attempts run out. An unconfirmed close does not fail the transfer.
func (s *Sender) closeStream(ctx context.Context) {
	frame := wire.EncodeEOF()
	for attempt := 1; attempt <= s.cfg.MaxRetransmissions; attempt++ {
		if err := ctx.Err(); err != nil {
			s.fail(s.base, attempt, err)
			return
		}
		s.report.EOFAttempts = attempt
		if _, err := s.conn.WriteTo(frame, s.peer); err != nil {
			s.fail(s.base, attempt, errors.Wrap(err, "send EOF"))
			return
		}
		s.log.Debug().Int("attempt", attempt).Msg("EOF sent")

		deadline := time.Now().Add(s.cfg.RetransmitTimeout)
		for {
			data, addr, ok, err := readFrom(s.conn, s.buf, deadline)
			if err != nil {
				s.fail(s.base, attempt, err)
				return
			}
			if !ok {
				s.log.Warn().Int("attempt", attempt).Msg("EOF ack timeout")
				break
			}
			if sameAddr(addr, s.peer) && bytes.Equal(data, wire.EOFAck) {
				s.report.EOFConfirmed = true
				s.state = Done
				s.log.Info().Msg("EOF confirmed")
				return
			}
		}
	}
	s.log.Warn().Int("attempts", s.report.EOFAttempts).Msg("peer never confirmed EOF")
	s.state = Done
}

// fail moves the sender to Aborted and records the diagnostic.
func (s *Sender) fail(seq uint32, attempts int, err error) {
	var outstanding []uint32
	for q := s.base; q < s.next; q++ {
		if !s.slot(q).acked {
			outstanding = append(outstanding, q)
		}
	}
	s.state = Aborted
	s.err = &TransferError{
		Base:        s.base,
		Next:        s.next,
		Total:       len(s.frames),
		Outstanding: outstanding,
		Seq:         seq,
		Attempts:    attempts,
		Err:         err,
	}
}

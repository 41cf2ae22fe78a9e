package rudp

import (
	"bytes"
	"context"
	"net"
	"slices"
	"time"

	"github.com/google/btree"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kasader/rudpft/pkg/wire"
)

// held is an out-of-order segment waiting for the gap before it to fill.
type held struct {
	seq  uint32
	data []byte
	used bool
}

// Receiver reassembles the stream one peer sends. Feed it datagrams with
// Handle, or let Run read them from the connection.
type Receiver struct {
	conn Conn
	peer net.Addr
	cfg  Config
	log  zerolog.Logger

	// delivered[i] is the payload of sequence i, for every i < next.
	next      uint32
	delivered [][]byte

	// pending[seq % len(pending)] holds seq for next < seq < next+len(pending).
	pending  []held
	npending int

	corrupt  *btree.BTreeG[uint32]
	drop     *btree.BTreeG[uint32]
	timeouts int
	complete bool

	buf []byte
}

// NewReceiver returns a receiver that only accepts datagrams from peer.
func NewReceiver(conn Conn, peer net.Addr, cfg Config) (*Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Receiver{
		conn:    conn,
		peer:    peer,
		cfg:     cfg,
		log:     cfg.Logger.With().Stringer("peer", peer).Logger(),
		pending: make([]held, cfg.ReceiveWindow),
		corrupt: btree.NewG(2, btree.Less[uint32]()),
		drop:    btree.NewG(2, btree.Less[uint32]()),
		buf:     make([]byte, cfg.BufferSize),
	}
	for _, seq := range cfg.DropSeqs {
		r.drop.ReplaceOrInsert(seq)
	}
	return r, nil
}

// Next returns the next in-order sequence the receiver waits for.
func (r *Receiver) Next() uint32 { return r.next }

// Delivered returns how many segments were delivered in order.
func (r *Receiver) Delivered() int { return len(r.delivered) }

// Complete reports whether a valid EOF was received.
func (r *Receiver) Complete() bool { return r.complete }

// Pending returns the buffered out-of-order sequences in ascending order.
func (r *Receiver) Pending() []uint32 {
	seqs := make([]uint32, 0, r.npending)
	for _, h := range r.pending {
		if h.used {
			seqs = append(seqs, h.seq)
		}
	}
	slices.Sort(seqs)
	return seqs
}

// Corrupt returns every sequence that was rejected on a checksum mismatch.
func (r *Receiver) Corrupt() []uint32 {
	seqs := make([]uint32, 0, r.corrupt.Len())
	r.corrupt.Ascend(func(seq uint32) bool {
		seqs = append(seqs, seq)
		return true
	})
	return seqs
}

// Run reads datagrams until the stream completes and returns the
// reassembled payload.
func (r *Receiver) Run(ctx context.Context) ([]byte, error) {
	for !r.complete {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, addr, ok, err := readFrom(r.conn, r.buf, time.Now().Add(r.cfg.ReceiveTimeout))
		if err != nil {
			return nil, err
		}
		if !ok {
			r.timeouts++
			r.log.Warn().Int("timeouts", r.timeouts).Int("max", r.cfg.MaxTimeouts).Msg("timeout waiting for data")
			if r.timeouts >= r.cfg.MaxTimeouts {
				return nil, errors.Wrapf(ErrTooManyTimeouts, "next=%d pending=%v delivered=%d",
					r.next, r.Pending(), len(r.delivered))
			}
			continue
		}
		if !sameAddr(addr, r.peer) {
			r.log.Debug().Stringer("from", addr).Msg("datagram from unexpected address ignored")
			continue
		}
		r.timeouts = 0
		if err := r.Handle(data); err != nil {
			return nil, err
		}
	}
	return r.finish()
}

func (r *Receiver) finish() ([]byte, error) {
	if r.npending > 0 {
		return nil, &IncompleteError{Next: r.next, Pending: r.Pending()}
	}
	return bytes.Join(r.delivered, nil), nil
}

// Handle processes one datagram from the peer. It returns an error only
// when the transfer must end: the server sent an error message or an ack
// could not be written.
func (r *Receiver) Handle(b []byte) error {
	switch k := wire.Probe(b); k {
	case wire.KindError:
		text, _ := wire.DecodeError(b)
		r.log.Error().Str("reason", text).Msg("server error")
		return &RemoteError{Text: text}
	case wire.KindEOF:
		return r.handleEOF(b)
	case wire.KindSegment:
		return r.handleSegment(b)
	default:
		r.log.Warn().Str("kind", k.String()).Msg("unexpected datagram ignored")
		return nil
	}
}

func (r *Receiver) handleEOF(b []byte) error {
	if !wire.ValidEOF(b) {
		r.log.Warn().Msg("EOF with bad checksum ignored")
		return nil
	}
	for i := 0; i < r.cfg.EOFAckRepeats; i++ {
		if _, err := r.conn.WriteTo(wire.EOFAck, r.peer); err != nil {
			return errors.Wrap(err, "send EOF ack")
		}
	}
	r.complete = true
	r.log.Info().Int("delivered", len(r.delivered)).Int("pending", r.npending).Msg("EOF received")
	return nil
}

func (r *Receiver) handleSegment(b []byte) error {
	seg, err := wire.DecodeSegment(b)
	if err != nil {
		r.log.Warn().Err(err).Msg("malformed segment dropped")
		return nil
	}
	seq := seg.Seq

	if _, found := r.drop.Delete(seq); found {
		r.log.Warn().Uint32("seq", seq).Msg("loss simulation: segment dropped without ack")
		return nil
	}
	if !seg.Valid() {
		r.corrupt.ReplaceOrInsert(seq)
		r.log.Warn().Uint32("seq", seq).Msg("checksum mismatch, segment dropped")
		return nil
	}

	next := seqnum.Value(r.next)
	switch v := seqnum.Value(seq); {
	case v == next:
		r.delivered = append(r.delivered, seg.Data)
		r.next++
		if err := r.ack(seq); err != nil {
			return err
		}
		r.drain()
		r.log.Debug().Uint32("seq", seq).Uint32("next", r.next).Msg("segment delivered in order")
	case v.LessThan(next):
		r.log.Debug().Uint32("seq", seq).Msg("duplicate of delivered segment")
		return r.ack(seq)
	case v.InWindow(next, seqnum.Size(len(r.pending))):
		if h := &r.pending[seq%uint32(len(r.pending))]; !h.used {
			*h = held{seq: seq, data: seg.Data, used: true}
			r.npending++
			r.log.Debug().Uint32("seq", seq).Uint32("next", r.next).Msg("segment buffered out of order")
		}
		return r.ack(seq)
	default:
		r.log.Warn().Uint32("seq", seq).Uint32("next", r.next).Msg("segment beyond receive window dropped")
	}
	return nil
}

// drain moves buffered segments that became contiguous into delivered.
// Their acks went out when they were buffered.
func (r *Receiver) drain() {
	for {
		h := &r.pending[r.next%uint32(len(r.pending))]
		if !h.used || h.seq != r.next {
			return
		}
		r.delivered = append(r.delivered, h.data)
		*h = held{}
		r.npending--
		r.next++
	}
}

func (r *Receiver) ack(seq uint32) error {
	if _, err := r.conn.WriteTo(wire.EncodeAck(seq), r.peer); err != nil {
		return errors.Wrapf(err, "send ack %d", seq)
	}
	return nil
}

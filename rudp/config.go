package rudp

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kasader/rudpft/pkg/wire"
)

var (
	// RUDP_SEGMENT_SIZE is the number of payload bytes per data segment.
	RUDP_SEGMENT_SIZE = 1024
	// RUDP_WINDOW is the sliding window size for in-flight unacknowledged segments.
	RUDP_WINDOW = 2
	// RUDP_ACK_WAIT bounds each wait for an ack in the sender loop.
	RUDP_ACK_WAIT = 500 * time.Millisecond
	// RUDP_TIMEOUT is the timeout duration for segment retransmission.
	RUDP_TIMEOUT = 1500 * time.Millisecond
	// RUDP_MAX_RETRANS is the max number of transmissions of one segment before giving up.
	RUDP_MAX_RETRANS     = 5
	RUDP_RCV_TIMEOUT     = 5 * time.Second
	RUDP_MAX_TIMEOUTS    = 3
	RUDP_RCV_WINDOW      = 64
	RUDP_EOF_ACK_REPEATS = 3
	RUDP_RCV_BUFFER_SIZE = 2048
)

// Config holds the knobs of both protocol roles. Sender fields are ignored by
// a receiver and vice versa.
type Config struct {
	SegmentSize        int
	WindowSize         int
	AckWait            time.Duration
	RetransmitTimeout  time.Duration
	MaxRetransmissions int

	ReceiveTimeout time.Duration
	MaxTimeouts    int
	// ReceiveWindow bounds how far past the next expected sequence a
	// receiver buffers. It must be at least the sender's WindowSize.
	ReceiveWindow int
	EOFAckRepeats int
	// DropSeqs makes the receiver withhold the ack of the first arrival of
	// each listed sequence. Debug aid only.
	DropSeqs []uint32

	BufferSize int
	Logger     zerolog.Logger
}

// DefaultConfig returns the configuration built from the package defaults.
func DefaultConfig() Config {
	return Config{
		SegmentSize:        RUDP_SEGMENT_SIZE,
		WindowSize:         RUDP_WINDOW,
		AckWait:            RUDP_ACK_WAIT,
		RetransmitTimeout:  RUDP_TIMEOUT,
		MaxRetransmissions: RUDP_MAX_RETRANS,
		ReceiveTimeout:     RUDP_RCV_TIMEOUT,
		MaxTimeouts:        RUDP_MAX_TIMEOUTS,
		ReceiveWindow:      RUDP_RCV_WINDOW,
		EOFAckRepeats:      RUDP_EOF_ACK_REPEATS,
		BufferSize:         RUDP_RCV_BUFFER_SIZE,
		Logger:             zerolog.Nop(),
	}
}

// Validate rejects configurations the engines cannot run with.
func (c Config) Validate() error {
	switch {
	case c.SegmentSize <= 0:
		return errors.Errorf("segment size must be positive, got %d", c.SegmentSize)
	case c.WindowSize <= 0:
		return errors.Errorf("window size must be positive, got %d", c.WindowSize)
	case c.ReceiveWindow <= 0:
		return errors.Errorf("receive window must be positive, got %d", c.ReceiveWindow)
	case c.AckWait <= 0 || c.RetransmitTimeout <= 0 || c.ReceiveTimeout <= 0:
		return errors.New("timeouts must be positive")
	case c.MaxRetransmissions <= 0 || c.MaxTimeouts <= 0:
		return errors.New("retry limits must be positive")
	case c.SegmentSize+wire.Overhead > c.BufferSize:
		return errors.Errorf("segment size %d does not fit a %d byte buffer", c.SegmentSize, c.BufferSize)
	}
	return nil
}

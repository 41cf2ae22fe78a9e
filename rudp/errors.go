package rudp

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrRetriesExhausted is returned when a segment was sent the maximum
	// number of times without being acknowledged.
	ErrRetriesExhausted = errors.New("max retransmissions exceeded")
	// ErrTooManyTimeouts is returned when a receiver saw too many
	// consecutive read timeouts before the stream completed.
	ErrTooManyTimeouts = errors.New("too many consecutive timeouts")
	// ErrIncomplete is returned when a stream completed with a gap.
	ErrIncomplete = errors.New("incomplete transfer")
	// ErrSegmentSize is returned for a non-positive segment size.
	ErrSegmentSize = errors.New("segment size must be positive")
)

// TransferError describes why a sender aborted. Base is the oldest
// unacknowledged sequence, so every sequence below it was delivered.
type TransferError struct {
	Base        uint32
	Next        uint32
	Total       int
	Outstanding []uint32
	Seq         uint32
	Attempts    int
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer aborted at base=%d next=%d total=%d outstanding=%v (seq %d, %d attempts): %v",
		e.Base, e.Next, e.Total, e.Outstanding, e.Seq, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// IncompleteError reports a stream that ended while segments past a gap
// were still buffered.
type IncompleteError struct {
	Next    uint32
	Pending []uint32
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete transfer: segment %d never arrived, buffered %v", e.Next, e.Pending)
}

func (e *IncompleteError) Unwrap() error { return ErrIncomplete }

// RemoteError carries the text of an error message sent by the server.
type RemoteError struct {
	Text string
}

func (e *RemoteError) Error() string { return "server error: " + e.Text }

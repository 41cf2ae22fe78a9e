package rudp

import (
	"flag"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// RegisterFlags binds the protocol knobs to fs, using the current values of
// c as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.SegmentSize, "segment", c.SegmentSize, "payload bytes per segment")
	fs.IntVar(&c.WindowSize, "window", c.WindowSize, "sliding window size in segments")
	fs.DurationVar(&c.AckWait, "ack-wait", c.AckWait, "how long the sender waits for each ack")
	fs.DurationVar(&c.RetransmitTimeout, "rto", c.RetransmitTimeout, "retransmission timeout")
	fs.IntVar(&c.MaxRetransmissions, "max-retrans", c.MaxRetransmissions, "transmissions per segment before giving up")
	fs.DurationVar(&c.ReceiveTimeout, "timeout", c.ReceiveTimeout, "receiver wait for each datagram")
	fs.IntVar(&c.MaxTimeouts, "max-timeouts", c.MaxTimeouts, "consecutive receive timeouts before giving up")
	fs.IntVar(&c.ReceiveWindow, "recv-window", c.ReceiveWindow, "out-of-order segments the receiver buffers")
	fs.IntVar(&c.BufferSize, "buffer", c.BufferSize, "datagram buffer size")
	fs.Func("drop", "comma separated sequences to drop once (loss simulation)", func(v string) error {
		seqs, err := ParseSeqs(v)
		if err != nil {
			return err
		}
		c.DropSeqs = seqs
		return nil
	})
}

// ParseSeqs parses a comma separated list such as "1,5,10".
func ParseSeqs(v string) ([]uint32, error) {
	var seqs []uint32
	for _, f := range strings.Split(v, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "sequence %q", f)
		}
		seqs = append(seqs, uint32(n))
	}
	return seqs, nil
}

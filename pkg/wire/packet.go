package wire

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"strconv"

	"github.com/pkg/errors"
)

// Literal prefixes – keep protocol-level knowledge in one place.
var (
	prefixAck     = []byte("ACK|")
	prefixEOF     = []byte("EOF|")
	prefixError   = []byte("Erro|")
	prefixRequest = []byte("GET ")

	// EOFAck is the token a receiver sends back once it accepted an EOF.
	EOFAck = []byte("ACK_EOF")

	// eofSentinel is the payload whose checksum an EOF carries.
	eofSentinel = []byte("EOF")
)

const (
	delim   = '|'
	sumSize = md5.Size
	// SumHexLen is the width of a checksum field on the wire.
	SumHexLen = 2 * sumSize
	// Overhead is the largest framing a segment adds on top of its payload:
	// a ten digit sequence, the checksum and two delimiters.
	Overhead = 10 + SumHexLen + 2
)

var (
	// ErrMalformed is returned when a datagram cannot be framed as the
	// message kind it claims to be.
	ErrMalformed = errors.New("malformed message")
	// ErrNotAck is returned by DecodeAck for datagrams without the ACK prefix.
	ErrNotAck = errors.New("not an ack")
)

// Kind identifies a wire message before it is fully decoded.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindSegment
	KindAck
	KindEOF
	KindEOFAck
	KindError
	KindRequest
)

// String implements the Stringer interface for printing [Kind] values.
func (k Kind) String() string {
	switch k {
	case KindSegment:
		return "SEG"
	case KindAck:
		return "ACK"
	case KindEOF:
		return "EOF"
	case KindEOFAck:
		return "ACK_EOF"
	case KindError:
		return "ERR"
	case KindRequest:
		return "GET"
	default:
		return "INVALID"
	}
}

// Probe classifies a datagram by its literal prefix. Segments are the only
// messages that start with a digit.
func Probe(b []byte) Kind {
	switch {
	case len(b) == 0:
		return KindUnknown
	case bytes.Equal(b, EOFAck):
		return KindEOFAck
	case bytes.HasPrefix(b, prefixError):
		return KindError
	case bytes.HasPrefix(b, prefixEOF):
		return KindEOF
	case bytes.HasPrefix(b, prefixAck):
		return KindAck
	case bytes.HasPrefix(b, prefixRequest):
		return KindRequest
	case b[0] >= '0' && b[0] <= '9':
		return KindSegment
	default:
		return KindUnknown
	}
}

// Checksum is an MD5 digest of a segment payload.
type Checksum [sumSize]byte

// Sum computes the checksum of b.
func Sum(b []byte) Checksum {
	return md5.Sum(b)
}

// String returns the lowercase hex form carried on the wire.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

func parseSum(field []byte) (Checksum, error) {
	var c Checksum
	if len(field) != SumHexLen {
		return c, errors.Wrapf(ErrMalformed, "checksum is %d bytes, want %d", len(field), SumHexLen)
	}
	if _, err := hex.Decode(c[:], field); err != nil {
		return c, errors.Wrap(ErrMalformed, err.Error())
	}
	return c, nil
}

// Segment is one chunk of a transfer: its sequence number, the checksum of
// its payload and the payload itself.
type Segment struct {
	Seq  uint32
	Sum  Checksum
	Data []byte
}

// Valid reports whether the payload still matches the carried checksum.
func (s Segment) Valid() bool {
	return Sum(s.Data) == s.Sum
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s Segment) MarshalBinary() ([]byte, error) {
	return EncodeSegment(s), nil
}

// EncodeSegment serialises s as <seq>|<checksum>|<payload>.
func EncodeSegment(s Segment) []byte {
	buf := make([]byte, 0, Overhead+len(s.Data))
	buf = strconv.AppendUint(buf, uint64(s.Seq), 10)
	buf = append(buf, delim)
	buf = hex.AppendEncode(buf, s.Sum[:])
	buf = append(buf, delim)
	return append(buf, s.Data...)
}

// DecodeSegment parses a wire-format data segment. The payload may contain
// the delimiter; only the first two are significant.
func DecodeSegment(b []byte) (Segment, error) {
	fields := bytes.SplitN(b, []byte{delim}, 3)
	if len(fields) != 3 {
		return Segment{}, errors.Wrapf(ErrMalformed, "segment has %d fields", len(fields))
	}
	seq, err := strconv.ParseUint(string(fields[0]), 10, 32)
	if err != nil {
		return Segment{}, errors.Wrapf(ErrMalformed, "sequence %q", fields[0])
	}
	sum, err := parseSum(fields[1])
	if err != nil {
		return Segment{}, err
	}
	return Segment{
		Seq:  uint32(seq),
		Sum:  sum,
		Data: bytes.Clone(fields[2]),
	}, nil
}

// EncodeAck builds ACK|<seq>.
func EncodeAck(seq uint32) []byte {
	return strconv.AppendUint(append([]byte(nil), prefixAck...), uint64(seq), 10)
}

// DecodeAck returns the sequence an ack confirms.
func DecodeAck(b []byte) (uint32, error) {
	if !bytes.HasPrefix(b, prefixAck) {
		return 0, ErrNotAck
	}
	seq, err := strconv.ParseUint(string(b[len(prefixAck):]), 10, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "ack sequence %q", b[len(prefixAck):])
	}
	return uint32(seq), nil
}

// EncodeEOF builds EOF|<checksum of the sentinel>.
func EncodeEOF() []byte {
	sum := Sum(eofSentinel)
	return hex.AppendEncode(append([]byte(nil), prefixEOF...), sum[:])
}

// DecodeEOF returns the checksum an EOF carries.
func DecodeEOF(b []byte) (Checksum, error) {
	if !bytes.HasPrefix(b, prefixEOF) {
		return Checksum{}, errors.Wrap(ErrMalformed, "missing EOF prefix")
	}
	return parseSum(b[len(prefixEOF):])
}

// ValidEOF reports whether b is an EOF whose checksum matches the sentinel.
func ValidEOF(b []byte) bool {
	sum, err := DecodeEOF(b)
	return err == nil && sum == Sum(eofSentinel)
}

// EncodeError builds Erro|<text>.
func EncodeError(text string) []byte {
	return append(append([]byte(nil), prefixError...), text...)
}

// DecodeError returns the reason carried by an error message.
func DecodeError(b []byte) (string, error) {
	if !bytes.HasPrefix(b, prefixError) {
		return "", errors.Wrap(ErrMalformed, "missing error prefix")
	}
	return string(b[len(prefixError):]), nil
}

// EncodeRequest builds GET /<name>.
func EncodeRequest(name string) []byte {
	return append(append([]byte(nil), prefixRequest...), "/"+name...)
}

// DecodeRequest returns the file name a request asks for, without the
// leading slash.
func DecodeRequest(b []byte) (string, error) {
	if !bytes.HasPrefix(b, prefixRequest) {
		return "", errors.Wrap(ErrMalformed, "missing GET prefix")
	}
	name := string(bytes.TrimSpace(b[len(prefixRequest):]))
	for len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	if name == "" {
		return "", errors.Wrap(ErrMalformed, "empty file name")
	}
	return name, nil
}

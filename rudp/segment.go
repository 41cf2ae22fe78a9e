package rudp

import (
	"github.com/kasader/rudpft/pkg/wire"
)

// Segment splits payload into size-byte chunks numbered from zero. The last
// chunk may be shorter. The chunks alias payload.
func Segment(payload []byte, size int) ([]wire.Segment, error) {
	if size <= 0 {
		return nil, ErrSegmentSize
	}

	total := len(payload) / size
	if len(payload)%size != 0 {
		total++
	}

	segs := make([]wire.Segment, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := min(start+size, len(payload))
		chunk := payload[start:end]
		segs = append(segs, wire.Segment{
			Seq:  uint32(i),
			Sum:  wire.Sum(chunk),
			Data: chunk,
		})
	}
	return segs, nil
}

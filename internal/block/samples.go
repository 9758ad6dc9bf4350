package block

import (
	"encoding/binary"
	"fmt"
	"math"
)

// SampleFormat describes how to reinterpret a payload as fixed-width
// numeric samples. The instrument's declared transfer format decides this;
// it is never guessed from the data.
type SampleFormat struct {
	Width     int // bytes per sample: 1, 2, 4 or 8
	Signed    bool
	Float     bool // IEEE 754, Width 4 or 8
	ByteOrder binary.ByteOrder
}

func (f SampleFormat) validate() error {
	switch f.Width {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("bad sample width %d", f.Width)
	}
	if f.Float && f.Width < 4 {
		return fmt.Errorf("bad float sample width %d", f.Width)
	}
	if f.ByteOrder == nil && f.Width > 1 {
		return fmt.Errorf("no byte order for %d-byte samples", f.Width)
	}
	return nil
}

// Samples decodes the payload as an array of samples, widened to float64.
func (b *Block) Samples(f SampleFormat) ([]float64, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	if len(b.Payload)%f.Width != 0 {
		return nil, fmt.Errorf("payload length %d is not a multiple of sample width %d",
			len(b.Payload), f.Width)
	}
	out := make([]float64, len(b.Payload)/f.Width)
	for i := range out {
		raw := b.Payload[i*f.Width : (i+1)*f.Width]
		var u uint64
		switch f.Width {
		case 1:
			u = uint64(raw[0])
		case 2:
			u = uint64(f.ByteOrder.Uint16(raw))
		case 4:
			u = uint64(f.ByteOrder.Uint32(raw))
		case 8:
			u = f.ByteOrder.Uint64(raw)
		}
		switch {
		case f.Float && f.Width == 4:
			out[i] = float64(math.Float32frombits(uint32(u)))
		case f.Float:
			out[i] = math.Float64frombits(u)
		case f.Signed:
			// sign-extend from the sample width
			shift := 64 - 8*f.Width
			out[i] = float64(int64(u<<shift) >> shift)
		default:
			out[i] = float64(u)
		}
	}
	return out, nil
}

// Package block decodes IEEE 488.2 definite-length binary blocks, the
// self-describing "#<d><len><payload>" framing instruments use for bulk
// numeric transfers (waveform traces, digitizer records).
package block

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

var (
	ErrMalformedHeader  = errors.New("malformed block header")
	ErrTruncatedPayload = errors.New("truncated block payload")
	ErrChecksumMismatch = errors.New("block checksum mismatch")
)

// Options selects the trailing framing after the payload. Instruments are
// not consistent here, so the caller has to say what it expects.
type Options struct {
	ExpectTerminator bool
	Terminator       byte // defaults to '\n'
	ExpectChecksum   bool // single summed byte over header+payload
}

type Block struct {
	LengthDigits int
	DeclaredLen  int
	Payload      []byte
}

// Decode reads one block from r. r must yield exactly the requested bytes;
// a short read makes the block invalid, there is no partial-result salvage.
func Decode(r io.Reader, opts Options) (*Block, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if header[0] != '#' {
		return nil, fmt.Errorf("%w: got 0x%02x instead of '#'", ErrMalformedHeader, header[0])
	}
	if header[1] < '1' || header[1] > '9' {
		return nil, fmt.Errorf("%w: bad length digit count %q", ErrMalformedHeader, header[1])
	}
	digits := int(header[1] - '0')

	lenBuf := make([]byte, digits)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	length, err := strconv.Atoi(string(lenBuf))
	if err != nil {
		return nil, fmt.Errorf("%w: bad length %q", ErrMalformedHeader, lenBuf)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: declared %d bytes: %v", ErrTruncatedPayload, length, err)
	}

	if opts.ExpectChecksum {
		var sum byte
		sum += header[0] + header[1]
		for _, b := range lenBuf {
			sum += b
		}
		for _, b := range payload {
			sum += b
		}
		var cs [1]byte
		if _, err := io.ReadFull(r, cs[:]); err != nil {
			return nil, fmt.Errorf("%w: missing checksum byte: %v", ErrTruncatedPayload, err)
		}
		if cs[0] != sum {
			return nil, fmt.Errorf("%w: got 0x%02x, computed 0x%02x", ErrChecksumMismatch, cs[0], sum)
		}
	}

	if opts.ExpectTerminator {
		term := opts.Terminator
		if term == 0 {
			term = '\n'
		}
		var t [1]byte
		if _, err := io.ReadFull(r, t[:]); err != nil {
			return nil, fmt.Errorf("%w: missing terminator: %v", ErrTruncatedPayload, err)
		}
		if t[0] != term {
			return nil, fmt.Errorf("%w: bad terminator 0x%02x", ErrMalformedHeader, t[0])
		}
	}

	return &Block{
		LengthDigits: digits,
		DeclaredLen:  length,
		Payload:      payload,
	}, nil
}

// Encode frames payload as a definite-length block with the minimal number
// of length digits. Used by fake instruments in tests and kept as the
// inverse of Decode.
func Encode(payload []byte, opts Options) []byte {
	lenStr := strconv.Itoa(len(payload))
	out := make([]byte, 0, 2+len(lenStr)+len(payload)+2)
	out = append(out, '#', byte('0'+len(lenStr)))
	out = append(out, lenStr...)
	out = append(out, payload...)
	if opts.ExpectChecksum {
		var sum byte
		for _, b := range out {
			sum += b
		}
		out = append(out, sum)
	}
	if opts.ExpectTerminator {
		term := opts.Terminator
		if term == 0 {
			term = '\n'
		}
		out = append(out, term)
	}
	return out
}

package block

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 4097} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		for _, opts := range []Options{
			{},
			{ExpectTerminator: true},
			{ExpectChecksum: true},
			{ExpectTerminator: true, ExpectChecksum: true},
			{ExpectTerminator: true, Terminator: '\r'},
		} {
			encoded := Encode(payload, opts)
			b, err := Decode(bytes.NewReader(encoded), opts)
			require.NoError(t, err, "n=%d opts=%+v", n, opts)
			assert.Equal(t, n, b.DeclaredLen)
			assert.Equal(t, payload, b.Payload)
		}
	}
}

func TestHeaderShape(t *testing.T) {
	b, err := Decode(bytes.NewReader([]byte("#15hello")), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, b.LengthDigits)
	assert.Equal(t, []byte("hello"), b.Payload)

	b, err = Decode(bytes.NewReader([]byte("#3005hello...trailing junk ignored")), Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, b.LengthDigits)
	assert.Equal(t, []byte("hello"), b.Payload)
}

func TestMalformedHeader(t *testing.T) {
	for _, in := range []string{"", "#", "X15hello", "#05hello", "#A5hello", "#2", "#21x"} {
		_, err := Decode(bytes.NewReader([]byte(in)), Options{})
		assert.ErrorIs(t, err, ErrMalformedHeader, "input %q", in)
	}
}

func TestTruncatedPayload(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("#210hello")), Options{})
	assert.ErrorIs(t, err, ErrTruncatedPayload)

	// payload complete but the requested trailing bytes are missing
	_, err = Decode(bytes.NewReader([]byte("#15hello")), Options{ExpectTerminator: true})
	assert.ErrorIs(t, err, ErrTruncatedPayload)
	_, err = Decode(bytes.NewReader([]byte("#15hello")), Options{ExpectChecksum: true})
	assert.ErrorIs(t, err, ErrTruncatedPayload)
}

func TestChecksum(t *testing.T) {
	payload := []byte{1, 2, 3, 250}
	encoded := Encode(payload, Options{ExpectChecksum: true})
	b, err := Decode(bytes.NewReader(encoded), Options{ExpectChecksum: true})
	require.NoError(t, err)
	assert.Equal(t, payload, b.Payload)

	encoded[len(encoded)-1]++
	_, err = Decode(bytes.NewReader(encoded), Options{ExpectChecksum: true})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestBadTerminator(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("#15helloX")), Options{ExpectTerminator: true})
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestSamples(t *testing.T) {
	b := &Block{Payload: []byte{0x00, 0x01, 0xff, 0xff}}

	samples, err := b.Samples(SampleFormat{Width: 2, Signed: true, ByteOrder: binary.BigEndian})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -1}, samples)

	samples, err = b.Samples(SampleFormat{Width: 2, ByteOrder: binary.LittleEndian})
	require.NoError(t, err)
	assert.Equal(t, []float64{256, 65535}, samples)

	samples, err = b.Samples(SampleFormat{Width: 1, Signed: true})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, -1, -1}, samples)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, []float32{1.5, -2.25}))
	fb := &Block{Payload: buf.Bytes()}
	samples, err = fb.Samples(SampleFormat{Width: 4, Float: true, ByteOrder: binary.LittleEndian})
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2.25}, samples)

	_, err = b.Samples(SampleFormat{Width: 3, ByteOrder: binary.BigEndian})
	assert.Error(t, err)
	odd := &Block{Payload: []byte{1, 2, 3}}
	_, err = odd.Samples(SampleFormat{Width: 2, ByteOrder: binary.BigEndian})
	assert.Error(t, err)
}

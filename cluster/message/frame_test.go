package message

import (
	"bytes"
	"cluster-com/transport"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	withHeaders := To("cluster://10.0.0.1:5001/?name=a", []byte("hello"))
	withHeaders.SetHeader(HeaderFrom, "cluster://10.0.0.2:5001")
	withHeaders.SetHeader("custom", "")

	testcases := []struct {
		desc string
		msg  *Message
	}{
		{desc: "empty", msg: New(nil)},
		{desc: "payload only", msg: New([]byte{0, 1, 2, 0xff})},
		{desc: "headers", msg: withHeaders},
		{desc: "large payload", msg: New(bytes.Repeat([]byte{7}, 1<<20))},
	}

	buf := new(bytes.Buffer)
	enc := NewEncoder(buf)
	for _, tc := range testcases {
		require.NoError(t, enc.Encode(tc.msg), tc.desc)
	}

	dec := NewDecoder(buf)
	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := dec.Decode()
			require.NoError(t, err)
			assert.True(t, tc.msg.Equal(got))
		})
	}

	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameHeaderOrderIsStable(t *testing.T) {
	m1 := New(nil)
	m1.SetHeader("b", "2")
	m1.SetHeader("a", "1")

	m2 := New(nil)
	m2.SetHeader("a", "1")
	m2.SetHeader("b", "2")

	f1, err := AppendFrame(nil, m1)
	require.NoError(t, err)
	f2, err := AppendFrame(nil, m2)
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
}

func TestEncodeTooLarge(t *testing.T) {
	err := NewEncoder(io.Discard).Encode(New(make([]byte, MaxFrameSize)))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeTooLarge(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)

	_, err := NewDecoder(bytes.NewReader(prefix[:])).Decode()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecodeTruncated(t *testing.T) {
	frame, err := AppendFrame(nil, To("a", []byte("hello")))
	require.NoError(t, err)

	for _, cut := range []int{2, 6, len(frame) - 1} {
		_, err := NewDecoder(bytes.NewReader(frame[:cut])).Decode()
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "cut at %d", cut)
	}
}

// closedReader yields its bytes and then fails the way a closed connection does.
type closedReader struct {
	r *bytes.Reader
}

func (c closedReader) Read(p []byte) (int, error) {
	if c.r.Len() == 0 {
		return 0, transport.ErrConnClosed
	}
	return c.r.Read(p)
}

func TestDecodeConnClosed(t *testing.T) {
	frame, err := AppendFrame(nil, To("a", []byte("hello")))
	require.NoError(t, err)

	t.Run("between frames", func(t *testing.T) {
		d := NewDecoder(closedReader{bytes.NewReader(frame)})

		msg, err := d.Decode()
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), msg.Payload)

		_, err = d.Decode()
		assert.ErrorIs(t, err, transport.ErrConnClosed)
		assert.NotErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	for _, cut := range []int{2, 6, len(frame) - 1} {
		_, err := NewDecoder(closedReader{bytes.NewReader(frame[:cut])}).Decode()
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF, "cut at %d", cut)
		assert.NotErrorIs(t, err, transport.ErrConnClosed, "cut at %d", cut)
	}
}

func TestParseFrameMalformed(t *testing.T) {
	testcases := []struct {
		desc  string
		frame []byte
	}{
		{desc: "empty", frame: nil},
		{desc: "missing header", frame: []byte{0, 1}},
		{desc: "short name", frame: []byte{0, 1, 0, 5, 'a'}},
		{desc: "missing payload length", frame: []byte{0, 0}},
		{desc: "payload length mismatch", frame: []byte{0, 0, 0, 0, 0, 3, 'a'}},
	}

	for _, tc := range testcases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := ParseFrame(tc.frame)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

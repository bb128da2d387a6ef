package message

import (
	"bufio"
	"cluster-com/transport"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Frame layout, all integers big endian:
//
//	uint32 frame length (excluding itself)
//	uint16 header count
//	  uint16 key length, key, uint16 value length, value   (sorted by key)
//	uint32 payload length, payload
const (
	MaxFrameSize = 16 << 20

	frameBufSize = 64 << 10
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrMalformed     = errors.New("malformed frame")
)

type Encoder struct {
	w   *bufio.Writer
	buf []byte
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriterSize(w, frameBufSize)}
}

// Encode writes m as a single frame and flushes it.
func (e *Encoder) Encode(m *Message) error {
	frame, err := AppendFrame(e.buf[:0], m)
	if err != nil {
		return err
	}
	e.buf = frame

	if _, err := e.w.Write(frame); err != nil {
		return errors.Wrap(err, "writing frame")
	}
	if err := e.w.Flush(); err != nil {
		return errors.Wrap(err, "flushing frame")
	}
	return nil
}

// AppendFrame appends the wire form of m to dst.
func AppendFrame(dst []byte, m *Message) ([]byte, error) {
	names := m.Headers()
	if len(names) > math.MaxUint16 {
		return dst, errors.Wrapf(ErrFrameTooLarge, "%d headers", len(names))
	}

	size := 2 + 4 + len(m.Payload)
	for _, name := range names {
		value := m.headers[name]
		if len(name) > math.MaxUint16 || len(value) > math.MaxUint16 {
			return dst, errors.Wrapf(ErrFrameTooLarge, "header %.32q", name)
		}
		size += 2 + len(name) + 2 + len(value)
	}
	if size > MaxFrameSize {
		return dst, errors.Wrapf(ErrFrameTooLarge, "%d bytes", size)
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(size))
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(names)))
	for _, name := range names {
		value := m.headers[name]
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(name)))
		dst = append(dst, name...)
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(value)))
		dst = append(dst, value...)
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(m.Payload)))
	dst = append(dst, m.Payload...)

	return dst, nil
}

type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, frameBufSize)}
}

// Decode reads the next frame.
// It returns io.EOF only when the stream ends cleanly between frames. A stream
// that ends inside a frame yields io.ErrUnexpectedEOF.
func (d *Decoder) Decode() (*Message, error) {
	var prefix [4]byte
	if n, err := io.ReadFull(d.r, prefix[:]); err != nil {
		if n == 0 {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, errors.Wrap(err, "reading frame length")
		}
		return nil, errors.Wrap(truncated(err), "reading frame length")
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(d.r, frame); err != nil {
		return nil, errors.Wrap(truncated(err), "reading frame body")
	}

	return ParseFrame(frame)
}

// truncated maps the end of a stream inside a frame to io.ErrUnexpectedEOF.
func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, transport.ErrConnClosed) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// ParseFrame decodes a frame body, the bytes following the length prefix.
func ParseFrame(frame []byte) (*Message, error) {
	r := frameReader{b: frame}

	count, ok := r.uint16()
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "header count")
	}

	m := &Message{headers: make(map[string]string, count)}
	for i := range int(count) {
		name, ok := r.string16()
		if !ok {
			return nil, errors.Wrapf(ErrMalformed, "header %d name", i)
		}
		value, ok := r.string16()
		if !ok {
			return nil, errors.Wrapf(ErrMalformed, "header %q value", name)
		}
		m.headers[name] = value
	}

	n, ok := r.uint32()
	if !ok || uint32(len(r.b)) != n {
		return nil, errors.Wrap(ErrMalformed, "payload length")
	}
	if n > 0 {
		m.Payload = r.b
	}

	return m, nil
}

type frameReader struct {
	b []byte
}

func (r *frameReader) uint16() (uint16, bool) {
	if len(r.b) < 2 {
		return 0, false
	}
	v := binary.BigEndian.Uint16(r.b)
	r.b = r.b[2:]
	return v, true
}

func (r *frameReader) uint32() (uint32, bool) {
	if len(r.b) < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.b)
	r.b = r.b[4:]
	return v, true
}

func (r *frameReader) string16() (string, bool) {
	n, ok := r.uint16()
	if !ok || len(r.b) < int(n) {
		return "", false
	}
	s := string(r.b[:n])
	r.b = r.b[n:]
	return s, true
}

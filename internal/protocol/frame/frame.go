package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the size of the big-endian length prefix.
const HeaderLen = 4

var (
	ErrShortHeader     = errors.New("frame: short length header")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrEmptyPayload    = errors.New("frame: empty payload")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

// DefaultLimits matches the 64 KiB ceiling cast receivers enforce per message.
func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024,
	}
}

func (l Limits) WithDefaults() Limits {
	if l.MaxPayloadBytes == 0 {
		l.MaxPayloadBytes = DefaultLimits().MaxPayloadBytes
	}
	return l
}

// Encode returns the length-prefixed wire form of payload.
func Encode(payload []byte, limits Limits) ([]byte, error) {
	limits = limits.WithDefaults()
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if uint64(len(payload)) > uint64(limits.MaxPayloadBytes) {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), limits.MaxPayloadBytes)
	}
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[0:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// WriteFrame writes header and payload with a single Write so a frame is never
// interleaved with another writer holding the same lock.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	buf, err := Encode(payload, limits)
	if err != nil {
		return err
	}
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadFrame reads one complete frame. Use Reader when the underlying
// connection can time out mid-frame.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	limits = limits.WithDefaults()
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, limits.MaxPayloadBytes)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Reader reassembles frames across partial reads. State survives read errors,
// so a deadline expiring halfway through a frame resumes on the next call
// instead of desynchronising the stream.
type Reader struct {
	limits Limits
	hdr    [HeaderLen]byte
	hdrN   int
	buf    []byte
	bufN   int
	inBody bool
}

func NewReader(limits Limits) *Reader {
	return &Reader{limits: limits.WithDefaults()}
}

// Reset drops any partially read frame.
func (fr *Reader) Reset() {
	fr.hdrN = 0
	fr.buf = nil
	fr.bufN = 0
	fr.inBody = false
}

// Buffered reports whether a frame is partially read.
func (fr *Reader) Buffered() bool {
	return fr.hdrN > 0 || fr.inBody
}

// Next returns the next complete payload from r.
func (fr *Reader) Next(r io.Reader) ([]byte, error) {
	for !fr.inBody {
		n, err := r.Read(fr.hdr[fr.hdrN:])
		fr.hdrN += n
		if fr.hdrN == HeaderLen {
			size := binary.BigEndian.Uint32(fr.hdr[:])
			if size > fr.limits.MaxPayloadBytes {
				fr.Reset()
				return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, fr.limits.MaxPayloadBytes)
			}
			fr.buf = make([]byte, size)
			fr.bufN = 0
			fr.inBody = true
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) && fr.hdrN > 0 {
				return nil, ErrShortHeader
			}
			return nil, err
		}
	}
	for fr.bufN < len(fr.buf) {
		n, err := r.Read(fr.buf[fr.bufN:])
		fr.bufN += n
		if fr.bufN == len(fr.buf) {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	payload := fr.buf
	fr.Reset()
	return payload, nil
}

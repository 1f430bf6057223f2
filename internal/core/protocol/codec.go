package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/zeusync/vicodyn/pkg/generic"
)

// DefaultMaxFrameSize bounds a single encoded frame.
const DefaultMaxFrameSize = 64 << 20

// Frame layout, big endian:
//
//	[4 len][8 channel][8 event][4 argsLen][args][2 headerCount]{[2 nameLen][name][4 valueLen][value]}
const frameFixedSize = 8 + 8 + 4 + 2

// AppendFrame encodes f, length prefix included, onto dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if len(f.Headers) > math.MaxUint16 {
		return dst, NewError(ErrorCodeInvalidMessage, "too many headers", nil)
	}

	size := frameFixedSize + len(f.Args)
	for _, h := range f.Headers {
		if len(h.Name) > math.MaxUint16 {
			return dst, NewError(ErrorCodeInvalidMessage, "header name too long", nil)
		}
		size += 2 + len(h.Name) + 4 + len(h.Value)
	}
	if uint64(size) > math.MaxUint32 {
		return dst, ErrFrameTooLarge
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(size))
	dst = binary.BigEndian.AppendUint64(dst, f.Channel)
	dst = binary.BigEndian.AppendUint64(dst, f.EventID)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(f.Args)))
	dst = append(dst, f.Args...)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(f.Headers)))
	for _, h := range f.Headers {
		dst = binary.BigEndian.AppendUint16(dst, uint16(len(h.Name)))
		dst = append(dst, h.Name...)
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(h.Value)))
		dst = append(dst, h.Value...)
	}
	return dst, nil
}

// Buffers above this size are dropped instead of pooled.
const maxPooledBuffer = 64 << 10

var writeBuffers = generic.NewResetPool(
	func() *[]byte {
		buf := make([]byte, 0, 512)
		return &buf
	},
	func(buf *[]byte) *[]byte {
		if cap(*buf) > maxPooledBuffer {
			fresh := make([]byte, 0, 512)
			return &fresh
		}
		*buf = (*buf)[:0]
		return buf
	},
)

// WriteFrame encodes f and writes it with a single Write call, so that
// message-oriented transports see one frame per message.
func WriteFrame(w io.Writer, f Frame) error {
	buf := writeBuffers.Get()
	defer writeBuffers.Put(buf)

	encoded, err := AppendFrame((*buf)[:0], f)
	if err != nil {
		return err
	}
	*buf = encoded
	_, err = w.Write(encoded)
	return err
}

// FrameReader decodes frames from a byte stream.
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
	header  [4]byte
}

func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: bufio.NewReader(r), maxSize: maxSize}
}

// ReadFrame blocks until a whole frame is available.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return Frame{}, err
	}
	size := binary.BigEndian.Uint32(fr.header[:])
	if size < frameFixedSize {
		return Frame{}, NewError(ErrorCodeProtocolViolation, fmt.Sprintf("frame of %d bytes is too short", size), nil)
	}
	if int64(size) > int64(fr.maxSize) {
		return Frame{}, NewError(ErrorCodeFrameTooLarge, fmt.Sprintf("frame of %d bytes exceeds %d", size, fr.maxSize), nil)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return Frame{}, err
	}
	return decodeFrameBody(body)
}

func decodeFrameBody(body []byte) (Frame, error) {
	d := decoder{buf: body}

	var f Frame
	f.Channel = d.uint64()
	f.EventID = d.uint64()
	f.Args = d.bytes(int(d.uint32()))
	count := int(d.uint16())
	if count > 0 {
		f.Headers = make(Headers, 0, count)
	}
	for i := 0; i < count && d.err == nil; i++ {
		name := d.bytes(int(d.uint16()))
		value := d.bytes(int(d.uint32()))
		f.Headers = append(f.Headers, Header{Name: string(name), Value: value})
	}
	if d.err != nil {
		return Frame{}, d.err
	}
	if len(d.buf) != 0 {
		return Frame{}, NewError(ErrorCodeProtocolViolation, "trailing bytes after frame", nil)
	}
	return f, nil
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || n > len(d.buf) {
		d.err = NewError(ErrorCodeProtocolViolation, "truncated frame", nil)
		return nil
	}
	out := d.buf[:n:n]
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) uint16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) uint32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) uint64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) bytes(n int) []byte {
	return d.take(n)
}

// EncodeErrorArgs builds the args of an error-edge message: [4 code][2 msgLen][msg].
func EncodeErrorArgs(code ErrorCode, message string) []byte {
	if len(message) > math.MaxUint16 {
		message = message[:math.MaxUint16]
	}
	buf := make([]byte, 0, 6+len(message))
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(code)))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(message)))
	return append(buf, message...)
}

// DecodeErrorArgs is the inverse of EncodeErrorArgs. ok is false when args
// do not follow the error layout.
func DecodeErrorArgs(args []byte) (code ErrorCode, message string, ok bool) {
	if len(args) < 6 {
		return 0, "", false
	}
	code = ErrorCode(int32(binary.BigEndian.Uint32(args[:4])))
	n := int(binary.BigEndian.Uint16(args[4:6]))
	if len(args) != 6+n {
		return 0, "", false
	}
	return code, string(args[6:]), true
}

// ErrorFromArgs turns an error-edge payload into an *Error.
func ErrorFromArgs(args []byte) *Error {
	code, message, ok := DecodeErrorArgs(args)
	if !ok {
		return NewError(ErrorCodeUnknown, "undecodable backend error", nil)
	}
	return NewError(code, message, nil)
}

package sane

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SANE network protocol procedure numbers.
const (
	rpcInit                 uint32 = 0
	rpcGetDevices           uint32 = 1
	rpcOpen                 uint32 = 2
	rpcClose                uint32 = 3
	rpcGetOptionDescriptors uint32 = 4
	rpcControlOption        uint32 = 5
	rpcGetParameters        uint32 = 6
	rpcStart                uint32 = 7
	rpcCancel               uint32 = 8
	rpcAuthorize            uint32 = 9
	rpcExit                 uint32 = 10
)

// Control option actions.
const (
	actionGet uint32 = 0
	actionSet uint32 = 1
)

// versionCode is SANE_VERSION_CODE(1, 0, 3).
const versionCode = 1<<24 | 0<<16 | 3

// DefaultPort is the saned control port.
const DefaultPort = 6566

// Byte order markers sent with a START reply.
const (
	byteOrderLittle = 0x1234
	byteOrderBig    = 0x4321
)

// recordEnd terminates the data stream; one status byte follows.
const recordEnd = 0xffffffff

// maxWireLen bounds array and string lengths read from the daemon.
const maxWireLen = 1 << 20

var errWireTooLong = errors.New("sane: wire length exceeds limit")

// ----------------------------------------------------------------------------
// Encoding: every primitive is a big-endian 32-bit word. Strings are a length
// word (including the trailing NUL) and the bytes; a NULL string has length 0.
// Pointers are an is-null word followed by the value. Arrays are a length
// word followed by the elements.

type wireWriter struct {
	buf []byte
}

func (w *wireWriter) word(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *wireWriter) int(v int32) { w.word(uint32(v)) }

func (w *wireWriter) str(s string) {
	if s == "" {
		w.word(1)
		w.buf = append(w.buf, 0)
		return
	}
	w.word(uint32(len(s) + 1))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}

// value encodes an option value as an array of words or characters.
func (w *wireWriter) value(v Value, size int32) {
	switch v.Type {
	case TypeString:
		w.word(uint32(size))
		b := make([]byte, size)
		copy(b, v.String)
		w.buf = append(w.buf, b...)
	case TypeButton, TypeGroup:
		w.word(0)
	default:
		n := int(size) / 4
		w.word(uint32(n))
		for i := range n {
			var x int32
			if i < len(v.Words) {
				x = v.Words[i]
			}
			w.int(x)
		}
	}
}

type wireReader struct {
	r   *bufio.Reader
	err error
}

func newWireReader(r io.Reader) *wireReader {
	return &wireReader{r: bufio.NewReader(r)}
}

func (r *wireReader) word() uint32 {
	if r.err != nil {
		return 0
	}
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		r.err = err
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

func (r *wireReader) int() int32 { return int32(r.word()) }

func (r *wireReader) length() int {
	n := r.word()
	if n > maxWireLen {
		if r.err == nil {
			r.err = errWireTooLong
		}
		return 0
	}
	return int(n)
}

func (r *wireReader) str() string {
	n := r.length()
	if n == 0 || r.err != nil {
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
		return ""
	}
	if b[n-1] == 0 {
		b = b[:n-1]
	}
	return string(b)
}

// isNull reads a pointer's is-null word.
func (r *wireReader) isNull() bool { return r.word() != 0 }

func (r *wireReader) status(op string) error {
	st := Status(r.word())
	if r.err != nil {
		return r.err
	}
	if st != StatusGood {
		return &StatusError{Op: op, Status: st}
	}
	return nil
}

func (r *wireReader) device() Device {
	return Device{Name: r.str(), Vendor: r.str(), Model: r.str(), Type: r.str()}
}

func (r *wireReader) optionDescriptor() OptionDescriptor {
	d := OptionDescriptor{
		Name:  r.str(),
		Title: r.str(),
		Desc:  r.str(),
		Type:  ValueType(r.word()),
		Unit:  Unit(r.word()),
		Size:  r.int(),
		Cap:   r.int(),
	}
	d.Constraint.Type = ConstraintType(r.word())
	switch d.Constraint.Type {
	case ConstraintRange:
		if !r.isNull() {
			d.Constraint.Range = Range{Min: r.int(), Max: r.int(), Quant: r.int()}
		}
	case ConstraintWordList:
		// The first element is the element count, as in the C API.
		n := r.length()
		for i := range n {
			w := r.int()
			if i > 0 {
				d.Constraint.Words = append(d.Constraint.Words, w)
			}
		}
	case ConstraintStringList:
		// NULL-terminated list; the terminator is a zero-length string.
		n := r.length()
		for range n {
			if s := r.str(); s != "" {
				d.Constraint.Strings = append(d.Constraint.Strings, s)
			}
		}
	}
	return d
}

func (r *wireReader) value(t ValueType) Value {
	v := Value{Type: t}
	n := r.length()
	switch t {
	case TypeString:
		b := make([]byte, n)
		if _, err := io.ReadFull(r.r, b); err != nil && r.err == nil {
			r.err = err
		}
		if i := indexNUL(b); i >= 0 {
			b = b[:i]
		}
		v.String = string(b)
	default:
		for range n {
			v.Words = append(v.Words, r.int())
		}
	}
	return v
}

func (r *wireReader) parameters() Parameters {
	return Parameters{
		Format:        FrameFormat(r.word()),
		LastFrame:     r.word() != 0,
		BytesPerLine:  int(r.int()),
		PixelsPerLine: int(r.int()),
		Lines:         int(r.int()),
		Depth:         int(r.int()),
	}
}

func indexNUL(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// readRecords reads the data stream of one frame until the end marker and
// returns the payload.
func readRecords(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	var out []byte
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return out, fmt.Errorf("read record length: %w", err)
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n == recordEnd {
			st, err := br.ReadByte()
			if err != nil {
				return out, fmt.Errorf("read end status: %w", err)
			}
			if s := Status(st); s != StatusGood && s != StatusEOF {
				return out, &StatusError{Op: "read", Status: s}
			}
			return out, nil
		}
		if n > maxWireLen*64 {
			return out, errWireTooLong
		}
		start := len(out)
		out = append(out, make([]byte, n)...)
		if _, err := io.ReadFull(br, out[start:]); err != nil {
			return out[:start], fmt.Errorf("read record: %w", err)
		}
	}
}

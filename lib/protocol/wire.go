package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/gravitational/trace"
)

// byteReader is a minimal cursor over a decode buffer. It never panics on
// malformed input; every read reports MalformedFrame-shaped errors via
// trace.BadParameter so the caller can close the connection without a
// response frame, per spec.md §7.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, trace.BadParameter("truncated payload: expected 1 byte")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *byteReader) readBool() (bool, error) {
	b, err := r.readByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (r *byteReader) readUint16() (uint16, error) {
	if r.remaining() < 2 {
		return 0, trace.BadParameter("truncated payload: expected 2 bytes")
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *byteReader) readUint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, trace.BadParameter("truncated payload: expected 4 bytes")
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *byteReader) readUint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, trace.BadParameter("truncated payload: expected 8 bytes")
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *byteReader) readInt32() (int32, error) {
	v, err := r.readUint32()
	return int32(v), err
}

func (r *byteReader) readInt64() (int64, error) {
	v, err := r.readUint64()
	return int64(v), err
}

func (r *byteReader) readBytes() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, trace.BadParameter("truncated payload: expected %d bytes", n)
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}

func (r *byteReader) readString() (string, error) {
	b, err := r.readBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *byteReader) readOptionalString() (string, error) {
	present, err := r.readBool()
	if err != nil {
		return "", err
	}
	if !present {
		return "", nil
	}
	return r.readString()
}

func (r *byteReader) requireExhausted() error {
	if r.remaining() != 0 {
		return trace.BadParameter("trailing %d bytes in payload", r.remaining())
	}
	return nil
}

// --- encode helpers ---

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeInt32(buf *bytes.Buffer, v int32) { writeUint32(buf, uint32(v)) }
func writeInt64(buf *bytes.Buffer, v int64) { writeUint64(buf, uint64(v)) }

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeOptionalString(buf *bytes.Buffer, s string) {
	writeBool(buf, s != "")
	if s != "" {
		writeString(buf, s)
	}
}

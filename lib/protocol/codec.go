package protocol

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/gravitational/trace"
)

// DefaultMaxFrameSize is the maximum accepted declared frame length
// (spec.md §4.1).
const DefaultMaxFrameSize = 16 << 20 // 16 MiB

// Codec encodes and decodes ProtocolMessage values as length-prefixed
// frames. The zero value is usable with DefaultMaxFrameSize.
type Codec struct {
	// MaxFrameSize bounds the declared payload length Decode will accept.
	// Zero means DefaultMaxFrameSize.
	MaxFrameSize uint32
}

func (c Codec) maxFrameSize() uint32 {
	if c.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Encode serializes msg as a complete frame: a 4-byte big-endian length
// prefix followed by the payload. Encode never fails for well-formed
// inputs.
func (c Codec) Encode(msg Message) ([]byte, error) {
	payload, err := encodePayload(msg)
	if err != nil {
		return nil, trace.Wrap(err, "encoding %T", msg)
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	return frame, nil
}

// ReadFrame reads exactly one frame from r: a 4-byte length prefix, then
// that many payload bytes, looping on short reads (spec.md §4.1's reader
// discipline). It returns the raw payload, not yet decoded.
func (c Codec) ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, trace.Wrap(err, "reading frame length")
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > c.maxFrameSize() {
		return nil, trace.BadParameter("frame length %d exceeds maximum %d", length, c.maxFrameSize())
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, trace.Wrap(err, "reading frame payload")
	}
	return payload, nil
}

// DecodePayload decodes a single message from a raw (already length-
// delimited) payload buffer.
func (c Codec) DecodePayload(payload []byte) (Message, error) {
	return decodePayload(payload)
}

// ReadMessage reads and decodes exactly one message from r.
func (c Codec) ReadMessage(r io.Reader) (Message, error) {
	payload, err := c.ReadFrame(r)
	if err != nil {
		return nil, err
	}
	msg, err := decodePayload(payload)
	if err != nil {
		return nil, trace.Wrap(err, "decoding frame payload")
	}
	return msg, nil
}

// WriteMessage encodes msg and writes the resulting frame to w in full.
func (c Codec) WriteMessage(w io.Writer, msg Message) error {
	frame, err := c.Encode(msg)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := w.Write(frame); err != nil {
		return trace.Wrap(err, "writing frame")
	}
	return nil
}

// --- payload encoding ---

func encodePayload(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(msg.Tag())

	switch m := msg.(type) {
	case Hello:
		writeUint16(&buf, m.ProtocolVersion)
		writeString(&buf, m.AppVersion)
		writeOptionalString(&buf, m.AuthToken)
	case Input:
		writeBytes(&buf, m.Bytes)
	case Command:
		writeString(&buf, m.Text)
	case Event:
		encodeTerminalEvent(&buf, m.Terminal)
	case Resize:
		writeUint16(&buf, m.Rows)
		writeUint16(&buf, m.Cols)
	case ListDir:
		writeString(&buf, m.Path)
		writeUint32(&buf, m.Depth)
	case DirChunk:
		writeUint32(&buf, m.ChunkIndex)
		writeUint32(&buf, m.TotalChunks)
		writeUint32(&buf, uint32(len(m.Entries)))
		for _, e := range m.Entries {
			encodeDirEntry(&buf, e)
		}
		writeBool(&buf, m.HasMore)
	case Error:
		writeString(&buf, m.Code)
		writeString(&buf, m.Message)
	case Close:
		// no fields
	default:
		return nil, trace.BadParameter("unknown message type %T", msg)
	}
	return buf.Bytes(), nil
}

func encodeTerminalEvent(buf *bytes.Buffer, ev TerminalEvent) {
	buf.WriteByte(byte(ev.Kind))
	switch ev.Kind {
	case TerminalOutput:
		writeBytes(buf, ev.Output)
	case TerminalError:
		writeString(buf, ev.Message)
	case TerminalExit:
		writeInt32(buf, ev.Code)
	}
}

func encodeDirEntry(buf *bytes.Buffer, e DirEntry) {
	writeString(buf, e.Name)
	writeString(buf, e.Path)
	writeBool(buf, e.IsDir)
	writeBool(buf, e.IsSymlink)
	writeBool(buf, e.HasSize)
	if e.HasSize {
		writeUint64(buf, e.Size)
	}
	writeBool(buf, e.HasModTime)
	if e.HasModTime {
		writeInt64(buf, e.ModTime)
	}
	writeBool(buf, e.HasPerm)
	if e.HasPerm {
		writeUint32(buf, e.Perm)
	}
}

// --- payload decoding ---

func decodePayload(payload []byte) (Message, error) {
	if len(payload) < 1 {
		return nil, trace.BadParameter("empty payload")
	}
	r := &byteReader{buf: payload}
	tag, err := r.readByte()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	switch tag {
	case TagHello:
		version, err := r.readUint16()
		if err != nil {
			return nil, trace.Wrap(err, "decoding Hello.ProtocolVersion")
		}
		appVersion, err := r.readString()
		if err != nil {
			return nil, trace.Wrap(err, "decoding Hello.AppVersion")
		}
		token, err := r.readOptionalString()
		if err != nil {
			return nil, trace.Wrap(err, "decoding Hello.AuthToken")
		}
		if err := r.requireExhausted(); err != nil {
			return nil, err
		}
		return Hello{ProtocolVersion: version, AppVersion: appVersion, AuthToken: token}, nil

	case TagInput:
		b, err := r.readBytes()
		if err != nil {
			return nil, trace.Wrap(err, "decoding Input.Bytes")
		}
		if err := r.requireExhausted(); err != nil {
			return nil, err
		}
		return Input{Bytes: b}, nil

	case TagCommand:
		text, err := r.readString()
		if err != nil {
			return nil, trace.Wrap(err, "decoding Command.Text")
		}
		if err := r.requireExhausted(); err != nil {
			return nil, err
		}
		return Command{Text: text}, nil

	case TagEvent:
		ev, err := decodeTerminalEvent(r)
		if err != nil {
			return nil, trace.Wrap(err, "decoding Event")
		}
		if err := r.requireExhausted(); err != nil {
			return nil, err
		}
		return Event{Terminal: ev}, nil

	case TagResize:
		rows, err := r.readUint16()
		if err != nil {
			return nil, trace.Wrap(err, "decoding Resize.Rows")
		}
		cols, err := r.readUint16()
		if err != nil {
			return nil, trace.Wrap(err, "decoding Resize.Cols")
		}
		if err := r.requireExhausted(); err != nil {
			return nil, err
		}
		return Resize{Rows: rows, Cols: cols}, nil

	case TagListDir:
		path, err := r.readString()
		if err != nil {
			return nil, trace.Wrap(err, "decoding ListDir.Path")
		}
		depth, err := r.readUint32()
		if err != nil {
			return nil, trace.Wrap(err, "decoding ListDir.Depth")
		}
		if err := r.requireExhausted(); err != nil {
			return nil, err
		}
		return ListDir{Path: path, Depth: depth}, nil

	case TagDirChunk:
		chunkIndex, err := r.readUint32()
		if err != nil {
			return nil, trace.Wrap(err, "decoding DirChunk.ChunkIndex")
		}
		totalChunks, err := r.readUint32()
		if err != nil {
			return nil, trace.Wrap(err, "decoding DirChunk.TotalChunks")
		}
		count, err := r.readUint32()
		if err != nil {
			return nil, trace.Wrap(err, "decoding DirChunk entry count")
		}
		entries := make([]DirEntry, 0, count)
		for i := uint32(0); i < count; i++ {
			e, err := decodeDirEntry(r)
			if err != nil {
				return nil, trace.Wrap(err, "decoding DirChunk.Entries[%d]", i)
			}
			entries = append(entries, e)
		}
		hasMore, err := r.readBool()
		if err != nil {
			return nil, trace.Wrap(err, "decoding DirChunk.HasMore")
		}
		if err := r.requireExhausted(); err != nil {
			return nil, err
		}
		return DirChunk{ChunkIndex: chunkIndex, TotalChunks: totalChunks, Entries: entries, HasMore: hasMore}, nil

	case TagError:
		code, err := r.readString()
		if err != nil {
			return nil, trace.Wrap(err, "decoding Error.Code")
		}
		message, err := r.readString()
		if err != nil {
			return nil, trace.Wrap(err, "decoding Error.Message")
		}
		if err := r.requireExhausted(); err != nil {
			return nil, err
		}
		return Error{Code: code, Message: message}, nil

	case TagClose:
		if err := r.requireExhausted(); err != nil {
			return nil, err
		}
		return Close{}, nil

	default:
		return nil, trace.BadParameter("unknown variant tag 0x%02x", tag)
	}
}

func decodeTerminalEvent(r *byteReader) (TerminalEvent, error) {
	kind, err := r.readByte()
	if err != nil {
		return TerminalEvent{}, trace.Wrap(err, "decoding TerminalEvent.Kind")
	}
	switch TerminalEventKind(kind) {
	case TerminalOutput:
		b, err := r.readBytes()
		if err != nil {
			return TerminalEvent{}, trace.Wrap(err, "decoding TerminalEvent.Output")
		}
		return TerminalEvent{Kind: TerminalOutput, Output: b}, nil
	case TerminalError:
		msg, err := r.readString()
		if err != nil {
			return TerminalEvent{}, trace.Wrap(err, "decoding TerminalEvent.Message")
		}
		return TerminalEvent{Kind: TerminalError, Message: msg}, nil
	case TerminalExit:
		code, err := r.readInt32()
		if err != nil {
			return TerminalEvent{}, trace.Wrap(err, "decoding TerminalEvent.Code")
		}
		return TerminalEvent{Kind: TerminalExit, Code: code}, nil
	default:
		return TerminalEvent{}, trace.BadParameter("unknown terminal event kind 0x%02x", kind)
	}
}

func decodeDirEntry(r *byteReader) (DirEntry, error) {
	var e DirEntry
	var err error
	if e.Name, err = r.readString(); err != nil {
		return e, trace.Wrap(err, "decoding DirEntry.Name")
	}
	if e.Path, err = r.readString(); err != nil {
		return e, trace.Wrap(err, "decoding DirEntry.Path")
	}
	if e.IsDir, err = r.readBool(); err != nil {
		return e, trace.Wrap(err, "decoding DirEntry.IsDir")
	}
	if e.IsSymlink, err = r.readBool(); err != nil {
		return e, trace.Wrap(err, "decoding DirEntry.IsSymlink")
	}
	if e.HasSize, err = r.readBool(); err != nil {
		return e, trace.Wrap(err, "decoding DirEntry.HasSize")
	}
	if e.HasSize {
		if e.Size, err = r.readUint64(); err != nil {
			return e, trace.Wrap(err, "decoding DirEntry.Size")
		}
	}
	if e.HasModTime, err = r.readBool(); err != nil {
		return e, trace.Wrap(err, "decoding DirEntry.HasModTime")
	}
	if e.HasModTime {
		if e.ModTime, err = r.readInt64(); err != nil {
			return e, trace.Wrap(err, "decoding DirEntry.ModTime")
		}
	}
	if e.HasPerm, err = r.readBool(); err != nil {
		return e, trace.Wrap(err, "decoding DirEntry.HasPerm")
	}
	if e.HasPerm {
		if e.Perm, err = r.readUint32(); err != nil {
			return e, trace.Wrap(err, "decoding DirEntry.Perm")
		}
	}
	return e, nil
}

package wire

import (
	"bytes"
	"crypto/md5" //nolint:gosec // G501: fixed by the wire format, authenticates a shared token rather than protecting secrets
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	syncerrors "github.com/alexjbarnes/dirsync/internal/errors"
	"github.com/alexjbarnes/dirsync/internal/models"
	"github.com/tidwall/gjson"
)

const (
	// ChecksumSize is the length of the hex checksum in a frame header.
	ChecksumSize = 32

	// HeaderSize is the fixed frame header length: type, checksum, body
	// length.
	HeaderSize = 4 + ChecksumSize + 4

	// MaxBodySize bounds the declared body length of an incoming frame.
	MaxBodySize = 1 << 30
)

// Codec encodes and decodes frames for one identity and shared token. It
// holds no mutable state and is safe for concurrent use.
type Codec struct {
	identity string
	token    string
}

// NewCodec returns a codec that signs and verifies frames with the given
// identity and token. Both peers must use the same pair.
func NewCodec(identity, token string) *Codec {
	return &Codec{identity: identity, token: token}
}

// Marshal encodes msg into a complete frame.
func (c *Codec) Marshal(msg *Message) ([]byte, error) {
	if msg == nil || msg.Body == nil {
		return nil, errors.New("marshal: message has no body")
	}

	body, err := encodeBody(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", msg.Type(), err)
	}

	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds limit", syncerrors.ErrMalformedFrame, len(body))
	}

	sum := c.checksum(body)

	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(msg.Type())) //nolint:gosec // G115: type values are small
	copy(frame[4:4+ChecksumSize], sum)
	binary.BigEndian.PutUint32(frame[4+ChecksumSize:HeaderSize], uint32(len(body))) //nolint:gosec // G115: bounded above
	copy(frame[HeaderSize:], body)

	return frame, nil
}

// Unmarshal decodes the first frame in buf. When buf does not yet hold a
// complete frame it returns (nil, buf, nil) and the caller should read
// more. On success the bytes following the frame are returned as the
// remainder. Any error means the stream is corrupt and must be abandoned.
func (c *Codec) Unmarshal(buf []byte) (*Message, []byte, error) {
	if len(buf) < HeaderSize {
		return nil, buf, nil
	}

	msgType := Type(int32(binary.BigEndian.Uint32(buf[0:4]))) //nolint:gosec // G115: two's complement reinterpretation
	sum := buf[4 : 4+ChecksumSize]
	bodyLen := int32(binary.BigEndian.Uint32(buf[4+ChecksumSize : HeaderSize])) //nolint:gosec // G115: checked below

	if bodyLen < 0 {
		return nil, buf, fmt.Errorf("%w: negative body length %d", syncerrors.ErrMalformedFrame, bodyLen)
	}

	if int64(bodyLen) > MaxBodySize {
		return nil, buf, fmt.Errorf("%w: body length %d exceeds limit", syncerrors.ErrMalformedFrame, bodyLen)
	}

	total := HeaderSize + int(bodyLen)
	if len(buf) < total {
		return nil, buf, nil
	}

	body := buf[HeaderSize:total]

	if subtle.ConstantTimeCompare(sum, c.checksum(body)) != 1 {
		return nil, buf, fmt.Errorf("%w: %s frame of %d bytes", syncerrors.ErrChecksumMismatch, msgType, bodyLen)
	}

	if !msgType.Known() {
		return nil, buf, fmt.Errorf("%w: %s", syncerrors.ErrUnknownMessageType, msgType)
	}

	msg, err := decodeBody(msgType, body)
	if err != nil {
		return nil, buf, err
	}

	return msg, buf[total:], nil
}

// checksum returns the lowercase hex MD5 of identity + body + token.
func (c *Codec) checksum(body []byte) []byte {
	h := md5.New() //nolint:gosec // see import
	h.Write([]byte(c.identity))
	h.Write(body)
	h.Write([]byte(c.token))

	out := make([]byte, ChecksumSize)
	hex.Encode(out, h.Sum(nil))

	return out
}

// encodeBody renders the compact JSON body: "ts" first, then the
// kind-specific fields.
func encodeBody(msg *Message) ([]byte, error) {
	fields, err := json.Marshal(withEmptyLists(msg.Body))
	if err != nil {
		return nil, err
	}

	ts, err := json.Marshal(msg.Timestamp)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	buf.WriteString(`{"ts":`)
	buf.Write(ts)

	// fields is a JSON object; splice its members after "ts".
	if inner := bytes.TrimSpace(fields[1 : len(fields)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// withEmptyLists returns b with nil list fields replaced by empty ones, so
// they encode as [] rather than null. b itself is left untouched.
func withEmptyLists(b Body) Body {
	switch v := b.(type) {
	case *DiffRequest:
		if v.Files == nil {
			return &DiffRequest{Files: models.Snapshots{}}
		}
	case *DiffResponse:
		if v.Diff == nil {
			return &DiffResponse{Diff: models.DiffResult{}}
		}
	case *UploadRequest:
		if v.Files == nil {
			return &UploadRequest{Files: []UploadBatch{}}
		}
	}

	return b
}

func decodeBody(t Type, body []byte) (*Message, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %s body is not valid JSON", syncerrors.ErrMalformedBody, t)
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: %s body is not a JSON object", syncerrors.ErrMalformedBody, t)
	}

	ts := root.Get("ts")
	if ts.Type != gjson.Number {
		return nil, fmt.Errorf("%w: %s body has no numeric ts", syncerrors.ErrMalformedBody, t)
	}

	if key, ok := requiredField[t]; ok && !root.Get(key).IsArray() {
		return nil, fmt.Errorf("%w: %s body has no %q array", syncerrors.ErrMalformedBody, t, key)
	}

	b, _ := newBody(t)
	if err := json.Unmarshal(body, b); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", syncerrors.ErrMalformedBody, t, err)
	}

	return &Message{Timestamp: ts.Float(), Body: b}, nil
}

// Package wire implements the framed, checksummed message protocol spoken
// between the local and remote peers.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/dirsync/internal/models"
	"github.com/tidwall/gjson"
)

// Type identifies the kind of a message on the wire. Requests are even,
// responses are odd.
type Type int32

const (
	TypePingRequest    Type = 0
	TypePingResponse   Type = 1
	TypeDiffRequest    Type = 2
	TypeDiffResponse   Type = 3
	TypeUploadRequest  Type = 4
	TypeUploadResponse Type = 5
)

var typeNames = map[Type]string{
	TypePingRequest:    "PING_REQUEST",
	TypePingResponse:   "PING_RESPONSE",
	TypeDiffRequest:    "DIFF_REQUEST",
	TypeDiffResponse:   "DIFF_RESPONSE",
	TypeUploadRequest:  "UPLOAD_REQUEST",
	TypeUploadResponse: "UPLOAD_RESPONSE",
}

// Known reports whether t is one of the defined message types.
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// IsResponse reports whether t is a response type.
func (t Type) IsResponse() bool {
	return t%2 == 1
}

// Response returns the response type paired with request type t.
func (t Type) Response() Type {
	return t | 1
}

func (t Type) String() string {
	name, ok := typeNames[t]
	if !ok {
		name = "UNKNOWN"
	}

	return fmt.Sprintf("%s(%d)", name, int32(t))
}

// Body is the typed payload of a message. Each implementation maps to
// exactly one Type.
type Body interface {
	Type() Type
}

// PingRequest checks that the peer is alive and shares the token.
type PingRequest struct{}

// PingResponse answers a PingRequest.
type PingResponse struct{}

// DiffRequest carries the sender's snapshots, one per root.
type DiffRequest struct {
	Files models.Snapshots `json:"files"`
}

// DiffResponse lists, per root, the paths the requester must upload.
type DiffResponse struct {
	Diff models.DiffResult `json:"diff"`
}

// UploadRequest carries file contents, one batch per root.
type UploadRequest struct {
	Files []UploadBatch `json:"uploaded_files"`
}

// UploadResponse acknowledges that every file of an UploadRequest was
// written.
type UploadResponse struct{}

func (*PingRequest) Type() Type    { return TypePingRequest }
func (*PingResponse) Type() Type   { return TypePingResponse }
func (*DiffRequest) Type() Type    { return TypeDiffRequest }
func (*DiffResponse) Type() Type   { return TypeDiffResponse }
func (*UploadRequest) Type() Type  { return TypeUploadRequest }
func (*UploadResponse) Type() Type { return TypeUploadResponse }

// UploadFile is one file in an upload batch. Content is base64 encoded.
type UploadFile struct {
	Path    string
	Content string
}

// UploadBatch holds the files uploaded for one root. On the wire it is an
// object mapping path to base64 content, in slice order.
type UploadBatch []UploadFile

// MarshalJSON encodes the batch as a path to content object.
func (b UploadBatch) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, f := range b {
		if i > 0 {
			buf.WriteByte(',')
		}

		key, err := json.Marshal(f.Path)
		if err != nil {
			return nil, err
		}

		val, err := json.Marshal(f.Content)
		if err != nil {
			return nil, err
		}

		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a path to content object, keeping key order.
func (b *UploadBatch) UnmarshalJSON(data []byte) error {
	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return fmt.Errorf("upload batch must be a JSON object, got %s", res.Type)
	}

	out := make(UploadBatch, 0)

	var decodeErr error

	res.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String {
			decodeErr = fmt.Errorf("content for %q must be a string", key.String())
			return false
		}

		out = append(out, UploadFile{Path: key.String(), Content: value.String()})

		return true
	})
	if decodeErr != nil {
		return decodeErr
	}

	*b = out

	return nil
}

// Message is one protocol message. Timestamp is the sender's clock in
// fractional seconds since the epoch.
type Message struct {
	Timestamp float64
	Body      Body
}

// NewMessage wraps body in a message stamped with the current time.
func NewMessage(body Body) *Message {
	return &Message{
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Body:      body,
	}
}

// Type returns the wire type of the message body.
func (m *Message) Type() Type {
	return m.Body.Type()
}

// newBody returns an empty body for a wire type.
func newBody(t Type) (Body, bool) {
	switch t {
	case TypePingRequest:
		return &PingRequest{}, true
	case TypePingResponse:
		return &PingResponse{}, true
	case TypeDiffRequest:
		return &DiffRequest{}, true
	case TypeDiffResponse:
		return &DiffResponse{}, true
	case TypeUploadRequest:
		return &UploadRequest{}, true
	case TypeUploadResponse:
		return &UploadResponse{}, true
	default:
		return nil, false
	}
}

// requiredField names the key each body kind must carry.
var requiredField = map[Type]string{
	TypeDiffRequest:   "files",
	TypeDiffResponse:  "diff",
	TypeUploadRequest: "uploaded_files",
}

package errors

import "errors"

// Protocol integrity errors. Always fatal to the current connection.
var (
	ErrChecksumMismatch   = errors.New("message checksum mismatch")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedFrame     = errors.New("malformed message frame")
	ErrMalformedBody      = errors.New("malformed message body")
	ErrUnexpectedMessage  = errors.New("unexpected message type")
	ErrResponseParity     = errors.New("response message type must be odd")
)

// Transport errors.
var (
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrIdleTimeout      = errors.New("connection idle timeout")
)

// Configuration errors.
var (
	ErrRootCountMismatch = errors.New("local and remote must watch the same number of dirs")
	ErrTokenTooShort     = errors.New("token too short")
	ErrUnknownIPVersion  = errors.New("unknown IP version")
	ErrInvalidConfig     = errors.New("invalid configuration")
)

// IsProtocol reports whether err is a protocol integrity error, meaning the
// byte stream it came from must not be read again.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrUnknownMessageType) ||
		errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrMalformedBody) ||
		errors.Is(err, ErrUnexpectedMessage) ||
		errors.Is(err, ErrResponseParity)
}

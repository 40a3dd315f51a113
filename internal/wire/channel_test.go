package wire

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	syncerrors "github.com/alexjbarnes/dirsync/internal/errors"
	"github.com/alexjbarnes/dirsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var discardLogger = slog.New(slog.DiscardHandler)

func newMockChannel(t *testing.T) (*Channel, *MockConn) {
	t.Helper()

	ctrl := gomock.NewController(t)
	mock := NewMockConn(ctrl)
	mock.EXPECT().SetReadDeadline(gomock.Any()).Return(nil).AnyTimes()

	return NewChannel(mock, testCodec(), DefaultIdleTimeout, discardLogger), mock
}

// feed makes the mock return data at most step bytes per Read, then EOF.
func feed(mock *MockConn, data []byte, step int) *gomock.Call {
	r := bytes.NewReader(data)

	return mock.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		if r.Len() == 0 {
			return 0, io.EOF
		}

		if len(p) > step {
			p = p[:step]
		}

		return r.Read(p)
	})
}

func mustMarshal(t *testing.T, msg *Message) []byte {
	t.Helper()
	frame, err := testCodec().Marshal(msg)
	require.NoError(t, err)
	return frame
}

// --- Receive ---

func TestReceive_WholeFrame(t *testing.T) {
	ch, mock := newMockChannel(t)
	want := &Message{Timestamp: 10, Body: &DiffResponse{Diff: models.DiffResult{{"a.txt"}}}}
	feed(mock, mustMarshal(t, want), ReadChunkSize).Times(1)

	got, err := ch.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReceive_ReassemblesSingleByteReads(t *testing.T) {
	ch, mock := newMockChannel(t)
	want := &Message{Timestamp: 11, Body: &DiffRequest{Files: sampleSnapshots()}}
	frame := mustMarshal(t, want)
	feed(mock, frame, 1).Times(len(frame))

	got, err := ch.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReceive_BufferedFramesServedWithoutReading(t *testing.T) {
	ch, mock := newMockChannel(t)
	first := &Message{Timestamp: 1, Body: &PingRequest{}}
	second := &Message{Timestamp: 2, Body: &UploadResponse{}}
	data := append(mustMarshal(t, first), mustMarshal(t, second)...)

	// Exactly one read carries both frames.
	feed(mock, data, ReadChunkSize).Times(1)

	got, err := ch.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = ch.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestReceive_EOFIsPeerDisconnected(t *testing.T) {
	ch, mock := newMockChannel(t)
	mock.EXPECT().Read(gomock.Any()).Return(0, io.EOF)

	_, err := ch.Receive(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrPeerDisconnected)
}

func TestReceive_ZeroByteReadIsPeerDisconnected(t *testing.T) {
	ch, mock := newMockChannel(t)
	mock.EXPECT().Read(gomock.Any()).Return(0, nil)

	_, err := ch.Receive(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrPeerDisconnected)
}

func TestReceive_EOFMidFrame(t *testing.T) {
	ch, mock := newMockChannel(t)
	frame := mustMarshal(t, NewMessage(&PingRequest{}))
	feed(mock, frame[:HeaderSize+2], 8).AnyTimes()

	_, err := ch.Receive(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrPeerDisconnected)
}

func TestReceive_DeadlineIsIdleTimeout(t *testing.T) {
	ch, mock := newMockChannel(t)
	mock.EXPECT().Read(gomock.Any()).Return(0, os.ErrDeadlineExceeded)

	_, err := ch.Receive(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrIdleTimeout)
}

func TestReceive_OtherReadError(t *testing.T) {
	ch, mock := newMockChannel(t)
	mock.EXPECT().Read(gomock.Any()).Return(0, errors.New("connection reset"))

	_, err := ch.Receive(context.Background())
	assert.ErrorContains(t, err, "connection reset")
	assert.False(t, syncerrors.IsProtocol(err))
}

func TestReceive_ChecksumMismatch(t *testing.T) {
	ch, mock := newMockChannel(t)
	frame := mustMarshal(t, NewMessage(&PingRequest{}))
	frame[len(frame)-2] ^= 0x20
	feed(mock, frame, ReadChunkSize).Times(1)

	_, err := ch.Receive(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrChecksumMismatch)
}

func TestReceive_SetsDeadlineBeforeEachRead(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockConn(ctrl)
	ch := NewChannel(mock, testCodec(), time.Minute, discardLogger)

	frame := mustMarshal(t, NewMessage(&PingResponse{}))
	half := len(frame) / 2

	gomock.InOrder(
		mock.EXPECT().SetReadDeadline(gomock.Any()).Return(nil),
		mock.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			return copy(p, frame[:half]), nil
		}),
		mock.EXPECT().SetReadDeadline(gomock.Any()).Return(nil),
		mock.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			return copy(p, frame[half:]), nil
		}),
	)

	msg, err := ch.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TypePingResponse, msg.Type())
}

// --- Send ---

func TestSend_RetriesShortWrites(t *testing.T) {
	ch, mock := newMockChannel(t)
	msg := &Message{Timestamp: 5, Body: &UploadRequest{Files: []UploadBatch{{{Path: "a.txt", Content: "aGk="}}}}}
	want := mustMarshal(t, msg)

	var written bytes.Buffer

	mock.EXPECT().Write(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		n := min(len(p), 7)
		written.Write(p[:n])
		return n, nil
	}).MinTimes(2)

	require.NoError(t, ch.Send(context.Background(), msg))
	assert.Equal(t, want, written.Bytes())
}

func TestSend_WriteError(t *testing.T) {
	ch, mock := newMockChannel(t)
	mock.EXPECT().Write(gomock.Any()).Return(0, errors.New("broken pipe"))

	err := ch.Send(context.Background(), NewMessage(&PingRequest{}))
	assert.ErrorContains(t, err, "broken pipe")
}

func TestSend_ZeroWriteIsShortWrite(t *testing.T) {
	ch, mock := newMockChannel(t)
	mock.EXPECT().Write(gomock.Any()).Return(0, nil)

	err := ch.Send(context.Background(), NewMessage(&PingRequest{}))
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// --- Close ---

func TestClose_ClosesOnce(t *testing.T) {
	ch, mock := newMockChannel(t)
	mock.EXPECT().Close().Return(nil).Times(1)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}

func TestClose_ReturnsFirstError(t *testing.T) {
	ch, mock := newMockChannel(t)
	mock.EXPECT().Close().Return(errors.New("already closed")).Times(1)

	assert.Error(t, ch.Close())
	assert.Error(t, ch.Close())
}

func TestNewChannel_UniqueIDs(t *testing.T) {
	a, _ := newMockChannel(t)
	b, _ := newMockChannel(t)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

// --- over a real connection ---

func TestChannel_PipeExchange(t *testing.T) {
	left, right := net.Pipe()
	a := NewChannel(left, testCodec(), time.Second, discardLogger)
	b := NewChannel(right, testCodec(), time.Second, discardLogger)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	want := &Message{Timestamp: 42, Body: &DiffRequest{Files: sampleSnapshots()}}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Send(context.Background(), want)
	}()

	got, err := b.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, want, got)
}

func TestChannel_PipeIdleTimeout(t *testing.T) {
	left, right := net.Pipe()
	t.Cleanup(func() { left.Close() })

	ch := NewChannel(right, testCodec(), 50*time.Millisecond, discardLogger)
	t.Cleanup(func() { ch.Close() })

	_, err := ch.Receive(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrIdleTimeout)
}

func TestChannel_PeerCloseIsDisconnect(t *testing.T) {
	left, right := net.Pipe()
	ch := NewChannel(right, testCodec(), time.Second, discardLogger)
	t.Cleanup(func() { ch.Close() })

	require.NoError(t, left.Close())

	_, err := ch.Receive(context.Background())
	assert.ErrorIs(t, err, syncerrors.ErrPeerDisconnected)
}

func TestChannel_CancelUnblocksReceive(t *testing.T) {
	left, right := net.Pipe()
	t.Cleanup(func() { left.Close() })

	ch := NewChannel(right, testCodec(), 0, discardLogger)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := ch.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

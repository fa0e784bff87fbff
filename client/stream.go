package client

import (
	"context"
	"sync"

	"github.com/Mmx233/QRT/protocol"
)

// FrameStream is the pull-based sequence of streaming frames for one
// Streaming entry. It is infinite until streaming stops, the server sends
// NoMoreData, or the connection closes, and it is not restartable; a new
// StreamFrames call yields a new stream.
//
// Buffering is bounded at the configured frame buffer size. When the
// consumer lags, the session's dispatcher blocks on the full buffer,
// which stops socket reads and lets TCP flow control push back on the
// server. Frames are never dropped silently.
type FrameStream struct {
	frames chan *protocol.Frame

	mu     sync.Mutex
	done   chan struct{}
	reason error
}

func newFrameStream(buffer int) *FrameStream {
	return &FrameStream{
		frames: make(chan *protocol.Frame, buffer),
		done:   make(chan struct{}),
	}
}

// Next blocks until the next frame is available. It returns
// ErrNoMoreData when the server ended the segment, ErrStreamStopped
// after Stop, ErrConnectionClosed when the connection ended, or the
// context's error. Buffered frames drain before the end condition is
// reported.
func (fs *FrameStream) Next(ctx context.Context) (*protocol.Frame, error) {
	select {
	case frame := <-fs.frames:
		return frame, nil
	default:
	}

	select {
	case frame := <-fs.frames:
		return frame, nil
	case <-fs.done:
		// A frame may have raced with the close.
		select {
		case frame := <-fs.frames:
			return frame, nil
		default:
		}
		return nil, fs.closeReason()
	case <-ctx.Done():
		return nil, ctxError(ctx)
	}
}

// Stop detaches the stream locally: the session drops frames still
// arriving for it. It does not tell the server anything; use
// Session.StreamFramesStop for that.
func (fs *FrameStream) Stop() {
	fs.close(protocol.ErrStreamStopped)
}

func (fs *FrameStream) close(reason error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	select {
	case <-fs.done:
		return
	default:
	}
	fs.reason = reason
	close(fs.done)
}

func (fs *FrameStream) closeReason() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.reason == nil {
		return protocol.ErrStreamStopped
	}
	return fs.reason
}

// push hands one frame to the stream, blocking while the bounded buffer
// is full. Returns false once the stream is closed.
func (fs *FrameStream) push(frame *protocol.Frame) bool {
	select {
	case <-fs.done:
		return false
	default:
	}
	select {
	case fs.frames <- frame:
		return true
	case <-fs.done:
		return false
	}
}

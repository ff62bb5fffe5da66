package device

import (
	"context"
	"errors"
	"sync"
)

// StaticCamera serves a fixed frame per facing and counts open streams. It
// backs tests and the demo signer, and doubles as a leak detector: a test
// can assert OpenStreams() == 0 after a step tears down.
type StaticCamera struct {
	mu      sync.Mutex
	frames  map[Facing]Frame
	open    int
	failing bool
}

// NewStaticCamera creates a camera serving the given frames.
func NewStaticCamera(frames map[Facing]Frame) *StaticCamera {
	return &StaticCamera{frames: frames}
}

// SetFailing makes subsequent Open calls fail, simulating a denied
// permission or missing hardware.
func (s *StaticCamera) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// OpenStreams returns how many streams are currently open.
func (s *StaticCamera) OpenStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Open returns a stream over the frame registered for facing.
func (s *StaticCamera) Open(ctx context.Context, facing Facing) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return nil, errors.New("camera permission denied")
	}
	frame, ok := s.frames[facing]
	if !ok {
		return nil, errors.New("no camera for facing " + string(facing))
	}
	s.open++
	return &staticStream{cam: s, frame: frame}, nil
}

type staticStream struct {
	cam    *StaticCamera
	frame  Frame
	mu     sync.Mutex
	closed bool
}

func (st *staticStream) Capture(ctx context.Context) (Frame, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return Frame{}, errors.New("stream closed")
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	blob := append([]byte(nil), st.frame.Blob...)
	f := st.frame
	f.Blob = blob
	return f, nil
}

func (st *staticStream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return errors.New("stream already closed")
	}
	st.closed = true
	st.cam.mu.Lock()
	st.cam.open--
	st.cam.mu.Unlock()
	return nil
}

package device

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ImageDirCamera reads stills from a directory instead of hardware. Each
// Capture returns the next file in name order, wrapping around when the
// directory is exhausted. It lets the command-line signer walk a biometric
// or liveness step with prepared images.
type ImageDirCamera struct {
	dir   string
	files []string

	mu   sync.Mutex
	next int
	open int
}

// NewImageDirCamera scans dir for image files.
func NewImageDirCamera(dir string) (*ImageDirCamera, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("device: read image dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("device: no images in %s", dir)
	}
	sort.Strings(files)
	return &ImageDirCamera{dir: dir, files: files}, nil
}

// Open returns a stream over the directory's images.
func (c *ImageDirCamera) Open(ctx context.Context, facing Facing) (Stream, error) {
	c.mu.Lock()
	c.open++
	c.mu.Unlock()
	return &imageDirStream{cam: c}, nil
}

// OpenStreams returns how many streams are currently open.
func (c *ImageDirCamera) OpenStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

type imageDirStream struct {
	cam    *ImageDirCamera
	mu     sync.Mutex
	closed bool
}

func (s *imageDirStream) Capture(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Frame{}, fmt.Errorf("device: stream closed")
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.cam.mu.Lock()
	path := s.cam.files[s.cam.next%len(s.cam.files)]
	s.cam.next++
	s.cam.mu.Unlock()

	blob, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, fmt.Errorf("device: read %s: %w", path, err)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Frame{Blob: blob, ContentType: contentType}, nil
}

func (s *imageDirStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cam.mu.Lock()
	s.cam.open--
	s.cam.mu.Unlock()
	return nil
}

package source

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
)

// Source is a byte-addressable, possibly streaming input. Read fills p
// from off; stream sources accept monotonic offsets only. SignalCancel
// terminates any blocking read with context.Canceled. The first failed
// open is sticky and reported by OpenResult and every Read.
type Source interface {
	Read(p []byte, off int64) (int, error)
	IsStream() bool
	SignalCancel()
	OpenResult() error
}

// File is a random-access source over an open file.
type File struct {
	f         *os.File
	openErr   error
	cancelled atomic.Bool
}

func NewFile(path string) *File {
	f, err := os.Open(path)
	return &File{f: f, openErr: err}
}

func (s *File) Read(p []byte, off int64) (int, error) {
	if s.openErr != nil {
		return 0, s.openErr
	}
	if s.cancelled.Load() {
		return 0, context.Canceled
	}
	return s.f.ReadAt(p, off)
}

func (s *File) IsStream() bool { return false }

func (s *File) SignalCancel() { s.cancelled.Store(true) }

func (s *File) OpenResult() error { return s.openErr }

func (s *File) Close() error {
	if s.openErr != nil {
		return nil
	}
	return s.f.Close()
}

// Stdio is a seek-and-read source over a stdio-style file handle. It
// exists alongside File for paths outside the managed filesystem; the
// handle is shared, so the seek+read pair is serialised.
type Stdio struct {
	mu        sync.Mutex
	f         *os.File
	openErr   error
	cancelled atomic.Bool
}

func NewStdio(path string) *Stdio {
	f, err := os.Open(path)
	return &Stdio{f: f, openErr: err}
}

func (s *Stdio) Read(p []byte, off int64) (int, error) {
	if s.openErr != nil {
		return 0, s.openErr
	}
	if s.cancelled.Load() {
		return 0, context.Canceled
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Seek(off, 0); err != nil {
		return 0, err
	}
	return s.f.Read(p)
}

func (s *Stdio) IsStream() bool { return false }

func (s *Stdio) SignalCancel() { s.cancelled.Store(true) }

func (s *Stdio) OpenResult() error { return s.openErr }

func (s *Stdio) Close() error {
	if s.openErr != nil {
		return nil
	}
	return s.f.Close()
}

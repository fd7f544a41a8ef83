//go:build unix

package encryptedblock

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// mmapStore maps a host file shared and read-write. Reads and writes are
// copies in and out of the mapping; mu keeps Close from unmapping it under
// a copy in flight.
type mmapStore struct {
	f    *os.File
	name string
	size int64

	mu     sync.RWMutex
	data   []byte
	closed bool
}

func mapFile(f *os.File, size int64) (*mmapStore, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, NewIOError("mmap", f.Name(), err)
	}
	return &mmapStore{f: f, name: f.Name(), size: size, data: data}, nil
}

func createMmapStore(path string, size int64, onOpen func() error) (rawStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		return nil, NewIOError("create", path, err)
	}
	fail := func(err error) (rawStore, error) {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := onOpen(); err != nil {
		return fail(err)
	}
	if err := f.Truncate(size); err != nil {
		return fail(NewIOError("truncate", path, err))
	}
	s, err := mapFile(f, size)
	if err != nil {
		return fail(err)
	}
	return s, nil
}

func openMmapStore(path string) (rawStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, NewIOError("open", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, NewIOError("stat", path, err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, NewCorruptionError(path, "empty store")
	}
	s, err := mapFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *mmapStore) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(s.data)) {
		return 0, newIOErrorAt("read", s.name, off, io.ErrUnexpectedEOF)
	}
	return copy(p, s.data[off:]), nil
}

func (s *mmapStore) WriteAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(s.data)) {
		return 0, newIOErrorAt("write", s.name, off, io.ErrShortWrite)
	}
	return copy(s.data[off:], p), nil
}

func (s *mmapStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return NewIOError("sync", s.name, err)
	}
	return nil
}

func (s *mmapStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := unix.Munmap(s.data)
	s.data = nil
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return NewIOError("close", s.name, err)
	}
	return nil
}

func (s *mmapStore) Size() int64 {
	return s.size
}

func (s *mmapStore) relabel(name string) {
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
}

package encryptedblock

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/absfs/absfs"
)

// rawStore is a fixed-size, byte-addressed medium with no cryptography.
type rawStore interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
	Size() int64

	// relabel changes the name used in errors after the file was renamed.
	relabel(name string)
}

// fileStore reads and writes through an absfs.File.
type fileStore struct {
	f    absfs.File
	name string
	size int64
}

func (s *fileStore) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.f.ReadAt(p, off)
	if n == len(p) {
		return n, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return n, newIOErrorAt("read", s.name, off, err)
}

func (s *fileStore) WriteAt(p []byte, off int64) (int, error) {
	n, err := s.f.WriteAt(p, off)
	if err != nil {
		return n, newIOErrorAt("write", s.name, off, err)
	}
	return n, nil
}

func (s *fileStore) Sync() error {
	if err := s.f.Sync(); err != nil {
		return NewIOError("sync", s.name, err)
	}
	return nil
}

func (s *fileStore) Close() error {
	if err := s.f.Close(); err != nil {
		return NewIOError("close", s.name, err)
	}
	return nil
}

func (s *fileStore) Size() int64 {
	return s.size
}

func (s *fileStore) relabel(name string) {
	s.name = name
}

// createRawStore creates name, which must not exist yet, and sizes it to
// exactly size bytes. onOpen runs once the file exists and before it is
// sized, which is where the OS lock is taken. On any failure the new file
// is removed again.
func createRawStore(cfg *Config, name string, size int64, onOpen func() error) (rawStore, error) {
	if cfg.StorageType == StorageMmap {
		native, err := resolvePath(cfg.FS, name)
		if err != nil {
			return nil, err
		}
		return createMmapStore(native, size, onOpen)
	}

	fsys := cfg.FS
	f, err := fsys.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if os.IsExist(err) || errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, name)
		}
		return nil, NewIOError("create", name, err)
	}
	fail := func(err error) (rawStore, error) {
		f.Close()
		fsys.Remove(name)
		return nil, err
	}
	if err := onOpen(); err != nil {
		return fail(err)
	}
	if err := f.Truncate(size); err != nil {
		return fail(NewIOError("truncate", name, err))
	}
	return &fileStore{f: f, name: name, size: size}, nil
}

// openRawStore opens an existing store read-write.
func openRawStore(cfg *Config, name string) (rawStore, error) {
	if cfg.StorageType == StorageMmap {
		native, err := resolvePath(cfg.FS, name)
		if err != nil {
			return nil, err
		}
		return openMmapStore(native)
	}

	f, err := cfg.FS.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, NewIOError("open", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, NewIOError("stat", name, err)
	}
	return &fileStore{f: f, name: name, size: info.Size()}, nil
}

// readFull reads exactly len(p) bytes at off.
func readFull(r rawStore, p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > r.Size() {
		return fmt.Errorf("read of %d bytes at offset %d beyond store size %d", len(p), off, r.Size())
	}
	_, err := r.ReadAt(p, off)
	return err
}

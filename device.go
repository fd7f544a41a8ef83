package encryptedblock

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// store is the state every handle on one physical store shares: shape,
// key, cipher engine and the header.
type store struct {
	name   string
	cfg    Config
	fs     absfs.FileSystem
	index  StorageIndex
	key    []byte
	engine CipherEngine
	log    zerolog.Logger

	headerMu sync.RWMutex
	header   []byte
}

// Device is an open handle on an encrypted block store. A Device is safe
// for concurrent use, but writes to the same block from several
// goroutines or clones interleave with no ordering guarantee.
type Device struct {
	s   *store
	raw rawStore

	// lock is nil for clones and for opens that skipped locking.
	lock  *lockToken
	clone bool

	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newDevice(s *store, raw rawStore, lock *lockToken, clone bool) *Device {
	return &Device{s: s, raw: raw, lock: lock, clone: clone}
}

// Name returns the storage name the device was opened with.
func (d *Device) Name() string { return d.s.name }

// BlockSize returns the plaintext size of every block.
func (d *Device) BlockSize() int { return int(d.s.index.BlockSize) }

// BlockCount returns the number of addressable blocks.
func (d *Device) BlockCount() int { return int(d.s.index.BlockCount) }

// Mode returns the cipher mode of the store.
func (d *Device) Mode() Mode { return d.s.index.Mode }

// StorageType returns the raw backend kind.
func (d *Device) StorageType() StorageType { return d.s.index.StorageType }

// StoreID returns the random identifier written at setup.
func (d *Device) StoreID() uuid.UUID { return d.s.index.StoreID }

// Key returns a copy of the store key.
func (d *Device) Key() []byte { return bytes.Clone(d.s.key) }

// IsClone reports whether d was created by Clone.
func (d *Device) IsClone() bool { return d.clone }

// BytesSent is the number of plaintext block bytes written through d.
func (d *Device) BytesSent() int64 { return d.bytesSent.Load() }

// BytesReceived is the number of plaintext block bytes read through d.
func (d *Device) BytesReceived() int64 { return d.bytesReceived.Load() }

// StorageSize returns the total on-disk size of the store.
func (d *Device) StorageSize() int64 { return d.s.index.size() }

// HeaderData returns a copy of the decrypted header.
func (d *Device) HeaderData() []byte {
	d.s.headerMu.RLock()
	defer d.s.headerMu.RUnlock()
	return bytes.Clone(d.s.header)
}

func (d *Device) checkOpen() error {
	if d.closed.Load() {
		return fmt.Errorf("%w: %s", ErrClosed, d.s.name)
	}
	return nil
}

// UpdateHeaderData replaces the header. h must have the length the store
// was set up with. The record is rewritten under a fresh nonce.
func (d *Device) UpdateHeaderData(h []byte) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if uint64(len(h)) != d.s.index.HeaderLen {
		return &ValidationError{
			Field:   "header_data",
			Value:   len(h),
			Message: fmt.Sprintf("got %d bytes, header length is %d", len(h), d.s.index.HeaderLen),
			Err:     ErrHeaderLength,
		}
	}

	d.s.headerMu.Lock()
	defer d.s.headerMu.Unlock()

	if err := writeHeader(d.raw, d.s, h); err != nil {
		return err
	}
	d.s.header = bytes.Clone(h)
	d.s.log.Debug().Str("name", d.s.name).Int("len", len(h)).Msg("header updated")
	return nil
}

// writeHeader encrypts h and writes the header record.
func writeHeader(raw rawStore, s *store, h []byte) error {
	record, err := encodeRecord(s.engine, recordAD(s.index.StoreID, HeaderPosition), h)
	if err != nil {
		return &EncryptionError{Operation: "encrypt", Path: s.name, Block: -1, Message: err.Error(), Err: err}
	}
	if _, err := raw.WriteAt(record, s.index.headerOffset()); err != nil {
		return err
	}
	return nil
}

// readHeader reads and decrypts the header record.
func readHeader(raw rawStore, s *store) ([]byte, error) {
	record := make([]byte, RecordSize(s.index.Mode, int(s.index.HeaderLen)))
	if err := readFull(raw, record, s.index.headerOffset()); err != nil {
		return nil, err
	}
	h, err := decodeRecord(s.engine, recordAD(s.index.StoreID, HeaderPosition), record)
	if err != nil {
		return nil, &AuthenticationError{Path: s.name, Block: -1, Message: "header: " + err.Error(), Err: ErrAuthFailed}
	}
	return h, nil
}

// Clone returns a second handle on the same store. It has its own raw
// handle and counters, shares key and header, and never owns the lock.
func (d *Device) Clone() (*Device, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	raw, err := openRawStore(&d.s.cfg, d.s.name)
	if err != nil {
		return nil, err
	}
	d.s.log.Debug().Str("name", d.s.name).Msg("device cloned")
	return newDevice(d.s, raw, nil, true), nil
}

// Sync flushes the raw store to stable storage.
func (d *Device) Sync() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.raw.Sync()
}

// Close releases the raw handle and, for the handle that owns it, the
// store lock. It is safe to call more than once.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		err := d.raw.Close()
		if lerr := d.lock.release(); err == nil {
			err = lerr
		}
		d.closeErr = err
		d.s.log.Debug().Str("name", d.s.name).Bool("clone", d.clone).Msg("device closed")
	})
	return d.closeErr
}

package encryptedblock

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// OpenOptions configures Open. Exactly one of Key and KeyProvider must be
// set. Config.Mode and Config.StorageType, when given, must match the
// store; ModeAuto takes the mode from the index.
type OpenOptions struct {
	Config

	Key         []byte
	KeyProvider KeyProvider

	// IgnoreLock opens the store without taking its lock. This is the
	// only way to have two independent handles on one store.
	IgnoreLock bool
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || errors.Is(err, fs.ErrNotExist)
}

// Open opens an existing store.
func Open(name string, opts OpenOptions) (_ *Device, err error) {
	cfg := opts.Config
	if err := ValidateStorageName(name); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Key != nil && opts.KeyProvider != nil {
		return nil, &ValidationError{Field: "key", Message: "specify only one of key and key provider", Err: ErrKeyConflict}
	}
	if opts.Key == nil && opts.KeyProvider == nil {
		return nil, &ValidationError{Field: "key", Message: "a key or key provider is required", Err: ErrInvalidKey}
	}

	if err := cfg.resolveFS(); err != nil {
		return nil, err
	}
	fsys := cfg.FS
	if _, err := fsys.Stat(name); err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, NewIOError("stat", name, err)
	}

	var lock *lockToken
	if !opts.IgnoreLock {
		lock, err = acquireLock(fsys, name)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				lock.release()
			}
		}()
		if err := lock.lockHost(); err != nil {
			return nil, err
		}
	}

	raw, err := openRawStore(&cfg, name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			raw.Close()
		}
	}()

	s, err := loadStore(raw, name, cfg, opts)
	if err != nil {
		return nil, err
	}

	s.log.Debug().
		Str("name", name).
		Stringer("mode", s.index.Mode).
		Bool("ignore_lock", opts.IgnoreLock).
		Msg("storage opened")

	return newDevice(s, raw, lock, false), nil
}

// loadStore validates the index against the raw store and the options,
// checks the key and decrypts the header.
func loadStore(raw rawStore, name string, cfg Config, opts OpenOptions) (*store, error) {
	buf := make([]byte, IndexSize)
	if raw.Size() < IndexSize {
		return nil, NewCorruptionError(name, fmt.Sprintf("store too small: %d bytes", raw.Size()))
	}
	if err := readFull(raw, buf, 0); err != nil {
		return nil, err
	}

	var ix StorageIndex
	if err := ix.UnmarshalBinary(buf); err != nil {
		var ce *CorruptionError
		if errors.As(err, &ce) {
			ce.Path = name
		}
		return nil, err
	}

	if cfg.Mode != ModeAuto && cfg.Mode != ix.Mode {
		return nil, &ValidationError{
			Field:   "mode",
			Value:   cfg.Mode,
			Message: fmt.Sprintf("store uses %s, not %s", ix.Mode, cfg.Mode),
			Err:     ErrUnsupportedMode,
		}
	}
	if cfg.StorageType != ix.StorageType {
		return nil, &ValidationError{
			Field:   "storage_type",
			Value:   cfg.StorageType,
			Message: fmt.Sprintf("store was created as %s, not %s", ix.StorageType, cfg.StorageType),
			Err:     ErrUnsupportedStorageType,
		}
	}
	if want := ix.size(); raw.Size() != want {
		return nil, NewCorruptionError(name, fmt.Sprintf("store is %d bytes, index describes %d", raw.Size(), want))
	}
	cfg.Mode = ix.Mode

	candidates := [][]byte{opts.Key}
	if opts.KeyProvider != nil {
		if len(ix.Salt) == 0 {
			return nil, &ValidationError{Field: "key_provider", Message: "store was not created with a key provider", Err: ErrInvalidKey}
		}
		keys, err := deriveCandidates(opts.KeyProvider, ix.Salt)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key: %w", err)
		}
		candidates = keys
	}

	key, err := ix.selectKey(candidates)
	if err != nil {
		var ae *AuthenticationError
		if errors.As(err, &ae) {
			ae.Path = name
		}
		return nil, err
	}
	engine, err := NewCipherEngine(ix.Mode, key)
	if err != nil {
		return nil, err
	}

	s := &store{
		name:   name,
		cfg:    cfg,
		fs:     cfg.FS,
		index:  ix,
		key:    key,
		engine: engine,
		log:    cfg.logger(),
	}
	s.header, err = readHeader(raw, s)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// selectKey returns a copy of the first candidate that has a valid length
// for the mode and passes the key check.
func (ix *StorageIndex) selectKey(candidates [][]byte) ([]byte, error) {
	var lenErr error
	for _, key := range candidates {
		if err := ValidateKey(key, ix.Mode); err != nil {
			lenErr = err
			continue
		}
		ok, err := ix.checkKey(key)
		if err != nil {
			return nil, err
		}
		if ok {
			return bytes.Clone(key), nil
		}
	}
	if lenErr != nil && len(candidates) == 1 {
		return nil, lenErr
	}
	return nil, &AuthenticationError{Block: -1, Message: "key check failed", Err: ErrWrongKey}
}

package encryptedblock

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// SetupOptions configures the creation of a new store. At most one of Key,
// KeySize and KeyProvider may be set; with none, a DefaultKeySize key is
// generated.
type SetupOptions struct {
	Config

	// Key is used verbatim.
	Key []byte

	// KeySize asks for a freshly generated key of that many bytes.
	KeySize int

	// KeyProvider derives the key from a salt kept in the index.
	KeyProvider KeyProvider

	// Initialize returns the initial plaintext of block i. Nil means all
	// zero blocks.
	Initialize func(i int) []byte

	// IgnoreExisting allows overwriting an existing store.
	IgnoreExisting bool

	// HeaderData is the initial header. Its length is fixed for the life of
	// the store.
	HeaderData []byte
}

// resolveKey picks the key and (for providers) the salt to persist.
func (o *SetupOptions) resolveKey(mode Mode) (key, salt []byte, err error) {
	styles := 0
	if o.Key != nil {
		styles++
	}
	if o.KeySize != 0 {
		styles++
	}
	if o.KeyProvider != nil {
		styles++
	}
	if styles > 1 {
		return nil, nil, &ValidationError{
			Field:   "key",
			Message: "specify only one of key, key size and key provider",
			Err:     ErrKeyConflict,
		}
	}

	switch {
	case o.Key != nil:
		if err := ValidateKey(o.Key, mode); err != nil {
			return nil, nil, err
		}
		return bytes.Clone(o.Key), nil, nil

	case o.KeyProvider != nil:
		salt, err := o.KeyProvider.GenerateSalt()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if len(salt) == 0 || len(salt) > MaxSaltSize {
			return nil, nil, &ValidationError{
				Field:   "salt",
				Value:   len(salt),
				Message: fmt.Sprintf("salt must be 1 to %d bytes, got %d", MaxSaltSize, len(salt)),
			}
		}
		key, err := o.KeyProvider.DeriveKey(salt)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to derive key: %w", err)
		}
		if err := ValidateKey(key, mode); err != nil {
			return nil, nil, err
		}
		return key, salt, nil

	default:
		size := o.KeySize
		if size == 0 {
			size = DefaultKeySize
		}
		if err := ValidateKeySize(size, mode); err != nil {
			return nil, nil, err
		}
		key, err := GenerateKey(size)
		if err != nil {
			return nil, nil, err
		}
		return key, nil, nil
	}
}

// Setup creates a store of blockCount blocks of blockSize plaintext bytes
// and returns it open and locked. Every argument is validated before the
// filesystem is touched. With IgnoreExisting an existing store is only
// replaced once the new one is complete, so a failed Setup leaves the
// filesystem as it found it.
func Setup(name string, blockSize, blockCount int, opts SetupOptions) (*Device, error) {
	cfg := opts.Config
	if cfg.Mode == ModeAuto {
		cfg.Mode = DefaultMode
	}
	if err := ValidateStorageName(name); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	size, err := ComputeStorageSize(blockSize, blockCount, cfg.Mode, cfg.StorageType, len(opts.HeaderData), false)
	if err != nil {
		return nil, err
	}
	key, salt, err := opts.resolveKey(cfg.Mode)
	if err != nil {
		return nil, err
	}
	engine, err := NewCipherEngine(cfg.Mode, key)
	if err != nil {
		return nil, err
	}
	storeID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("failed to generate store id: %w", err)
	}
	if err := cfg.resolveFS(); err != nil {
		return nil, err
	}
	fsys := cfg.FS

	s := &store{
		name: name,
		cfg:  cfg,
		fs:   fsys,
		index: StorageIndex{
			Mode:        cfg.Mode,
			StorageType: cfg.StorageType,
			BlockSize:   uint64(blockSize),
			BlockCount:  uint64(blockCount),
			HeaderLen:   uint64(len(opts.HeaderData)),
			StoreID:     storeID,
			Salt:        salt,
		},
		key:    key,
		engine: engine,
		log:    cfg.logger(),
		header: bytes.Clone(opts.HeaderData),
	}
	if s.header == nil {
		s.header = []byte{}
	}
	if s.index.KeyCheck, err = s.index.computeKeyCheck(key); err != nil {
		return nil, err
	}

	_, statErr := fsys.Stat(name)
	exists := statErr == nil
	if exists && !opts.IgnoreExisting {
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}

	lock, err := acquireLock(fsys, name)
	if err != nil {
		return nil, err
	}

	var (
		raw     rawStore
		created string
		done    bool
	)
	defer func() {
		if done {
			return
		}
		if raw != nil {
			raw.Close()
		}
		if created != "" {
			if rerr := fsys.Remove(created); rerr != nil && !isNotExist(rerr) {
				s.log.Warn().Err(rerr).Str("name", created).Msg("failed to remove partial store")
			}
		}
		lock.release()
	}()

	target := name
	onOpen := lock.lockHost
	if exists {
		// The new store is built beside the old one and renamed over it.
		if err := lock.lockHost(); err != nil {
			return nil, err
		}
		suffix := ".setup-" + storeID.String()[:8]
		target = name + suffix
		onOpen = func() error { return lock.lockHostAt(lock.hostPath + suffix) }
	}

	raw, err = createRawStore(&cfg, target, size, onOpen)
	if err != nil {
		return nil, err
	}
	created = target

	if err := s.format(raw, opts.Initialize); err != nil {
		return nil, err
	}

	if exists {
		if err := fsys.Rename(target, name); err != nil {
			return nil, NewIOError("rename", name, err)
		}
		created = ""
		raw.relabel(name)
		if err := lock.dropStale(); err != nil {
			s.log.Warn().Err(err).Str("name", name).Msg("failed to unlock replaced store")
		}
	}
	done = true

	s.log.Debug().
		Str("name", name).
		Stringer("mode", cfg.Mode).
		Stringer("storage_type", cfg.StorageType).
		Int("block_size", blockSize).
		Int("block_count", blockCount).
		Int64("size", size).
		Bool("replaced", exists).
		Msg("storage created")

	return newDevice(s, raw, lock, false), nil
}

// format writes the index, the header and every initial block.
func (s *store) format(raw rawStore, initialize func(int) []byte) error {
	ixBytes, err := s.index.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := raw.WriteAt(ixBytes, 0); err != nil {
		return err
	}
	if err := writeHeader(raw, s, s.header); err != nil {
		return err
	}

	blockSize := int(s.index.BlockSize)
	zero := make([]byte, blockSize)
	for i := 0; i < int(s.index.BlockCount); i++ {
		data := zero
		if initialize != nil {
			data = initialize(i)
			if err := ValidateBlockData(data, blockSize); err != nil {
				return fmt.Errorf("initialize block %d: %w", i, err)
			}
		}
		if err := s.writeRecord(raw, i, data); err != nil {
			return err
		}
	}
	return raw.Sync()
}

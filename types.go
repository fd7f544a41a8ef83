package encryptedblock

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/absfs/absfs"
	"github.com/rs/zerolog"
)

// Mode is the cipher mode used for every record of a store.
type Mode uint8

const (
	// ModeAuto selects DefaultMode at setup and the persisted mode at open.
	ModeAuto Mode = iota
	// ModeCTR uses AES in counter mode. Confidentiality only.
	ModeCTR
	// ModeGCM uses AES with Galois/Counter Mode.
	ModeGCM
	// ModeChaCha20Poly1305 uses the ChaCha20 stream cipher with a Poly1305 MAC.
	ModeChaCha20Poly1305
)

// DefaultMode is used when a store is set up with ModeAuto.
const DefaultMode = ModeGCM

// String returns the string representation of the mode
func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeCTR:
		return "ctr"
	case ModeGCM:
		return "gcm"
	case ModeChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// Authenticated reports whether records written in m carry a tag.
func (m Mode) Authenticated() bool {
	return m == ModeGCM || m == ModeChaCha20Poly1305
}

func (m Mode) valid() bool {
	return m == ModeCTR || m == ModeGCM || m == ModeChaCha20Poly1305
}

// ParseMode converts a mode name ("ctr", "gcm", "chacha20-poly1305") into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "auto", "":
		return ModeAuto, nil
	case "ctr":
		return ModeCTR, nil
	case "gcm":
		return ModeGCM, nil
	case "chacha20-poly1305", "chacha20poly1305":
		return ModeChaCha20Poly1305, nil
	}
	return ModeAuto, &ValidationError{
		Field:   "mode",
		Value:   s,
		Message: fmt.Sprintf("unknown cipher mode %q", s),
		Err:     ErrUnsupportedMode,
	}
}

// StorageType selects the raw backend of a store.
type StorageType uint8

const (
	// StorageFile reads and writes through an absfs.File.
	StorageFile StorageType = iota
	// StorageMmap maps the host file into memory.
	StorageMmap
)

func (s StorageType) String() string {
	switch s {
	case StorageFile:
		return "file"
	case StorageMmap:
		return "mmap"
	default:
		return "unknown"
	}
}

func (s StorageType) valid() bool {
	return s == StorageFile || s == StorageMmap
}

// ParallelConfig controls parallel cipher work for batch operations.
type ParallelConfig struct {
	// Enabled enables parallel processing
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int

	// MinBlocksForParallel is the smallest batch processed in parallel.
	// Below this threshold, sequential processing is used
	MinBlocksForParallel int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinBlocksForParallel < 1 {
		return errors.New("parallel min blocks threshold must be at least 1")
	}
	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinBlocksForParallel: 8,
	}
}

// Config holds the settings shared by Setup and Open. It is copied into
// the device and never mutated afterwards.
type Config struct {
	// Mode is the cipher mode. ModeAuto means DefaultMode at setup and
	// "whatever the store says" at open.
	Mode Mode

	// StorageType selects the raw backend; it must match the type the
	// store was created with.
	StorageType StorageType

	// FS is the filesystem holding the store. Nil means an osfs host
	// filesystem at the current working directory. StorageMmap requires
	// an osfs filesystem.
	FS absfs.FileSystem

	// Logger receives debug and warning events. Nil disables logging.
	Logger *zerolog.Logger

	// Parallel controls batch cipher work.
	Parallel ParallelConfig
}

// DefaultConfig returns a GCM, file-backed configuration on the host
// filesystem.
func DefaultConfig() Config {
	return Config{
		Mode:        DefaultMode,
		StorageType: StorageFile,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Mode != ModeAuto && !c.Mode.valid() {
		return &ValidationError{
			Field:   "mode",
			Value:   c.Mode,
			Message: fmt.Sprintf("unsupported cipher mode %d", c.Mode),
			Err:     ErrUnsupportedMode,
		}
	}
	if !c.StorageType.valid() {
		return &ValidationError{
			Field:   "storage_type",
			Value:   c.StorageType,
			Message: fmt.Sprintf("unsupported storage type %d", c.StorageType),
			Err:     ErrUnsupportedStorageType,
		}
	}
	if c.StorageType == StorageMmap && !isHostFS(c.FS) {
		return &ValidationError{
			Field:   "fs",
			Message: "mmap storage requires the host filesystem",
			Err:     ErrUnsupportedStorageType,
		}
	}
	if err := c.Parallel.Validate(); err != nil {
		return &ValidationError{Field: "parallel", Value: c.Parallel, Message: err.Error()}
	}
	return nil
}

// resolveFS fills in the host filesystem when none was configured.
func (c *Config) resolveFS() error {
	if c.FS != nil {
		return nil
	}
	fsys, err := newHostFS()
	if err != nil {
		return err
	}
	c.FS = fsys
	return nil
}

func (c *Config) logger() zerolog.Logger {
	if c.Logger == nil {
		return zerolog.Nop()
	}
	return *c.Logger
}

// KeyProvider is an interface for providing encryption keys
type KeyProvider interface {
	// DeriveKey derives an encryption key from the given salt
	DeriveKey(salt []byte) ([]byte, error)

	// GenerateSalt generates a new random salt
	GenerateSalt() ([]byte, error)
}

package encryptedblock

import (
	"errors"
	"fmt"
)

// ValidationError reports an invalid argument or configuration value.
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying sentinel, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// EncryptionError represents an encryption or decryption failure that is
// not an authentication failure (bad nonce length, engine setup).
type EncryptionError struct {
	Operation string // "encrypt" or "decrypt"
	Path      string // Storage name, if applicable
	Block     int64  // Block index, -1 when not applicable
	Message   string
	Err       error
}

func (e *EncryptionError) Error() string {
	if e.Path != "" && e.Block >= 0 {
		return fmt.Sprintf("%s error: %s (block %d): %s", e.Operation, e.Path, e.Block, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("%s error: %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Operation, e.Message)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// IOError represents a raw storage I/O failure.
type IOError struct {
	Operation string // "read", "write", "open", "create", "sync", "close", ...
	Path      string
	Offset    int64 // -1 when not applicable
	Message   string
	Err       error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents a structural failure of the plaintext index or
// of the raw store's shape.
type CorruptionError struct {
	Path    string
	Message string
	Err     error
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents a failed integrity check: a forged or
// relocated record under an authenticated mode, or a wrong key.
type AuthenticationError struct {
	Path    string
	Block   int64 // -1 for the header or the key check
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Path != "" && e.Block >= 0 {
		return fmt.Sprintf("authentication error: %s (block %d): %s", e.Path, e.Block, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("authentication error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

var (
	ErrNotFound               = errors.New("storage not found")
	ErrExists                 = errors.New("storage already exists")
	ErrLocked                 = errors.New("storage is locked by another handle")
	ErrClosed                 = errors.New("device is closed")
	ErrOutOfRange             = errors.New("block index out of range")
	ErrBlockSize              = errors.New("data length does not match block size")
	ErrHeaderLength           = errors.New("header data length mismatch")
	ErrInvalidSize            = errors.New("invalid size parameter")
	ErrInvalidKey             = errors.New("invalid encryption key")
	ErrKeyConflict            = errors.New("more than one key source given")
	ErrUnsupportedMode        = errors.New("unsupported cipher mode")
	ErrUnsupportedStorageType = errors.New("unsupported storage type")
	ErrInvalidIndex           = errors.New("invalid storage index")
	ErrAuthFailed             = errors.New("authentication failed - data may be corrupted or tampered")
	ErrWrongKey               = errors.New("key does not match storage")
	ErrNilKeyProvider         = errors.New("key provider cannot be nil")
)

// NewValidationError creates a new validation error.
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewIOError creates a new I/O error without an offset.
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    -1,
		Message:   err.Error(),
		Err:       err,
	}
}

func newIOErrorAt(operation, path string, offset int64, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    offset,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error wrapping ErrInvalidIndex.
func NewCorruptionError(path string, message string) error {
	return &CorruptionError{
		Path:    path,
		Message: message,
		Err:     ErrInvalidIndex,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsEncryptionError checks if an error is an encryption error
func IsEncryptionError(err error) bool {
	var ee *EncryptionError
	return errors.As(err, &ee)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

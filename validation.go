package encryptedblock

import (
	"fmt"
)

// ValidateSize checks if a size parameter is valid
func ValidateSize(size int, name string, minSize, maxSize int) error {
	if size < 0 {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: "size cannot be negative",
			Err:     ErrInvalidSize,
		}
	}
	if minSize >= 0 && size < minSize {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("size too small: got %d, minimum is %d", size, minSize),
			Err:     ErrInvalidSize,
		}
	}
	if maxSize > 0 && size > maxSize {
		return &ValidationError{
			Field:   name,
			Value:   size,
			Message: fmt.Sprintf("size too large: got %d, maximum is %d", size, maxSize),
			Err:     ErrInvalidSize,
		}
	}
	return nil
}

// ValidateKey checks that key has a length accepted by mode.
func ValidateKey(key []byte, mode Mode) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}
	if !validKeySize(mode, len(key)) {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected one of %v for %s", len(key), ValidKeySizes(mode), mode),
			Err:     ErrInvalidKey,
		}
	}
	return nil
}

// ValidateKeySize checks a requested generated-key length.
func ValidateKeySize(size int, mode Mode) error {
	if !validKeySize(mode, size) {
		return &ValidationError{
			Field:   "key_size",
			Value:   size,
			Message: fmt.Sprintf("invalid key size %d, expected one of %v for %s", size, ValidKeySizes(mode), mode),
			Err:     ErrInvalidKey,
		}
	}
	return nil
}

// ValidateBlockIndex checks if a block index is within [0, count).
func ValidateBlockIndex(index, count int) error {
	if index < 0 || index >= count {
		return &ValidationError{
			Field:   "index",
			Value:   index,
			Message: fmt.Sprintf("block index %d out of range [0, %d)", index, count),
			Err:     ErrOutOfRange,
		}
	}
	return nil
}

// ValidateBlockData checks that data holds exactly one block.
func ValidateBlockData(data []byte, blockSize int) error {
	if len(data) != blockSize {
		return &ValidationError{
			Field:   "data",
			Value:   len(data),
			Message: fmt.Sprintf("got %d bytes, block size is %d", len(data), blockSize),
			Err:     ErrBlockSize,
		}
	}
	return nil
}

// ValidateStorageName checks if a storage name is valid (not empty)
func ValidateStorageName(name string) error {
	if name == "" {
		return &ValidationError{
			Field:   "name",
			Message: "storage name cannot be empty",
		}
	}
	return nil
}

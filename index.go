package encryptedblock

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"math/bits"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// Storage layout:
// ┌─────────────────────────────────────┐
// │ Index (plaintext, IndexSize bytes)  │ <- magic, shape, store id, salt, key check, crc
// ├─────────────────────────────────────┤
// │ Header record                       │ <- nonce ‖ E(header_data) [‖ tag]
// ├─────────────────────────────────────┤
// │ Block 0 record                      │ <- nonce ‖ E(block) [‖ tag]
// │ ...                                 │
// │ Block n-1 record                    │
// └─────────────────────────────────────┘

const (
	// MagicBytes identifies a storage index (ASCII: "EBLK")
	MagicBytes = uint32(0x45424C4B)

	// CurrentVersion is the current index format version
	CurrentVersion = uint8(1)

	// MaxSaltSize is the room reserved for a key provider salt.
	MaxSaltSize = 32

	// KeyCheckSize is the length of the key check value.
	KeyCheckSize = 16

	// IndexSize is the fixed size of the index region:
	// 4 magic + 1 version + 1 mode + 1 storage type + 1 salt length
	// + 3*8 shape + 16 store id + 32 salt + 16 key check + 4 crc
	IndexSize = 100
)

// StorageIndex is the plaintext prologue of a store. It can be read and
// validated before any key is available.
type StorageIndex struct {
	Mode        Mode
	StorageType StorageType
	BlockSize   uint64
	BlockCount  uint64
	HeaderLen   uint64
	StoreID     uuid.UUID
	Salt        []byte // Key provider salt, empty when the key was given directly
	KeyCheck    [KeyCheckSize]byte
}

// MarshalBinary encodes the index into exactly IndexSize bytes.
func (ix *StorageIndex) MarshalBinary() ([]byte, error) {
	if len(ix.Salt) > MaxSaltSize {
		return nil, &ValidationError{
			Field:   "salt",
			Value:   len(ix.Salt),
			Message: fmt.Sprintf("salt too large: got %d bytes, maximum is %d", len(ix.Salt), MaxSaltSize),
		}
	}

	buf := make([]byte, IndexSize)
	binary.BigEndian.PutUint32(buf[0:], MagicBytes)
	buf[4] = CurrentVersion
	buf[5] = byte(ix.Mode)
	buf[6] = byte(ix.StorageType)
	buf[7] = byte(len(ix.Salt))
	binary.BigEndian.PutUint64(buf[8:], ix.BlockSize)
	binary.BigEndian.PutUint64(buf[16:], ix.BlockCount)
	binary.BigEndian.PutUint64(buf[24:], ix.HeaderLen)
	copy(buf[32:48], ix.StoreID[:])
	copy(buf[48:80], ix.Salt)
	copy(buf[80:96], ix.KeyCheck[:])
	binary.BigEndian.PutUint32(buf[96:], crc32.ChecksumIEEE(buf[:96]))
	return buf, nil
}

// UnmarshalBinary decodes and validates an index. Any inconsistency is
// reported as a *CorruptionError wrapping ErrInvalidIndex.
func (ix *StorageIndex) UnmarshalBinary(buf []byte) error {
	if len(buf) < IndexSize {
		return NewCorruptionError("", fmt.Sprintf("index too short: %d bytes, want %d", len(buf), IndexSize))
	}
	if magic := binary.BigEndian.Uint32(buf[0:]); magic != MagicBytes {
		return NewCorruptionError("", fmt.Sprintf("bad magic 0x%08x", magic))
	}
	if v := buf[4]; v == 0 || v > CurrentVersion {
		return NewCorruptionError("", fmt.Sprintf("unsupported index version %d", v))
	}
	if sum := binary.BigEndian.Uint32(buf[96:]); sum != crc32.ChecksumIEEE(buf[:96]) {
		return NewCorruptionError("", "index checksum mismatch")
	}

	mode := Mode(buf[5])
	if !mode.valid() {
		return NewCorruptionError("", fmt.Sprintf("unknown cipher mode %d", buf[5]))
	}
	st := StorageType(buf[6])
	if !st.valid() {
		return NewCorruptionError("", fmt.Sprintf("unknown storage type %d", buf[6]))
	}
	saltLen := int(buf[7])
	if saltLen > MaxSaltSize {
		return NewCorruptionError("", fmt.Sprintf("salt length %d exceeds %d", saltLen, MaxSaltSize))
	}

	blockSize := binary.BigEndian.Uint64(buf[8:])
	blockCount := binary.BigEndian.Uint64(buf[16:])
	if blockSize == 0 || blockCount == 0 {
		return NewCorruptionError("", fmt.Sprintf("invalid shape: block size %d, block count %d", blockSize, blockCount))
	}
	headerLen := binary.BigEndian.Uint64(buf[24:])
	if _, ok := shapeSize(mode, blockSize, blockCount, headerLen); !ok {
		return NewCorruptionError("", fmt.Sprintf("shape out of range: block size %d, block count %d, header length %d", blockSize, blockCount, headerLen))
	}

	ix.Mode = mode
	ix.StorageType = st
	ix.BlockSize = blockSize
	ix.BlockCount = blockCount
	ix.HeaderLen = headerLen
	copy(ix.StoreID[:], buf[32:48])
	ix.Salt = nil
	if saltLen > 0 {
		ix.Salt = append([]byte(nil), buf[48:48+saltLen]...)
	}
	copy(ix.KeyCheck[:], buf[80:96])
	return nil
}

// shapeSize is the total store size for a shape, or false when a record
// size does not fit an int or the total does not fit an int64.
func shapeSize(mode Mode, blockSize, blockCount, headerLen uint64) (int64, bool) {
	overhead := uint64(RecordSize(mode, 0))
	limit := uint64(math.MaxInt) - overhead
	if blockSize > limit || headerLen > limit || blockCount > uint64(math.MaxInt) {
		return 0, false
	}
	hi, blocks := bits.Mul64(blockCount, blockSize+overhead)
	if hi != 0 {
		return 0, false
	}
	total, carry := bits.Add64(blocks, IndexSize+headerLen+overhead, 0)
	if carry != 0 || total > math.MaxInt64 {
		return 0, false
	}
	return int64(total), true
}

// headerOffset is where the header record starts.
func (ix *StorageIndex) headerOffset() int64 {
	return IndexSize
}

// blockOffset is where block i's record starts.
func (ix *StorageIndex) blockOffset(i int) int64 {
	return IndexSize +
		int64(RecordSize(ix.Mode, int(ix.HeaderLen))) +
		int64(i)*int64(RecordSize(ix.Mode, int(ix.BlockSize)))
}

// size is the total store size described by the index.
func (ix *StorageIndex) size() int64 {
	return ix.blockOffset(int(ix.BlockCount))
}

// computeKeyCheck derives the key check value stored in the index. It is
// bound to the store id and the shape, so an index edited without the key
// fails the check before any size it describes is trusted.
func (ix *StorageIndex) computeKeyCheck(key []byte) ([KeyCheckSize]byte, error) {
	var out [KeyCheckSize]byte
	info := []byte("encryptedblock key check v1")
	info = append(info, byte(ix.Mode), byte(ix.StorageType))
	info = binary.BigEndian.AppendUint64(info, ix.BlockSize)
	info = binary.BigEndian.AppendUint64(info, ix.BlockCount)
	info = binary.BigEndian.AppendUint64(info, ix.HeaderLen)
	r := hkdf.New(sha256.New, key, ix.StoreID[:], info)
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("failed to derive key check: %w", err)
	}
	return out, nil
}

func (ix *StorageIndex) checkKey(key []byte) (bool, error) {
	want, err := ix.computeKeyCheck(key)
	if err != nil {
		return false, err
	}
	return hmac.Equal(want[:], ix.KeyCheck[:]), nil
}

// ComputeStorageSize returns the exact number of bytes a store with the
// given shape occupies. With ignoreHeader the plaintext header bytes are
// left out; the header record's fixed overhead is always counted.
func ComputeStorageSize(blockSize, blockCount int, mode Mode, storageType StorageType, headerLen int, ignoreHeader bool) (int64, error) {
	if err := ValidateSize(blockSize, "block_size", 1, 0); err != nil {
		return 0, err
	}
	if err := ValidateSize(blockCount, "block_count", 1, 0); err != nil {
		return 0, err
	}
	if err := ValidateSize(headerLen, "header_len", 0, 0); err != nil {
		return 0, err
	}
	if mode == ModeAuto {
		mode = DefaultMode
	}
	if !mode.valid() {
		return 0, &ValidationError{Field: "mode", Value: mode, Message: "unsupported cipher mode", Err: ErrUnsupportedMode}
	}
	if !storageType.valid() {
		return 0, &ValidationError{Field: "storage_type", Value: storageType, Message: "unsupported storage type", Err: ErrUnsupportedStorageType}
	}

	if ignoreHeader {
		headerLen = 0
	}
	size, ok := shapeSize(mode, uint64(blockSize), uint64(blockCount), uint64(headerLen))
	if !ok {
		return 0, &ValidationError{
			Field:   "block_count",
			Value:   blockCount,
			Message: fmt.Sprintf("%d blocks of %d bytes do not fit in a store", blockCount, blockSize),
			Err:     ErrInvalidSize,
		}
	}
	return size, nil
}

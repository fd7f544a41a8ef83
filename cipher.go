package encryptedblock

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherEngine encrypts and decrypts single records.
type CipherEngine interface {
	// Encrypt encrypts plaintext with the given nonce. ad is authenticated
	// by AEAD engines and ignored otherwise.
	Encrypt(nonce, plaintext, ad []byte) ([]byte, error)

	// Decrypt decrypts ciphertext with the given nonce
	Decrypt(nonce, ciphertext, ad []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int
}

// HeaderPosition is the record position authenticated for the header.
const HeaderPosition = math.MaxUint64

// DefaultKeySize is the key size generated when no key is specified.
const DefaultKeySize = 32

// ValidKeySizes returns the key lengths accepted by mode.
func ValidKeySizes(mode Mode) []int {
	switch mode {
	case ModeCTR, ModeGCM:
		return []int{16, 24, 32}
	case ModeChaCha20Poly1305:
		return []int{chacha20poly1305.KeySize}
	default:
		return nil
	}
}

func validKeySize(mode Mode, n int) bool {
	for _, s := range ValidKeySizes(mode) {
		if s == n {
			return true
		}
	}
	return false
}

// AESCTREngine implements CipherEngine using AES in counter mode. The
// nonce is the initial counter block.
type AESCTREngine struct {
	block cipher.Block
}

// NewAESCTREngine creates a new AES-CTR engine
func NewAESCTREngine(key []byte) (*AESCTREngine, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return &AESCTREngine{block: block}, nil
}

// Encrypt encrypts plaintext using AES-CTR
func (e *AESCTREngine) Encrypt(nonce, plaintext, _ []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	out := make([]byte, len(plaintext))
	cipher.NewCTR(e.block, nonce).XORKeyStream(out, plaintext)
	return out, nil
}

// Decrypt decrypts ciphertext using AES-CTR
func (e *AESCTREngine) Decrypt(nonce, ciphertext, ad []byte) ([]byte, error) {
	return e.Encrypt(nonce, ciphertext, ad)
}

// NonceSize returns the IV size for AES-CTR (16 bytes)
func (e *AESCTREngine) NonceSize() int {
	return aes.BlockSize
}

// Overhead returns 0, CTR has no tag
func (e *AESCTREngine) Overhead() int {
	return 0
}

// AESGCMEngine implements CipherEngine using AES-GCM
type AESGCMEngine struct {
	aead cipher.AEAD
}

// NewAESGCMEngine creates a new AES-GCM cipher engine
func NewAESGCMEngine(key []byte) (*AESGCMEngine, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESGCMEngine{aead: aead}, nil
}

// Encrypt encrypts plaintext using AES-GCM
func (e *AESGCMEngine) Encrypt(nonce, plaintext, ad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, ad), nil
}

// Decrypt decrypts ciphertext using AES-GCM
func (e *AESGCMEngine) Decrypt(nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrAuthFailed
	}

	return plaintext, nil
}

// NonceSize returns the nonce size for AES-GCM (12 bytes)
func (e *AESGCMEngine) NonceSize() int {
	return e.aead.NonceSize()
}

// Overhead returns the authentication tag size (16 bytes)
func (e *AESGCMEngine) Overhead() int {
	return e.aead.Overhead()
}

// ChaCha20Poly1305Engine implements CipherEngine using ChaCha20-Poly1305
type ChaCha20Poly1305Engine struct {
	aead cipher.AEAD
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (*ChaCha20Poly1305Engine, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("ChaCha20-Poly1305 requires a %d-byte key, got %d bytes",
			chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &ChaCha20Poly1305Engine{aead: aead}, nil
}

// Encrypt encrypts plaintext using ChaCha20-Poly1305
func (e *ChaCha20Poly1305Engine) Encrypt(nonce, plaintext, ad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, ad), nil
}

// Decrypt decrypts ciphertext using ChaCha20-Poly1305
func (e *ChaCha20Poly1305Engine) Decrypt(nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrAuthFailed
	}

	return plaintext, nil
}

// NonceSize returns the nonce size for ChaCha20-Poly1305 (12 bytes)
func (e *ChaCha20Poly1305Engine) NonceSize() int {
	return e.aead.NonceSize()
}

// Overhead returns the authentication tag size (16 bytes)
func (e *ChaCha20Poly1305Engine) Overhead() int {
	return e.aead.Overhead()
}

// NewCipherEngine creates a cipher engine for mode after checking the key
// length against ValidKeySizes.
func NewCipherEngine(mode Mode, key []byte) (CipherEngine, error) {
	if !mode.valid() {
		return nil, &ValidationError{
			Field:   "mode",
			Value:   mode,
			Message: fmt.Sprintf("unsupported cipher mode %s", mode),
			Err:     ErrUnsupportedMode,
		}
	}
	if !validKeySize(mode, len(key)) {
		return nil, &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size for %s: got %d bytes, want one of %v", mode, len(key), ValidKeySizes(mode)),
			Err:     ErrInvalidKey,
		}
	}

	switch mode {
	case ModeCTR:
		return NewAESCTREngine(key)
	case ModeGCM:
		return NewAESGCMEngine(key)
	default:
		return NewChaCha20Poly1305Engine(key)
	}
}

// nonceSize and overhead per mode, without building an engine.
func modeOverhead(mode Mode) (nonce, tag int) {
	switch mode {
	case ModeCTR:
		return aes.BlockSize, 0
	case ModeGCM:
		return 12, 16
	case ModeChaCha20Poly1305:
		return chacha20poly1305.NonceSize, chacha20poly1305.Overhead
	}
	return 0, 0
}

// RecordSize is the on-disk size of a record holding n plaintext bytes.
func RecordSize(mode Mode, n int) int {
	nonce, tag := modeOverhead(mode)
	return nonce + n + tag
}

// GenerateKey returns size bytes from crypto/rand.
func GenerateKey(size int) ([]byte, error) {
	if size <= 0 {
		return nil, &ValidationError{Field: "key_size", Value: size, Message: "key size must be positive", Err: ErrInvalidKey}
	}
	key := make([]byte, size)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// recordAD binds a record to its store and position.
func recordAD(storeID [16]byte, position uint64) []byte {
	ad := make([]byte, 24)
	copy(ad, storeID[:])
	binary.BigEndian.PutUint64(ad[16:], position)
	return ad
}

// encodeRecord encrypts plaintext under a fresh random nonce and returns
// nonce ‖ ciphertext [‖ tag].
func encodeRecord(engine CipherEngine, ad, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, engine.NonceSize(), engine.NonceSize()+len(plaintext)+engine.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext, err := engine.Encrypt(nonce, plaintext, ad)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// decodeRecord splits a record and decrypts it. AEAD engines return
// ErrAuthFailed on tag mismatch.
func decodeRecord(engine CipherEngine, ad, record []byte) ([]byte, error) {
	n := engine.NonceSize()
	if len(record) < n+engine.Overhead() {
		return nil, fmt.Errorf("record too short: %d bytes", len(record))
	}
	return engine.Decrypt(record[:n], record[n:], ad)
}

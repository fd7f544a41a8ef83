package encryptedblock

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// HashFunc selects the PBKDF2 hash.
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int      // Number of iterations (minimum 100,000 recommended)
	HashFunc   HashFunc // Hash function to use
	SaltSize   int      // Salt size in bytes (default 32, at most MaxSaltSize)
	KeySize    int      // Derived key size in bytes (default 32)
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
	SaltSize    int    // Salt size in bytes (default 32, at most MaxSaltSize)
	KeySize     int    // Derived key size in bytes (default 32)
}

// PasswordKeyProvider implements KeyProvider using password-based key derivation
type PasswordKeyProvider struct {
	password     []byte
	useArgon2id  bool
	pbkdf2Params PBKDF2Params
	argon2Params Argon2idParams
}

// NewPasswordKeyProviderPBKDF2 creates a new password-based key provider using PBKDF2
func NewPasswordKeyProviderPBKDF2(password []byte, params PBKDF2Params) *PasswordKeyProvider {
	if params.Iterations == 0 {
		params.Iterations = 100000
	}
	if params.SaltSize == 0 {
		params.SaltSize = MaxSaltSize
	}
	if params.KeySize == 0 {
		params.KeySize = DefaultKeySize
	}

	return &PasswordKeyProvider{
		password:     password,
		pbkdf2Params: params,
	}
}

// NewPasswordKeyProvider creates a new password-based key provider using Argon2id (recommended)
func NewPasswordKeyProvider(password []byte, params Argon2idParams) *PasswordKeyProvider {
	if params.Memory == 0 {
		params.Memory = 64 * 1024 // 64 MB
	}
	if params.Iterations == 0 {
		params.Iterations = 3
	}
	if params.Parallelism == 0 {
		params.Parallelism = 4
	}
	if params.SaltSize == 0 {
		params.SaltSize = MaxSaltSize
	}
	if params.KeySize == 0 {
		params.KeySize = DefaultKeySize
	}

	return &PasswordKeyProvider{
		password:     password,
		useArgon2id:  true,
		argon2Params: params,
	}
}

// DeriveKey derives an encryption key from the password and salt
func (p *PasswordKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	if len(p.password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}

	if p.useArgon2id {
		return argon2.IDKey(
			p.password,
			salt,
			p.argon2Params.Iterations,
			p.argon2Params.Memory,
			p.argon2Params.Parallelism,
			uint32(p.argon2Params.KeySize),
		), nil
	}

	var hashFunc func() hash.Hash
	switch p.pbkdf2Params.HashFunc {
	case SHA256:
		hashFunc = sha256.New
	case SHA512:
		hashFunc = sha512.New
	default:
		return nil, fmt.Errorf("unsupported hash function: %v", p.pbkdf2Params.HashFunc)
	}

	return pbkdf2.Key(
		p.password,
		salt,
		p.pbkdf2Params.Iterations,
		p.pbkdf2Params.KeySize,
		hashFunc,
	), nil
}

// GenerateSalt generates a new random salt
func (p *PasswordKeyProvider) GenerateSalt() ([]byte, error) {
	size := p.pbkdf2Params.SaltSize
	if p.useArgon2id {
		size = p.argon2Params.SaltSize
	}
	return randomSalt(size)
}

// EnvKeyProvider reads a hex encoded key from an environment variable.
// The salt is stored but not used: the key is already derived.
type EnvKeyProvider struct {
	envVar   string
	saltSize int
}

// NewEnvKeyProvider creates a new environment variable key provider
func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{
		envVar:   envVar,
		saltSize: 16,
	}
}

// DeriveKey returns the key from the environment variable
func (e *EnvKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	keyHex := strings.TrimSpace(os.Getenv(e.envVar))
	if keyHex == "" {
		return nil, fmt.Errorf("environment variable %s not set", e.envVar)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("environment variable %s is not a hex key: %w", e.envVar, err)
	}
	return key, nil
}

// GenerateSalt generates a new random salt
func (e *EnvKeyProvider) GenerateSalt() ([]byte, error) {
	return randomSalt(e.saltSize)
}

func randomSalt(size int) ([]byte, error) {
	salt := make([]byte, size)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// MultiKeyProvider tries several providers when opening a store; the
// first whose key passes the store's key check wins. New stores use the
// first provider. This is what lets a store be opened while its password
// is being rotated.
type MultiKeyProvider struct {
	providers []KeyProvider
}

// NewMultiKeyProvider creates a new multi-key provider
func NewMultiKeyProvider(providers ...KeyProvider) (*MultiKeyProvider, error) {
	if len(providers) == 0 {
		return nil, ErrNilKeyProvider
	}
	for i, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("provider %d: %w", i, ErrNilKeyProvider)
		}
	}
	return &MultiKeyProvider{providers: providers}, nil
}

// DeriveKey uses the primary provider
func (m *MultiKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	return m.providers[0].DeriveKey(salt)
}

// GenerateSalt uses the primary provider
func (m *MultiKeyProvider) GenerateSalt() ([]byte, error) {
	return m.providers[0].GenerateSalt()
}

// candidateKeys derives a key from every provider that can produce one.
func (m *MultiKeyProvider) candidateKeys(salt []byte) ([][]byte, error) {
	var keys [][]byte
	var lastErr error
	for _, p := range m.providers {
		key, err := p.DeriveKey(salt)
		if err != nil {
			lastErr = err
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("all key providers failed: %w", lastErr)
	}
	return keys, nil
}

// deriveCandidates returns the keys Open should try for a provider.
func deriveCandidates(p KeyProvider, salt []byte) ([][]byte, error) {
	if m, ok := p.(*MultiKeyProvider); ok {
		return m.candidateKeys(salt)
	}
	key, err := p.DeriveKey(salt)
	if err != nil {
		return nil, err
	}
	return [][]byte{key}, nil
}

package encryptedblock

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/absfs/memfs"
	"github.com/absfs/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempStore(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "store.ebs")
}

func fill(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func setupTest(t *testing.T, name string, blockSize, blockCount int, opts SetupOptions) *Device {
	t.Helper()
	dev, err := Setup(name, blockSize, blockCount, opts)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func TestSetup_EndToEnd(t *testing.T) {
	name := tempStore(t)
	const blockSize, blockCount = 25, 5

	dev, err := Setup(name, blockSize, blockCount, SetupOptions{
		Config:     Config{Mode: ModeCTR},
		KeySize:    16,
		HeaderData: []byte("hdr"),
		Initialize: func(i int) []byte { return fill(byte(i), blockSize) },
	})
	require.NoError(t, err)
	key := dev.Key()
	require.Len(t, key, 16)
	assert.Equal(t, ModeCTR, dev.Mode())
	assert.Equal(t, blockSize, dev.BlockSize())
	assert.Equal(t, blockCount, dev.BlockCount())
	assert.Equal(t, []byte("hdr"), dev.HeaderData())
	assert.Zero(t, dev.BytesSent(), "initialization is not counted")
	assert.Zero(t, dev.BytesReceived())

	info, err := os.Stat(name)
	require.NoError(t, err)
	want, err := ComputeStorageSize(blockSize, blockCount, ModeCTR, StorageFile, 3, false)
	require.NoError(t, err)
	assert.Equal(t, want, info.Size())
	assert.Equal(t, want, dev.StorageSize())
	require.NoError(t, dev.Close())

	dev, err = Open(name, OpenOptions{Key: key})
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, ModeCTR, dev.Mode(), "mode is read from the index")

	for pass := 0; pass < 2; pass++ {
		for i := 0; i < blockCount; i++ {
			data, err := dev.ReadBlock(i)
			require.NoError(t, err)
			assert.Equal(t, fill(byte(i), blockSize), data)
		}
	}
	assert.Equal(t, int64(2*blockCount*blockSize), dev.BytesReceived())
	assert.Zero(t, dev.BytesSent())

	require.NoError(t, dev.WriteBlock(2, fill(0xaa, blockSize)))
	assert.Equal(t, int64(blockSize), dev.BytesSent())
	data, err := dev.ReadBlock(2)
	require.NoError(t, err)
	assert.Equal(t, fill(0xaa, blockSize), data)
}

func TestSetup_DefaultsAndKeyStyles(t *testing.T) {
	t.Run("generated default key", func(t *testing.T) {
		dev := setupTest(t, tempStore(t), 16, 2, SetupOptions{})
		assert.Equal(t, DefaultMode, dev.Mode())
		assert.Len(t, dev.Key(), DefaultKeySize)
		data, err := dev.ReadBlock(1)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 16), data, "blocks start zeroed")
		assert.Empty(t, dev.HeaderData())
	})

	t.Run("explicit key is copied", func(t *testing.T) {
		key := fill(7, 32)
		dev := setupTest(t, tempStore(t), 16, 2, SetupOptions{Key: key})
		key[0] = 0
		assert.Equal(t, fill(7, 32), dev.Key())
	})

	t.Run("chacha", func(t *testing.T) {
		dev := setupTest(t, tempStore(t), 16, 2, SetupOptions{Config: Config{Mode: ModeChaCha20Poly1305}})
		assert.Equal(t, ModeChaCha20Poly1305, dev.Mode())
	})
}

func TestSetup_Validation(t *testing.T) {
	tests := []struct {
		name       string
		blockSize  int
		blockCount int
		opts       SetupOptions
		wantErr    error
	}{
		{"zero block size", 0, 5, SetupOptions{}, ErrInvalidSize},
		{"negative block count", 16, -1, SetupOptions{}, ErrInvalidSize},
		{"unknown mode", 16, 5, SetupOptions{Config: Config{Mode: Mode(9)}}, ErrUnsupportedMode},
		{"unknown storage type", 16, 5, SetupOptions{Config: Config{StorageType: StorageType(9)}}, ErrUnsupportedStorageType},
		{"key and key size", 16, 5, SetupOptions{Key: fill(1, 32), KeySize: 32}, ErrKeyConflict},
		{"key and provider", 16, 5, SetupOptions{Key: fill(1, 32), KeyProvider: NewEnvKeyProvider("UNUSED")}, ErrKeyConflict},
		{"bad key length", 16, 5, SetupOptions{Key: fill(1, 17)}, ErrInvalidKey},
		{"bad key size", 16, 5, SetupOptions{KeySize: 20}, ErrInvalidKey},
		{"negative key size", 16, 5, SetupOptions{KeySize: -16}, ErrInvalidKey},
		{"chacha short key", 16, 5, SetupOptions{Config: Config{Mode: ModeChaCha20Poly1305}, KeySize: 16}, ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := tempStore(t)
			_, err := Setup(name, tt.blockSize, tt.blockCount, tt.opts)
			require.Error(t, err)
			assert.True(t, IsValidationError(err), "got %T: %v", err, err)
			assert.ErrorIs(t, err, tt.wantErr)

			_, statErr := os.Stat(name)
			assert.True(t, os.IsNotExist(statErr), "failed setup must not create a file")
			assert.False(t, IsLocked(nil, name))
		})
	}
}

func TestSetup_InitializeWrongLength(t *testing.T) {
	name := tempStore(t)
	_, err := Setup(name, 8, 3, SetupOptions{
		Initialize: func(i int) []byte { return make([]byte, 8+i) },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlockSize)

	_, statErr := os.Stat(name)
	assert.True(t, os.IsNotExist(statErr), "partial store must be removed")
	assert.False(t, IsLocked(nil, name), "lock must be released")
}

func TestSetup_Existing(t *testing.T) {
	name := tempStore(t)
	dev, err := Setup(name, 16, 2, SetupOptions{})
	require.NoError(t, err)

	_, err = Setup(name, 16, 2, SetupOptions{})
	assert.ErrorIs(t, err, ErrExists)

	_, err = Setup(name, 16, 2, SetupOptions{IgnoreExisting: true})
	assert.ErrorIs(t, err, ErrLocked, "a live store is never overwritten")
	require.NoError(t, dev.Close())

	dev, err = Setup(name, 32, 4, SetupOptions{IgnoreExisting: true, HeaderData: []byte("new")})
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, 32, dev.BlockSize())

	info, err := os.Stat(name)
	require.NoError(t, err)
	assert.Equal(t, dev.StorageSize(), info.Size())
}

func TestSetup_ExistingKeptOnFailure(t *testing.T) {
	name := tempStore(t)
	dev, err := Setup(name, 16, 2, SetupOptions{HeaderData: []byte("old")})
	require.NoError(t, err)
	key := dev.Key()
	require.NoError(t, dev.Close())
	before, err := os.ReadFile(name)
	require.NoError(t, err)

	_, err = Setup(name, 16, 2, SetupOptions{
		IgnoreExisting: true,
		Initialize:     func(int) []byte { return make([]byte, 5) },
	})
	assert.ErrorIs(t, err, ErrBlockSize)
	assert.False(t, IsLocked(nil, name))

	after, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, before, after, "the previous store is untouched")
	entries, err := os.ReadDir(filepath.Dir(name))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary file is left behind")

	dev, err = Open(name, OpenOptions{Key: key})
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, []byte("old"), dev.HeaderData())
}

func TestSetup_InitializePanics(t *testing.T) {
	for _, existing := range []bool{false, true} {
		name := tempStore(t)
		if existing {
			dev, err := Setup(name, 16, 2, SetupOptions{})
			require.NoError(t, err)
			require.NoError(t, dev.Close())
		}

		assert.Panics(t, func() {
			Setup(name, 16, 2, SetupOptions{
				IgnoreExisting: true,
				Initialize:     func(int) []byte { panic("initialize failed") },
			})
		})
		assert.False(t, IsLocked(nil, name), "the lock is released")

		entries, err := os.ReadDir(filepath.Dir(name))
		require.NoError(t, err)
		if existing {
			assert.Len(t, entries, 1, "only the previous store remains")
		} else {
			assert.Empty(t, entries, "the partial store is removed")
		}

		dev, err := Setup(name, 16, 2, SetupOptions{IgnoreExisting: true})
		require.NoError(t, err, "the name is usable again")
		require.NoError(t, dev.Close())
	}
}

func TestSetup_HostFSWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	fsys, err := osfs.NewFS()
	require.NoError(t, err)
	require.NoError(t, fsys.Chdir(dir))

	cfg := Config{FS: fsys}
	dev, err := Setup("store.ebs", 16, 2, SetupOptions{Config: cfg})
	require.NoError(t, err)
	key := dev.Key()

	assert.FileExists(t, filepath.Join(dir, "store.ebs"))
	assert.True(t, IsLocked(nil, filepath.Join(dir, "store.ebs")), "the lock follows the filesystem's directory")
	assert.False(t, IsLocked(nil, "store.ebs"))

	_, err = Open(filepath.Join(dir, "store.ebs"), OpenOptions{Key: key})
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, dev.Close())

	for _, st := range []StorageType{StorageFile, StorageMmap} {
		name := "store-" + st.String() + ".ebs"
		dev, err := Setup(name, 16, 2, SetupOptions{Config: Config{FS: fsys, StorageType: st}})
		require.NoError(t, err, st.String())
		assert.FileExists(t, filepath.Join(dir, name))
		require.NoError(t, dev.Close())
	}
}

func TestOpen_TamperedShape(t *testing.T) {
	name := tempStore(t)
	dev, err := Setup(name, 16, 4, SetupOptions{HeaderData: []byte("hdr")})
	require.NoError(t, err)
	key := dev.Key()
	require.NoError(t, dev.Close())

	rewrite := func(t *testing.T, field int, value uint64) {
		t.Helper()
		buf, err := os.ReadFile(name)
		require.NoError(t, err)
		binary.BigEndian.PutUint64(buf[field:], value)
		reseal(buf)
		require.NoError(t, os.WriteFile(name, buf, 0600))
	}

	t.Run("wrapping header length", func(t *testing.T) {
		rewrite(t, 24, math.MaxUint64-IndexSize)
		assert.NotPanics(t, func() {
			_, err = Open(name, OpenOptions{Key: key})
		})
		assert.True(t, IsCorruptionError(err), "got %T: %v", err, err)
		assert.False(t, IsLocked(nil, name))
	})

	t.Run("shrunk block count", func(t *testing.T) {
		rewrite(t, 24, 3)
		rewrite(t, 16, 2)
		var ix StorageIndex
		buf, err := os.ReadFile(name)
		require.NoError(t, err)
		require.NoError(t, ix.UnmarshalBinary(buf))
		require.NoError(t, os.Truncate(name, ix.size()))

		_, err = Open(name, OpenOptions{Key: key})
		assert.ErrorIs(t, err, ErrWrongKey, "the shape is covered by the key check")
	})
}

func TestOpen_Errors(t *testing.T) {
	name := tempStore(t)
	dev, err := Setup(name, 16, 4, SetupOptions{Config: Config{Mode: ModeGCM}, KeySize: 32})
	require.NoError(t, err)
	key := dev.Key()
	require.NoError(t, dev.Close())

	t.Run("not found", func(t *testing.T) {
		_, err := Open(filepath.Join(t.TempDir(), "missing.ebs"), OpenOptions{Key: key})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("no key", func(t *testing.T) {
		_, err := Open(name, OpenOptions{})
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("key and provider", func(t *testing.T) {
		_, err := Open(name, OpenOptions{Key: key, KeyProvider: NewEnvKeyProvider("UNUSED")})
		assert.ErrorIs(t, err, ErrKeyConflict)
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := Open(name, OpenOptions{Key: fill(0x42, 32)})
		assert.ErrorIs(t, err, ErrWrongKey)
		assert.True(t, IsAuthenticationError(err))
		assert.False(t, IsLocked(nil, name), "failed open releases the lock")
	})

	t.Run("wrong key length", func(t *testing.T) {
		_, err := Open(name, OpenOptions{Key: fill(0x42, 5)})
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("mode mismatch", func(t *testing.T) {
		_, err := Open(name, OpenOptions{Key: key, Config: Config{Mode: ModeCTR}})
		assert.ErrorIs(t, err, ErrUnsupportedMode)
		assert.True(t, IsValidationError(err))
	})

	t.Run("storage type mismatch", func(t *testing.T) {
		_, err := Open(name, OpenOptions{Key: key, Config: Config{StorageType: StorageMmap}})
		assert.ErrorIs(t, err, ErrUnsupportedStorageType)
	})

	t.Run("explicit matching mode", func(t *testing.T) {
		dev, err := Open(name, OpenOptions{Key: key, Config: Config{Mode: ModeGCM}})
		require.NoError(t, err)
		require.NoError(t, dev.Close())
	})
}

func TestOpen_CorruptIndex(t *testing.T) {
	name := tempStore(t)
	dev, err := Setup(name, 16, 4, SetupOptions{})
	require.NoError(t, err)
	key := dev.Key()
	require.NoError(t, dev.Close())

	f, err := os.OpenFile(name, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, 8), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(name, OpenOptions{Key: key})
	assert.True(t, IsCorruptionError(err), "got %T: %v", err, err)
	assert.ErrorIs(t, err, ErrInvalidIndex)
	assert.False(t, IsLocked(nil, name))
}

func TestOpen_TruncatedStore(t *testing.T) {
	name := tempStore(t)
	dev, err := Setup(name, 16, 4, SetupOptions{})
	require.NoError(t, err)
	key := dev.Key()
	size := dev.StorageSize()
	require.NoError(t, dev.Close())

	require.NoError(t, os.Truncate(name, size-1))
	_, err = Open(name, OpenOptions{Key: key})
	assert.True(t, IsCorruptionError(err), "got %T: %v", err, err)
}

func TestLocking(t *testing.T) {
	name := tempStore(t)
	dev, err := Setup(name, 16, 4, SetupOptions{})
	require.NoError(t, err)
	key := dev.Key()

	_, err = Open(name, OpenOptions{Key: key})
	assert.ErrorIs(t, err, ErrLocked)

	other, err := Open(name, OpenOptions{Key: key, IgnoreLock: true})
	require.NoError(t, err, "ignore_lock bypasses the lock")
	require.NoError(t, other.Close())
	assert.True(t, IsLocked(nil, name), "closing an unlocked handle keeps the owner's lock")

	require.NoError(t, dev.Close())
	assert.False(t, IsLocked(nil, name))

	dev, err = Open(name, OpenOptions{Key: key})
	require.NoError(t, err)
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close(), "close is idempotent")
}

func TestClone(t *testing.T) {
	name := tempStore(t)
	const bs = 32
	dev := setupTest(t, name, bs, 4, SetupOptions{HeaderData: []byte("header-v1")})

	clone, err := dev.Clone()
	require.NoError(t, err)
	assert.True(t, clone.IsClone())
	assert.False(t, dev.IsClone())
	assert.Equal(t, dev.Key(), clone.Key())
	assert.Equal(t, dev.StoreID(), clone.StoreID())

	t.Run("writes are visible both ways", func(t *testing.T) {
		require.NoError(t, clone.WriteBlock(1, fill(1, bs)))
		got, err := dev.ReadBlock(1)
		require.NoError(t, err)
		assert.Equal(t, fill(1, bs), got)

		require.NoError(t, dev.WriteBlock(2, fill(2, bs)))
		got, err = clone.ReadBlock(2)
		require.NoError(t, err)
		assert.Equal(t, fill(2, bs), got)
	})

	t.Run("counters are per handle", func(t *testing.T) {
		assert.Equal(t, int64(bs), clone.BytesSent())
		assert.Equal(t, int64(bs), clone.BytesReceived())
		assert.Equal(t, int64(bs), dev.BytesSent())
		assert.Equal(t, int64(bs), dev.BytesReceived())
	})

	t.Run("header is shared", func(t *testing.T) {
		require.NoError(t, clone.UpdateHeaderData([]byte("header-v2")))
		assert.Equal(t, []byte("header-v2"), dev.HeaderData())
	})

	t.Run("closing a clone keeps the lock", func(t *testing.T) {
		require.NoError(t, clone.Close())
		assert.True(t, IsLocked(nil, name))

		_, err := clone.ReadBlock(0)
		assert.ErrorIs(t, err, ErrClosed)

		got, err := dev.ReadBlock(1)
		require.NoError(t, err)
		assert.Equal(t, fill(1, bs), got)
	})

	t.Run("a clone outlives its parent", func(t *testing.T) {
		c2, err := dev.Clone()
		require.NoError(t, err)
		defer c2.Close()

		require.NoError(t, dev.Close())
		assert.False(t, IsLocked(nil, name))

		got, err := c2.ReadBlock(2)
		require.NoError(t, err)
		assert.Equal(t, fill(2, bs), got)

		_, err = dev.Clone()
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestUpdateHeaderData(t *testing.T) {
	name := tempStore(t)
	dev, err := Setup(name, 16, 2, SetupOptions{HeaderData: []byte("aaaa")})
	require.NoError(t, err)
	key := dev.Key()

	err = dev.UpdateHeaderData([]byte("toolong"))
	assert.ErrorIs(t, err, ErrHeaderLength)
	assert.Equal(t, []byte("aaaa"), dev.HeaderData())

	require.NoError(t, dev.UpdateHeaderData([]byte("bbbb")))
	assert.Equal(t, []byte("bbbb"), dev.HeaderData())

	h := dev.HeaderData()
	h[0] = 'z'
	assert.Equal(t, []byte("bbbb"), dev.HeaderData(), "HeaderData returns a copy")
	require.NoError(t, dev.Close())

	dev, err = Open(name, OpenOptions{Key: key})
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, []byte("bbbb"), dev.HeaderData())
}

func TestBlockErrors(t *testing.T) {
	dev := setupTest(t, tempStore(t), 16, 4, SetupOptions{})

	_, err := dev.ReadBlock(4)
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = dev.ReadBlock(-1)
	assert.ErrorIs(t, err, ErrOutOfRange)

	assert.ErrorIs(t, dev.WriteBlock(4, make([]byte, 16)), ErrOutOfRange)
	assert.ErrorIs(t, dev.WriteBlock(0, make([]byte, 15)), ErrBlockSize)
	assert.ErrorIs(t, dev.WriteBlock(0, nil), ErrBlockSize)

	assert.Zero(t, dev.BytesSent())
	assert.Zero(t, dev.BytesReceived())

	require.NoError(t, dev.Close())
	_, err = dev.ReadBlock(0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, dev.WriteBlock(0, make([]byte, 16)), ErrClosed)
	assert.ErrorIs(t, dev.UpdateHeaderData(nil), ErrClosed)
	assert.ErrorIs(t, dev.Sync(), ErrClosed)
}

func TestTamperDetection(t *testing.T) {
	for _, mode := range []Mode{ModeGCM, ModeChaCha20Poly1305} {
		t.Run(mode.String(), func(t *testing.T) {
			name := tempStore(t)
			dev, err := Setup(name, 16, 4, SetupOptions{
				Config:     Config{Mode: mode},
				Initialize: func(i int) []byte { return fill(byte(i+1), 16) },
			})
			require.NoError(t, err)
			key := dev.Key()
			off := dev.s.index.blockOffset(2)
			require.NoError(t, dev.Close())

			f, err := os.OpenFile(name, os.O_RDWR, 0)
			require.NoError(t, err)
			b := make([]byte, 1)
			_, err = f.ReadAt(b, off+20)
			require.NoError(t, err)
			b[0] ^= 0x80
			_, err = f.WriteAt(b, off+20)
			require.NoError(t, err)
			require.NoError(t, f.Close())

			dev, err = Open(name, OpenOptions{Key: key})
			require.NoError(t, err)
			defer dev.Close()

			_, err = dev.ReadBlock(2)
			assert.ErrorIs(t, err, ErrAuthFailed)
			var ae *AuthenticationError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, int64(2), ae.Block)
			assert.Zero(t, dev.BytesReceived(), "failed reads are not counted")

			got, err := dev.ReadBlock(1)
			require.NoError(t, err)
			assert.Equal(t, fill(2, 16), got)
		})
	}
}

func TestSwappedBlocksDetected(t *testing.T) {
	name := tempStore(t)
	dev, err := Setup(name, 16, 2, SetupOptions{
		Initialize: func(i int) []byte { return fill(byte(i), 16) },
	})
	require.NoError(t, err)
	key := dev.Key()
	a, b := dev.s.index.blockOffset(0), dev.s.index.blockOffset(1)
	n := int64(RecordSize(dev.Mode(), 16))
	require.NoError(t, dev.Close())

	raw, err := os.ReadFile(name)
	require.NoError(t, err)
	r0 := bytes.Clone(raw[a : a+n])
	copy(raw[a:a+n], raw[b:b+n])
	copy(raw[b:b+n], r0)
	require.NoError(t, os.WriteFile(name, raw, 0600))

	dev, err = Open(name, OpenOptions{Key: key})
	require.NoError(t, err)
	defer dev.Close()

	_, err = dev.ReadBlock(0)
	assert.ErrorIs(t, err, ErrAuthFailed)
	_, err = dev.ReadBlock(1)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestMemFS(t *testing.T) {
	mfs, err := memfs.NewFS()
	require.NoError(t, err)
	cfg := Config{FS: mfs, Mode: ModeGCM}

	dev, err := Setup("/store.ebs", 20, 3, SetupOptions{
		Config:     cfg,
		HeaderData: []byte("mem"),
	})
	require.NoError(t, err)
	key := dev.Key()
	assert.True(t, IsLocked(mfs, "/store.ebs"))
	assert.False(t, IsLocked(nil, "/store.ebs"), "locks are per filesystem")

	require.NoError(t, dev.WriteBlock(1, fill(9, 20)))
	require.NoError(t, dev.Close())

	dev, err = Open("/store.ebs", OpenOptions{Config: cfg, Key: key})
	require.NoError(t, err)
	defer dev.Close()

	got, err := dev.ReadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, fill(9, 20), got)
	assert.Equal(t, []byte("mem"), dev.HeaderData())
}

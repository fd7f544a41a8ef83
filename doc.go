// Package encryptedblock provides an encrypted, lockable block storage
// device on top of a plain random-access file.
//
// # Overview
//
// A store is a fixed number of fixed-size blocks. Every block, and an
// optional fixed-length header, is encrypted with its own fresh random
// nonce. The store lives in a file reached through an absfs.FileSystem
// (the host filesystem by default) or in a memory-mapped host file.
//
// # Cipher Modes
//
//   - ModeGCM: AES-GCM, authenticated (default)
//   - ModeChaCha20Poly1305: ChaCha20-Poly1305, authenticated
//   - ModeCTR: AES-CTR, confidentiality only
//
// Authenticated modes bind every record to its store and slot, so
// tampered, swapped or transplanted blocks are reported as
// *AuthenticationError. A wrong key is detected on Open in every mode.
//
// # Basic Usage
//
//	dev, err := encryptedblock.Setup("disk.ebs", 4096, 1024, encryptedblock.SetupOptions{
//		KeySize:    32,
//		HeaderData: []byte("v1"),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	key := dev.Key()
//
//	if err := dev.WriteBlock(7, block); err != nil {
//		log.Fatal(err)
//	}
//	dev.Close()
//
//	dev, err = encryptedblock.Open("disk.ebs", encryptedblock.OpenOptions{Key: key})
//	data, err := dev.ReadBlock(7)
//
// # Locking
//
// The handle returned by Setup or Open owns the store: a second Open of
// the same store fails with ErrLocked until it is closed. On the host
// filesystem an advisory flock extends this across processes. Clone
// returns an extra handle that shares the key and header but never owns
// the lock. OpenOptions.IgnoreLock skips locking altogether.
//
// # Password-Based Keys
//
//	provider := encryptedblock.NewPasswordKeyProvider([]byte("secret"), encryptedblock.Argon2idParams{})
//	dev, err := encryptedblock.Setup("disk.ebs", 512, 64, encryptedblock.SetupOptions{
//		KeyProvider: provider,
//	})
//
// The salt is kept in the store index and Open derives the same key from
// it.
//
// # Storage Layout
//
// A plaintext index (magic, version, mode, shape, store id, salt, key
// check, CRC), then the header record, then one record per block. The
// total size is given by ComputeStorageSize.
package encryptedblock

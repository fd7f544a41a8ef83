package encryptedblock

import (
	"fmt"

	"github.com/absfs/absfs"
)

// Verify decrypts every block and returns the indices whose records fail
// authentication. Counters are not touched. In CTR mode nothing can fail
// authentication, so the result is always empty. Errors other than
// authentication failures stop the scan.
func (d *Device) Verify() ([]int, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}

	var failed []int
	for i := 0; i < d.BlockCount(); i++ {
		record, err := d.s.readRecord(d.raw, i)
		if err != nil {
			return failed, err
		}
		if _, err := d.s.openBlock(i, record); err != nil {
			if !IsAuthenticationError(err) {
				return failed, err
			}
			failed = append(failed, i)
		}
	}

	if len(failed) > 0 {
		d.s.log.Warn().
			Str("name", d.s.name).
			Ints("blocks", failed).
			Msg("blocks failed verification")
	}
	return failed, nil
}

// ReEncrypt copies the store at src into a new store at dst under the key
// and mode of dstOpts, keeping the header and every block. The new store
// is returned open; src is left as it was. Use it to rotate a key or move
// a store to another cipher mode.
func ReEncrypt(src string, srcOpts OpenOptions, dst string, dstOpts SetupOptions) (*Device, error) {
	if sameStore(srcOpts.FS, src, dstOpts.FS, dst) {
		return nil, &ValidationError{
			Field:   "dst",
			Value:   dst,
			Message: "destination must differ from source",
		}
	}
	if dstOpts.Initialize != nil {
		return nil, &ValidationError{
			Field:   "initialize",
			Message: "initial contents come from the source store",
		}
	}

	in, err := Open(src, srcOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	if dstOpts.HeaderData == nil {
		dstOpts.HeaderData = in.HeaderData()
	}

	var readErr error
	dstOpts.Initialize = func(i int) []byte {
		if readErr != nil {
			return nil
		}
		data, err := in.ReadBlock(i)
		if err != nil {
			readErr = err
			return nil
		}
		return data
	}

	out, err := Setup(dst, in.BlockSize(), in.BlockCount(), dstOpts)
	if err != nil {
		if readErr != nil {
			return nil, fmt.Errorf("failed to read source: %w", readErr)
		}
		return nil, err
	}

	out.s.log.Debug().
		Str("src", src).
		Str("dst", dst).
		Stringer("from", in.Mode()).
		Stringer("to", out.Mode()).
		Msg("storage re-encrypted")
	return out, nil
}

func sameStore(afs absfs.FileSystem, a string, bfs absfs.FileSystem, b string) bool {
	ka, err := makeLockKey(afs, a)
	if err != nil {
		return false
	}
	kb, err := makeLockKey(bfs, b)
	if err != nil {
		return false
	}
	return ka == kb
}

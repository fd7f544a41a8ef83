//go:build !unix

package encryptedblock

// flockFile is a no-op where flock is unavailable; the in-process lock
// registry still applies.
func flockFile(path string) (func() error, error) {
	return func() error { return nil }, nil
}

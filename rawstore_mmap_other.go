//go:build !unix

package encryptedblock

func createMmapStore(path string, size int64, onOpen func() error) (rawStore, error) {
	return nil, &ValidationError{Field: "storage_type", Value: StorageMmap, Message: "mmap is not supported on this platform", Err: ErrUnsupportedStorageType}
}

func openMmapStore(path string) (rawStore, error) {
	return nil, &ValidationError{Field: "storage_type", Value: StorageMmap, Message: "mmap is not supported on this platform", Err: ErrUnsupportedStorageType}
}

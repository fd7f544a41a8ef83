package encryptedblock

import (
	"path"
	"path/filepath"

	"github.com/absfs/absfs"
	"github.com/absfs/osfs"
)

// newHostFS returns an osfs filesystem whose working directory is the
// process working directory at the time of the call. Every store resolves
// its filesystem once, so a later os.Chdir does not move it.
func newHostFS() (absfs.FileSystem, error) {
	fsys, err := osfs.NewFS()
	if err != nil {
		return nil, NewIOError("getwd", "", err)
	}
	return fsys, nil
}

func isHostFS(fsys absfs.FileSystem) bool {
	if fsys == nil {
		return true
	}
	_, ok := fsys.(*osfs.FileSystem)
	return ok
}

// resolvePath makes name absolute against the working directory of fsys.
// On the host the result is a native path usable by flock and mmap.
func resolvePath(fsys absfs.FileSystem, name string) (string, error) {
	if isHostFS(fsys) {
		if filepath.IsAbs(name) {
			return filepath.Clean(name), nil
		}
		if fsys == nil {
			abs, err := filepath.Abs(name)
			if err != nil {
				return "", NewIOError("resolve", name, err)
			}
			return abs, nil
		}
		cwd, err := fsys.Getwd()
		if err != nil {
			return "", NewIOError("resolve", name, err)
		}
		return filepath.Join(cwd, name), nil
	}

	if path.IsAbs(name) {
		return path.Clean(name), nil
	}
	cwd, err := fsys.Getwd()
	if err != nil {
		return path.Clean(name), nil
	}
	return path.Join(cwd, name), nil
}

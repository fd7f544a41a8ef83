package encryptedblock

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/absfs/absfs"
)

// lockKey identifies one physical store: the filesystem it lives on and
// its absolute name. Host stores share one namespace, so their fs is nil.
type lockKey struct {
	fs   absfs.FileSystem
	name string
}

var locks = struct {
	sync.Mutex
	held map[lockKey]struct{}
}{held: make(map[lockKey]struct{})}

// lockToken is the exclusive ownership of one store. Only the handle that
// acquired it releases it; clones never see it.
type lockToken struct {
	key      lockKey
	hostPath string

	mu       sync.Mutex
	unlockOS []func() error
	once     sync.Once
}

func makeLockKey(fsys absfs.FileSystem, name string) (lockKey, error) {
	resolved, err := resolvePath(fsys, name)
	if err != nil {
		return lockKey{}, err
	}
	if isHostFS(fsys) {
		return lockKey{name: resolved}, nil
	}
	if !reflect.TypeOf(fsys).Comparable() {
		return lockKey{}, &ValidationError{
			Field:   "fs",
			Value:   fmt.Sprintf("%T", fsys),
			Message: "filesystem type must be comparable to be locked",
		}
	}
	return lockKey{fs: fsys, name: resolved}, nil
}

// acquireLock reserves the store within this process. It fails with
// ErrLocked when another live handle owns it.
func acquireLock(fsys absfs.FileSystem, name string) (*lockToken, error) {
	key, err := makeLockKey(fsys, name)
	if err != nil {
		return nil, err
	}

	locks.Lock()
	defer locks.Unlock()
	if _, ok := locks.held[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, name)
	}
	locks.held[key] = struct{}{}

	t := &lockToken{key: key}
	if key.fs == nil {
		t.hostPath = key.name
	}
	return t, nil
}

// lockHost takes the advisory OS lock on the store file, so that other
// processes are excluded too. The file must exist. No-op off the host
// filesystem.
func (t *lockToken) lockHost() error {
	return t.lockHostAt(t.hostPath)
}

// lockHostAt takes the OS lock on p, a file that will be renamed over the
// store. Locks already held are kept until dropStale.
func (t *lockToken) lockHostAt(p string) error {
	if t.hostPath == "" {
		return nil
	}
	unlock, err := flockFile(p)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.unlockOS = append(t.unlockOS, unlock)
	t.mu.Unlock()
	return nil
}

// dropStale releases every OS lock but the most recent one.
func (t *lockToken) dropStale() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.unlockOS) < 2 {
		return nil
	}
	var err error
	for _, unlock := range t.unlockOS[:len(t.unlockOS)-1] {
		if uerr := unlock(); err == nil {
			err = uerr
		}
	}
	t.unlockOS = t.unlockOS[len(t.unlockOS)-1:]
	return err
}

// release gives the store up. Safe to call more than once.
func (t *lockToken) release() error {
	if t == nil {
		return nil
	}
	var err error
	t.once.Do(func() {
		t.mu.Lock()
		for _, unlock := range t.unlockOS {
			if uerr := unlock(); err == nil {
				err = uerr
			}
		}
		t.unlockOS = nil
		t.mu.Unlock()

		locks.Lock()
		delete(locks.held, t.key)
		locks.Unlock()
	})
	return err
}

// IsLocked reports whether a live handle in this process owns the store.
func IsLocked(fsys absfs.FileSystem, name string) bool {
	key, err := makeLockKey(fsys, name)
	if err != nil {
		return false
	}
	locks.Lock()
	defer locks.Unlock()
	_, ok := locks.held[key]
	return ok
}

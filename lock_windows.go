//go:build windows

// LockFileEx/UnlockFileEx implementation for Windows.
// All methods are called with l.mu held by the exported Lock/TryLock/Unlock.
package nestor

import (
	"errors"
	"syscall"
	"unsafe"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const (
	LOCKFILE_EXCLUSIVE_LOCK   = 0x00000002
	LOCKFILE_FAIL_IMMEDIATELY = 0x00000001
)

// errLockContended is returned by tryLock when another process holds an
// incompatible lock. Storage.Open translates it into ErrStorageLocked.
var errLockContended = errors.New("nestor: lock contended")

func (l *fileLock) lock(mode LockMode) error {
	return l.doLock(mode, 0)
}

func (l *fileLock) tryLock(mode LockMode) error {
	err := l.doLock(mode, LOCKFILE_FAIL_IMMEDIATELY)
	if err != nil {
		return errLockContended
	}
	return nil
}

func (l *fileLock) doLock(mode LockMode, extraFlags uint32) error {
	var flags uint32 = extraFlags
	if mode == LockExclusive {
		flags |= LOCKFILE_EXCLUSIVE_LOCK
	}

	h := syscall.Handle(l.f.Fd())
	var overlapped syscall.Overlapped

	r1, _, err := procLockFileEx.Call(
		uintptr(h),
		uintptr(flags),
		0,
		0xFFFFFFFF,
		0xFFFFFFFF,
		uintptr(unsafe.Pointer(&overlapped)),
	)
	if r1 == 0 {
		return err
	}
	return nil
}

func (l *fileLock) unlock() error {
	h := syscall.Handle(l.f.Fd())
	var overlapped syscall.Overlapped

	r1, _, err := procUnlockFileEx.Call(
		uintptr(h),
		0,
		0xFFFFFFFF,
		0xFFFFFFFF,
		uintptr(unsafe.Pointer(&overlapped)),
	)
	if r1 == 0 {
		return err
	}
	return nil
}

// Package pid guards against two daemons fighting over the same fans.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/gpufand/internal/errors"
)

const filePerm = 0o644

// Write records the current process ID at path. It fails with
// ErrAlreadyRunning when path names another live process; a stale or
// unreadable file is replaced.
func Write(path string) error {
	errFactory := errors.New()

	if running, pid := alive(path); running && pid != os.Getpid() {
		return errFactory.WithData(errors.ErrAlreadyRunning, struct {
			PID  int
			Path string
		}{
			PID:  pid,
			Path: path,
		})
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), filePerm); err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	return nil
}

// Remove deletes the PID file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrInternal, err)
	}

	return nil
}

func alive(path string) (bool, int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false, 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}

	// EPERM still means the process exists, just under another user.
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM), pid
}

package selfedit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrEmptyWrite rejects a write that would blank a document without an
// explicit clear request.
var ErrEmptyWrite = errors.New("refusing to write empty content without clear")

// ErrNotAllowed rejects a path outside the editable set.
var ErrNotAllowed = errors.New("file is not in the editable set")

// PersistenceError reports a failed write. The previous content of Path
// is intact whenever this error is returned.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, filepath.Base(e.Path), e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// renameFile is swapped in tests to simulate a crash between writing
// the temp file and replacing the target.
var renameFile = os.Rename

// writeAtomic writes data to a temp file in the target's directory,
// syncs it, then renames it over path. Readers see either the old file
// or the new one, never a mix.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return &PersistenceError{Op: "create temp", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return &PersistenceError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return &PersistenceError{Op: "sync", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return &PersistenceError{Op: "close", Path: path, Err: err}
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		cleanup()
		return &PersistenceError{Op: "chmod", Path: path, Err: err}
	}
	if err := renameFile(tmpName, path); err != nil {
		cleanup()
		return &PersistenceError{Op: "replace", Path: path, Err: err}
	}
	return nil
}

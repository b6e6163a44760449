// Package fsio is the os-backed implementation of session.Filesystem,
// the real collaborator cmd/rft wires in where tests use an in-memory
// fake instead.
package fsio

import (
	"os"

	"github.com/librescoot/rft/pkg/session"
)

// FS implements session.Filesystem over the local filesystem.
type FS struct{}

func New() FS { return FS{} }

func (FS) Stat(path string) (session.FileInfo, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return session.FileInfo{Exists: false}, nil
	}
	if err != nil {
		return session.FileInfo{}, err
	}
	return session.FileInfo{Exists: true, Size: info.Size()}, nil
}

func (FS) OpenRead(path string) (session.File, error) {
	return os.OpenFile(path, os.O_RDONLY, 0)
}

func (FS) OpenWrite(path string, truncate bool) (session.File, error) {
	// O_RDWR without O_APPEND so the caller's explicit Seek determines
	// the write position; O_APPEND would silently force every write to
	// the current end of file regardless of where we just seeked.
	flags := os.O_CREATE | os.O_RDWR
	if truncate {
		flags |= os.O_TRUNC
	}
	return os.OpenFile(path, flags, 0o644)
}

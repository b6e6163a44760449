package session

import (
	"errors"
	"io"
)

// memFile is an in-memory File backed by a growable byte slice, shared
// by reference with its owning memFS entry so writes are visible to a
// later OpenRead of the same path.
type memFile struct {
	data *[]byte
	pos  int64
}

func (f *memFile) Read(p []byte) (int, error) {
	if f.pos >= int64(len(*f.data)) {
		return 0, io.EOF
	}
	n := copy(p, (*f.data)[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) Write(p []byte) (int, error) {
	end := f.pos + int64(len(p))
	if end > int64(len(*f.data)) {
		grown := make([]byte, end)
		copy(grown, *f.data)
		*f.data = grown
	}
	copy((*f.data)[f.pos:end], p)
	f.pos = end
	return len(p), nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.pos = offset
	case io.SeekCurrent:
		f.pos += offset
	case io.SeekEnd:
		f.pos = int64(len(*f.data)) + offset
	default:
		return 0, errors.New("memfile: bad whence")
	}
	if f.pos < 0 {
		return 0, errors.New("memfile: negative position")
	}
	return f.pos, nil
}

func (f *memFile) Close() error { return nil }

// memFS is an in-memory Filesystem for exercising the sender/receiver
// loops without touching disk.
type memFS struct {
	files map[string]*[]byte
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string]*[]byte)}
}

func (m *memFS) put(path string, content []byte) {
	buf := make([]byte, len(content))
	copy(buf, content)
	m.files[path] = &buf
}

func (m *memFS) get(path string) []byte {
	if b, ok := m.files[path]; ok {
		return *b
	}
	return nil
}

func (m *memFS) Stat(path string) (FileInfo, error) {
	b, ok := m.files[path]
	if !ok {
		return FileInfo{Exists: false}, nil
	}
	return FileInfo{Exists: true, Size: int64(len(*b))}, nil
}

func (m *memFS) OpenRead(path string) (File, error) {
	b, ok := m.files[path]
	if !ok {
		return nil, errors.New("memfs: no such file")
	}
	return &memFile{data: b}, nil
}

func (m *memFS) OpenWrite(path string, truncate bool) (File, error) {
	b, ok := m.files[path]
	if !ok || truncate {
		empty := []byte{}
		b = &empty
		m.files[path] = b
	}
	return &memFile{data: b}, nil
}

// Package vfs defines the abstract file/directory store consumed by
// the personality core, and a hash-indexed in-memory implementation of
// it with support for live-file overrides.
//
// The contract is synchronous and deliberately infallible in its hot
// path: failures are signalled by sentinel return values (-1, false,
// 0), never by panics or errors, so BDOS handlers can translate them
// directly into CP/M domain result codes.
package vfs

import (
	"strings"
	"sync"
)

// Mode is a file open mode.
type Mode int

const (
	// ModeRead opens a file for reading only.
	ModeRead Mode = iota
	// ModeReadWrite opens a file for reading and writing, creating it
	// if it does not already exist.
	ModeReadWrite
	// ModeWrite truncates-or-creates a file for writing.
	ModeWrite
	// ModeExclusive fails if the file already exists.
	ModeExclusive
)

// Stat describes the metadata VirtualFilesystem.Stat reports.
type Stat struct {
	Size int64
}

// VirtualFilesystem is the abstract store the personality core talks
// to for every file and directory operation a CP/M program performs.
type VirtualFilesystem interface {
	Open(path string, mode Mode) int
	Close(fd int) bool
	CloseAll() error
	Read(fd int, buf []byte, off int64) int
	Write(fd int, buf []byte, off int64) int
	Stat(path string) (Stat, bool)
	Unlink(path string) bool
	Rename(oldPath, newPath string) bool
	Readdir(path string) []string
	Exists(path string) bool

	AddFile(path string, data []byte)
	GetFile(path string) ([]byte, bool)
	ListAll() []string
}

// Clean upper-cases and slash-normalises a path: multiple slashes
// collapse, a trailing slash is stripped, and the empty path becomes
// the root "/".
func Clean(path string) string {
	path = strings.ToUpper(path)
	path = strings.ReplaceAll(path, "\\", "/")
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		path = "/"
	}
	return path
}

// LiveSource is a callable returning the current content of a path on
// demand; it is consulted ahead of any static snapshot.
type LiveSource func() []byte

type fdEntry struct {
	path string
	mode Mode
}

// MemoryStore is the hash-indexed byte-blob VirtualFilesystem: one map
// of path to bytes, a parallel map of path to live source, and an
// integer file-descriptor table.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string][]byte
	live map[string]LiveSource
	fds  map[int]fdEntry
	next int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		live: make(map[string]LiveSource),
		fds:  make(map[int]fdEntry),
		next: 1,
	}
}

func (m *MemoryStore) contentLocked(path string) ([]byte, bool) {
	if src, ok := m.live[path]; ok {
		return src(), true
	}
	d, ok := m.data[path]
	return d, ok
}

// Open returns a new fd for path, or -1 on failure (ModeExclusive when
// the file already exists).
func (m *MemoryStore) Open(path string, mode Mode) int {
	path = Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.contentLocked(path)

	switch mode {
	case ModeExclusive:
		if exists {
			return -1
		}
		m.data[path] = []byte{}
	case ModeWrite:
		m.data[path] = []byte{}
		delete(m.live, path)
	case ModeReadWrite:
		if !exists {
			m.data[path] = []byte{}
		}
	case ModeRead:
		if !exists {
			return -1
		}
	}

	fd := m.next
	m.next++
	m.fds[fd] = fdEntry{path: path, mode: mode}
	return fd
}

// Close releases an fd; it is idempotent.
func (m *MemoryStore) Close(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fds, fd)
	return true
}

// CloseAll releases every open fd.
func (m *MemoryStore) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fds = make(map[int]fdEntry)
	return nil
}

// Read copies up to len(buf) bytes from the file at the given
// position into buf, returning the number of bytes actually read.
// Short reads are legal.
func (m *MemoryStore) Read(fd int, buf []byte, off int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.fds[fd]
	if !ok {
		return 0
	}
	content, ok := m.contentLocked(entry.path)
	if !ok || off >= int64(len(content)) {
		return 0
	}
	n := copy(buf, content[off:])
	return n
}

// Write writes buf at the given position, expanding the file as
// needed. Read-only fds write nothing.
func (m *MemoryStore) Write(fd int, buf []byte, off int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.fds[fd]
	if !ok || entry.mode == ModeRead {
		return 0
	}

	content, _ := m.contentLocked(entry.path)
	// Writing through a live path snapshots and demotes it to static.
	delete(m.live, entry.path)

	need := off + int64(len(buf))
	if need > int64(len(content)) {
		grown := make([]byte, need)
		copy(grown, content)
		content = grown
	}
	copy(content[off:], buf)
	m.data[entry.path] = content
	return len(buf)
}

// Stat reports the size of path, if it exists.
func (m *MemoryStore) Stat(path string) (Stat, bool) {
	path = Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.contentLocked(path)
	if !ok {
		return Stat{}, false
	}
	return Stat{Size: int64(len(content))}, true
}

// Unlink removes path, returning whether it existed.
func (m *MemoryStore) Unlink(path string) bool {
	path = Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contentLocked(path)
	if !ok {
		return false
	}
	delete(m.data, path)
	delete(m.live, path)
	return true
}

// Rename moves oldPath to newPath, returning whether oldPath existed.
func (m *MemoryStore) Rename(oldPath, newPath string) bool {
	oldPath, newPath = Clean(oldPath), Clean(newPath)
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.contentLocked(oldPath)
	if !ok {
		return false
	}
	delete(m.data, oldPath)
	delete(m.live, oldPath)
	m.data[newPath] = content
	return true
}

// Readdir lists the direct children of a directory path (no
// recursion, no "." or "..").
func (m *MemoryStore) Readdir(path string) []string {
	path = Clean(path)
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]bool{}
	var out []string
	for p := range m.data {
		addDirentIfChild(p, prefix, seen, &out)
	}
	for p := range m.live {
		addDirentIfChild(p, prefix, seen, &out)
	}
	return out
}

func addDirentIfChild(p, prefix string, seen map[string]bool, out *[]string) {
	if !strings.HasPrefix(p, prefix) {
		return
	}
	rest := p[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return
	}
	if !seen[rest] {
		seen[rest] = true
		*out = append(*out, rest)
	}
}

// Exists reports whether path resolves to content.
func (m *MemoryStore) Exists(path string) bool {
	path = Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contentLocked(path)
	return ok
}

// AddFile installs static content at path.
func (m *MemoryStore) AddFile(path string, data []byte) {
	path = Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[path] = data
}

// AddLiveFile installs a live source at path; writes through it
// snapshot and demote it to static content.
func (m *MemoryStore) AddLiveFile(path string, src LiveSource) {
	path = Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[path] = src
}

// GetFile returns the current content at path.
func (m *MemoryStore) GetFile(path string) ([]byte, bool) {
	path = Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contentLocked(path)
}

// ListAll returns every known path.
func (m *MemoryStore) ListAll() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for p := range m.data {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for p := range m.live {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// Package drive implements the per-drive filesystem the personality
// core mounts under each CP/M drive letter.
//
// DriveLayer is modelled as a closed variant (Kind + payload fields)
// rather than an interface hierarchy, because the set of shapes a
// drive can take is small and fixed: a plain memory store, a
// read-only package derived from one or more loaded archives, a
// writable overlay over a read-through base, or a stack of layers
// merged top-to-bottom. Every variant implements vfs.VirtualFilesystem
// by switching on Kind.
package drive

import (
	"sort"
	"strings"

	"github.com/skx/cpmulator-go/vfs"
)

// Kind identifies which DriveLayer variant a value holds.
type Kind int

const (
	// KindMemory is a plain, fully read/write in-memory drive.
	KindMemory Kind = iota
	// KindPackage is a read-only drive backed by one or more loaded
	// packages, searched in order.
	KindPackage
	// KindOverlay is a read-through base with a writable top; deletes
	// on the base are recorded as tombstones on the top.
	KindOverlay
	// KindMerged presents several layers as a single drive: reads
	// check top-to-bottom, writes target the first writable layer.
	KindMerged
)

// DriveLayer is a per-drive filesystem; see Kind for the variants.
type DriveLayer struct {
	Kind Kind

	// memory / package storage
	store *vfs.MemoryStore

	// package: additional read-only maps, searched after store.
	packages []map[string][]byte

	// overlay
	base, top *DriveLayer
	tombstone map[string]bool

	// merged
	layers []*DriveLayer
}

// NewMemoryDrive returns an empty, fully writable drive.
func NewMemoryDrive() *DriveLayer {
	return &DriveLayer{Kind: KindMemory, store: vfs.NewMemoryStore()}
}

// NewPackageDrive returns a read-only drive backed by the given
// {name -> bytes} package maps, consulted in order.
func NewPackageDrive(pkgs ...map[string][]byte) *DriveLayer {
	return &DriveLayer{Kind: KindPackage, store: vfs.NewMemoryStore(), packages: pkgs}
}

// NewOverlayDrive returns a copy-on-write drive: reads fall through to
// base unless top has a tombstone or its own entry; writes and
// unlinks always go to top.
func NewOverlayDrive(base, top *DriveLayer) *DriveLayer {
	return &DriveLayer{Kind: KindOverlay, base: base, top: top, tombstone: make(map[string]bool)}
}

// NewMergedDrive presents several layers as one drive.
func NewMergedDrive(layers ...*DriveLayer) *DriveLayer {
	return &DriveLayer{Kind: KindMerged, layers: layers}
}

func (d *DriveLayer) packageLookup(path string) ([]byte, bool) {
	path = vfs.Clean(path)
	if data, ok := d.store.GetFile(path); ok {
		return data, ok
	}
	key := strings.TrimPrefix(path, "/")
	for _, pkg := range d.packages {
		if data, ok := pkg[key]; ok {
			return data, true
		}
		if data, ok := pkg[strings.ToUpper(key)]; ok {
			return data, true
		}
	}
	return nil, false
}

// Open returns a new fd for path, or -1 on failure.
func (d *DriveLayer) Open(path string, mode vfs.Mode) int {
	switch d.Kind {
	case KindMemory:
		return d.store.Open(path, mode)
	case KindPackage:
		if mode != vfs.ModeRead {
			return -1
		}
		if data, ok := d.packageLookup(path); ok {
			d.store.AddFile(path, data)
		} else {
			return -1
		}
		return d.store.Open(path, vfs.ModeRead)
	case KindOverlay:
		path = vfs.Clean(path)
		if mode == vfs.ModeRead {
			if d.tombstone[path] {
				return -1
			}
			if d.top.Exists(path) {
				return d.top.Open(path, mode)
			}
			return d.base.Open(path, mode)
		}
		delete(d.tombstone, path)
		if !d.top.Exists(path) && d.base.Exists(path) {
			if data, ok := d.base.GetFile(path); ok {
				d.top.AddFile(path, data)
			}
		}
		return d.top.Open(path, mode)
	case KindMerged:
		path = vfs.Clean(path)
		if mode == vfs.ModeRead {
			for _, l := range d.layers {
				if l.Exists(path) {
					return l.Open(path, mode)
				}
			}
			return -1
		}
		for _, l := range d.layers {
			if l.writable() {
				return l.Open(path, mode)
			}
		}
		return -1
	}
	return -1
}

func (d *DriveLayer) writable() bool {
	return d.Kind != KindPackage
}

// Close releases an fd.
func (d *DriveLayer) Close(fd int) bool {
	switch d.Kind {
	case KindMemory, KindPackage:
		return d.store.Close(fd)
	case KindOverlay:
		return d.top.Close(fd) || d.base.Close(fd)
	case KindMerged:
		ok := false
		for _, l := range d.layers {
			ok = l.Close(fd) || ok
		}
		return ok
	}
	return false
}

// CloseAll releases every open fd across this layer.
func (d *DriveLayer) CloseAll() error {
	switch d.Kind {
	case KindMemory, KindPackage:
		return d.store.CloseAll()
	case KindOverlay:
		if err := d.top.CloseAll(); err != nil {
			return err
		}
		return d.base.CloseAll()
	case KindMerged:
		for _, l := range d.layers {
			if err := l.CloseAll(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Read reads from fd at off.
func (d *DriveLayer) Read(fd int, buf []byte, off int64) int {
	switch d.Kind {
	case KindMemory, KindPackage:
		return d.store.Read(fd, buf, off)
	case KindOverlay:
		if n := d.top.Read(fd, buf, off); n > 0 {
			return n
		}
		return d.base.Read(fd, buf, off)
	case KindMerged:
		for _, l := range d.layers {
			if n := l.Read(fd, buf, off); n > 0 {
				return n
			}
		}
	}
	return 0
}

// Write writes to fd at off.
func (d *DriveLayer) Write(fd int, buf []byte, off int64) int {
	switch d.Kind {
	case KindMemory:
		return d.store.Write(fd, buf, off)
	case KindPackage:
		return 0
	case KindOverlay:
		return d.top.Write(fd, buf, off)
	case KindMerged:
		for _, l := range d.layers {
			if l.writable() {
				return l.Write(fd, buf, off)
			}
		}
	}
	return 0
}

// Stat reports the size of path.
func (d *DriveLayer) Stat(path string) (vfs.Stat, bool) {
	switch d.Kind {
	case KindMemory:
		return d.store.Stat(path)
	case KindPackage:
		if data, ok := d.packageLookup(path); ok {
			return vfs.Stat{Size: int64(len(data))}, true
		}
		return vfs.Stat{}, false
	case KindOverlay:
		path = vfs.Clean(path)
		if d.tombstone[path] {
			return vfs.Stat{}, false
		}
		if st, ok := d.top.Stat(path); ok {
			return st, true
		}
		return d.base.Stat(path)
	case KindMerged:
		for _, l := range d.layers {
			if st, ok := l.Stat(path); ok {
				return st, true
			}
		}
	}
	return vfs.Stat{}, false
}

// Unlink removes path.
func (d *DriveLayer) Unlink(path string) bool {
	switch d.Kind {
	case KindMemory:
		return d.store.Unlink(path)
	case KindPackage:
		return false
	case KindOverlay:
		path = vfs.Clean(path)
		existed := d.Exists(path)
		d.top.Unlink(path)
		d.tombstone[path] = true
		return existed
	case KindMerged:
		ok := false
		for _, l := range d.layers {
			ok = l.Unlink(path) || ok
		}
		return ok
	}
	return false
}

// Rename moves oldPath to newPath.
func (d *DriveLayer) Rename(oldPath, newPath string) bool {
	switch d.Kind {
	case KindMemory:
		return d.store.Rename(oldPath, newPath)
	case KindPackage:
		return false
	case KindOverlay:
		if data, ok := d.base.GetFile(oldPath); ok && !d.top.Exists(oldPath) {
			d.top.AddFile(oldPath, data)
		}
		return d.top.Rename(oldPath, newPath)
	case KindMerged:
		for _, l := range d.layers {
			if l.writable() && l.Exists(oldPath) {
				return l.Rename(oldPath, newPath)
			}
		}
	}
	return false
}

// Readdir lists the direct children of path.
func (d *DriveLayer) Readdir(path string) []string {
	switch d.Kind {
	case KindMemory:
		return d.store.Readdir(path)
	case KindPackage:
		seen := map[string]bool{}
		var out []string
		prefix := vfs.Clean(path)
		if prefix != "/" {
			prefix += "/"
		}
		for _, pkg := range d.packages {
			for name := range pkg {
				full := vfs.Clean("/" + name)
				if strings.HasPrefix(full, prefix) {
					rest := full[len(prefix):]
					if rest != "" && !strings.Contains(rest, "/") && !seen[rest] {
						seen[rest] = true
						out = append(out, rest)
					}
				}
			}
		}
		sort.Strings(out)
		return out
	case KindOverlay:
		seen := map[string]bool{}
		var out []string
		for _, n := range d.base.Readdir(path) {
			full := joinPath(path, n)
			if !d.tombstone[full] && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
		for _, n := range d.top.Readdir(path) {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
		sort.Strings(out)
		return out
	case KindMerged:
		seen := map[string]bool{}
		var out []string
		for _, l := range d.layers {
			for _, n := range l.Readdir(path) {
				if !seen[n] {
					seen[n] = true
					out = append(out, n)
				}
			}
		}
		sort.Strings(out)
		return out
	}
	return nil
}

func joinPath(dir, name string) string {
	dir = vfs.Clean(dir)
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// Exists reports whether path resolves to content.
func (d *DriveLayer) Exists(path string) bool {
	switch d.Kind {
	case KindMemory:
		return d.store.Exists(path)
	case KindPackage:
		_, ok := d.packageLookup(path)
		return ok
	case KindOverlay:
		path = vfs.Clean(path)
		if d.tombstone[path] {
			return d.top.Exists(path)
		}
		return d.top.Exists(path) || d.base.Exists(path)
	case KindMerged:
		for _, l := range d.layers {
			if l.Exists(path) {
				return true
			}
		}
	}
	return false
}

// AddFile installs static content at path directly (used for seeding
// drives with test fixtures or pre-populated files).
func (d *DriveLayer) AddFile(path string, data []byte) {
	switch d.Kind {
	case KindMemory:
		d.store.AddFile(path, data)
	case KindPackage:
		d.store.AddFile(path, data)
	case KindOverlay:
		d.top.AddFile(path, data)
		delete(d.tombstone, vfs.Clean(path))
	case KindMerged:
		if len(d.layers) > 0 {
			d.layers[0].AddFile(path, data)
		}
	}
}

// GetFile returns the current content at path.
func (d *DriveLayer) GetFile(path string) ([]byte, bool) {
	switch d.Kind {
	case KindMemory:
		return d.store.GetFile(path)
	case KindPackage:
		return d.packageLookup(path)
	case KindOverlay:
		path = vfs.Clean(path)
		if d.tombstone[path] {
			return nil, false
		}
		if data, ok := d.top.GetFile(path); ok {
			return data, true
		}
		return d.base.GetFile(path)
	case KindMerged:
		for _, l := range d.layers {
			if data, ok := l.GetFile(path); ok {
				return data, true
			}
		}
	}
	return nil, false
}

// ListAll returns every known path under this layer.
func (d *DriveLayer) ListAll() []string {
	switch d.Kind {
	case KindMemory:
		return d.store.ListAll()
	case KindPackage:
		seen := map[string]bool{}
		var out []string
		for _, pkg := range d.packages {
			for name := range pkg {
				p := vfs.Clean("/" + name)
				if !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
			}
		}
		return out
	case KindOverlay:
		seen := map[string]bool{}
		var out []string
		for _, p := range d.base.ListAll() {
			if !d.tombstone[p] && !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
		for _, p := range d.top.ListAll() {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
		return out
	case KindMerged:
		seen := map[string]bool{}
		var out []string
		for _, l := range d.layers {
			for _, p := range l.ListAll() {
				if !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
			}
		}
		return out
	}
	return nil
}

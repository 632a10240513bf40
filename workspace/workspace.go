// Package workspace maps CP/M drive letters onto drive.DriveLayer
// values and exposes the result as a single, unified
// vfs.VirtualFilesystem addressed by "/<letter>/<name>" paths, which
// is the view the personality core actually issues file operations
// against.
package workspace

import (
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/skx/cpmulator-go/drive"
	"github.com/skx/cpmulator-go/vfs"
)

// Workspace owns the drive-letter -> DriveLayer mapping plus the
// current drive and user numbers a running Personality consults.
type Workspace struct {
	drives       map[byte]*drive.DriveLayer
	currentDrive uint8
	userNumber   uint8
}

// New returns an empty Workspace.
func New() *Workspace {
	return &Workspace{drives: make(map[byte]*drive.DriveLayer)}
}

// Mount attaches a DriveLayer under the given letter ('A'..'P').
func (w *Workspace) Mount(letter byte, d *drive.DriveLayer) {
	w.drives[upper(letter)] = d
}

// Drive returns the DriveLayer mounted at letter, if any.
func (w *Workspace) Drive(letter byte) (*drive.DriveLayer, bool) {
	d, ok := w.drives[upper(letter)]
	return d, ok
}

// Mounted reports the set of letters with a mounted DriveLayer.
func (w *Workspace) Mounted() []byte {
	var out []byte
	for l := range w.drives {
		out = append(out, l)
	}
	return out
}

// CurrentDrive returns the active drive number (0=A..15=P).
func (w *Workspace) CurrentDrive() uint8 { return w.currentDrive }

// SetCurrentDrive sets the active drive number.
func (w *Workspace) SetCurrentDrive(n uint8) { w.currentDrive = n }

// UserNumber returns the active user number (0..15).
func (w *Workspace) UserNumber() uint8 { return w.userNumber }

// SetUserNumber sets the active user number, masked to 4 bits.
func (w *Workspace) SetUserNumber(n uint8) { w.userNumber = n & 0x0F }

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

// Path builds the unified "/<letter>/<name>" path for a drive number
// (0=A..15=P) and an 8.3 filename.
func Path(driveNum uint8, name string) string {
	letter := byte('A' + driveNum)
	return vfs.Clean("/" + string(letter) + "/" + strings.TrimPrefix(name, "/"))
}

func (w *Workspace) driveFor(path string) (*drive.DriveLayer, bool) {
	path = vfs.Clean(path)
	if len(path) < 2 {
		return nil, false
	}
	letter := path[1]
	return w.Drive(letter)
}

// VFS returns a vfs.VirtualFilesystem view over the whole workspace,
// routing each call to the DriveLayer implied by the path's leading
// "/<letter>/" segment.
func (w *Workspace) VFS() vfs.VirtualFilesystem {
	return (*workspaceVFS)(w)
}

type workspaceVFS Workspace

func (w *workspaceVFS) ws() *Workspace { return (*Workspace)(w) }

func (w *workspaceVFS) Open(path string, mode vfs.Mode) int {
	d, ok := w.ws().driveFor(path)
	if !ok {
		return -1
	}
	return d.Open(path, mode)
}

func (w *workspaceVFS) Close(fd int) bool {
	for _, d := range w.ws().drives {
		if d.Close(fd) {
			return true
		}
	}
	return false
}

func (w *workspaceVFS) CloseAll() error {
	var result error
	for _, d := range w.ws().drives {
		if err := d.CloseAll(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

func (w *workspaceVFS) Read(fd int, buf []byte, off int64) int {
	for _, d := range w.ws().drives {
		if n := d.Read(fd, buf, off); n > 0 {
			return n
		}
	}
	return 0
}

func (w *workspaceVFS) Write(fd int, buf []byte, off int64) int {
	for _, d := range w.ws().drives {
		if n := d.Write(fd, buf, off); n > 0 {
			return n
		}
	}
	return 0
}

func (w *workspaceVFS) Stat(path string) (vfs.Stat, bool) {
	d, ok := w.ws().driveFor(path)
	if !ok {
		return vfs.Stat{}, false
	}
	return d.Stat(path)
}

func (w *workspaceVFS) Unlink(path string) bool {
	d, ok := w.ws().driveFor(path)
	if !ok {
		return false
	}
	return d.Unlink(path)
}

func (w *workspaceVFS) Rename(oldPath, newPath string) bool {
	d, ok := w.ws().driveFor(oldPath)
	if !ok {
		return false
	}
	return d.Rename(oldPath, newPath)
}

func (w *workspaceVFS) Readdir(path string) []string {
	d, ok := w.ws().driveFor(path)
	if !ok {
		return nil
	}
	return d.Readdir(path)
}

func (w *workspaceVFS) Exists(path string) bool {
	d, ok := w.ws().driveFor(path)
	if !ok {
		return false
	}
	return d.Exists(path)
}

func (w *workspaceVFS) AddFile(path string, data []byte) {
	if d, ok := w.ws().driveFor(path); ok {
		d.AddFile(path, data)
	}
}

func (w *workspaceVFS) GetFile(path string) ([]byte, bool) {
	if d, ok := w.ws().driveFor(path); ok {
		return d.GetFile(path)
	}
	return nil, false
}

func (w *workspaceVFS) ListAll() []string {
	var out []string
	for _, d := range w.ws().drives {
		out = append(out, d.ListAll()...)
	}
	return out
}

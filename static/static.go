// Package static is a small in-memory filesystem of bundled CP/M
// binaries that ship alongside the emulator, surfaced as a "package"
// drive layer.
//
// The original generation-zero teacher used go:embed against files
// that are not present in this retrieval; since there is nothing to
// embed we hold the same content in memory instead, populated by
// Register/LoadDir at start-of-day, and seed it with one placeholder
// binary so the drive is never empty.
package static

import (
	"os"
	"path/filepath"
	"strings"
	"testing/fstest"
)

var content = fstest.MapFS{}

// Register adds a single file, addressed by its full path within the
// static filesystem (e.g. "A/HELLO.COM"), to the bundled content.
func Register(name string, data []byte) {
	content[name] = &fstest.MapFile{Data: data}
}

// LoadDir walks a directory on the host filesystem and registers
// every file found under it, preserving its relative path.
func LoadDir(hostDir string) error {
	return filepath.Walk(hostDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		Register(filepath.ToSlash(rel), data)
		return nil
	})
}

// GetContent returns the bundled static filesystem.
func GetContent() fstest.MapFS {
	return content
}

func init() {
	Register("A/HELLO.COM", placeholderCOM("cpmulator-go$"))
}

// placeholderCOM synthesizes a trivial CP/M transient program: print
// a banner via BDOS function 9, then warm-boot.
func placeholderCOM(banner string) []byte {
	if !strings.HasSuffix(banner, "$") {
		banner += "$"
	}
	prog := []uint8{
		0x11, 0x0B, 0x01, // LXI D, msg (0x0100 + 11)
		0x0E, 0x09, // MVI C, 9
		0xCD, 0x05, 0x00, // CALL 0x0005
		0xC3, 0x00, 0x00, // JMP 0x0000
	}
	return append(prog, []byte(banner)...)
}

// Package ccp holds the resident command processors ("shells") that
// are copied above the transient program area, at 0xDE00, and given
// control on warm boot.
//
// CCP images are binary CP/M executables; this package does not ship
// them (they have no textual source to retrieve) but exposes a small
// registry that a host can populate at start-of-day via Register or
// LoadFile, seeded with two placeholder flavours so the emulator has
// something runnable out of the box.
package ccp

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Flavour contains details about a possible CCP the user might run.
type Flavour struct {
	// Name contains the public-facing name of the CCP.
	//
	// NOTE: This name is visible to end-users, and will be used in the "-ccp" command-line flag,
	// or as the name when changing at run-time via the "A:!CCP.COM" binary.
	Name string

	// Description contains the description of the CCP.
	Description string

	// Bytes contains the raw binary content.
	Bytes []uint8

	// Start specifies the memory-address, within RAM, to which the raw bytes should be loaded and to which control should be passed.
	//
	// (i.e. This must match the ORG specified in the CCP source code.)
	Start uint16
}

var (
	mu sync.Mutex

	// ccps contains the global array of the CCP variants we have.
	ccps []Flavour
)

// Register adds, or replaces, a named CCP flavour. Hosts call this at
// startup to supply real CCP images; it is also how LoadFile and our
// own init-time placeholder get installed.
func Register(name, description string, start uint16, data []uint8) {
	mu.Lock()
	defer mu.Unlock()

	for i := range ccps {
		if ccps[i].Name == name {
			ccps[i] = Flavour{Name: name, Description: description, Start: start, Bytes: data}
			return
		}
	}
	ccps = append(ccps, Flavour{Name: name, Description: description, Start: start, Bytes: data})
}

// LoadFile reads a CCP binary image from disk and registers it.
func LoadFile(name, description string, start uint16, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read CCP image %s: %w", path, err)
	}
	Register(name, description, start, data)
	return nil
}

// placeholderCCP synthesizes a minimal resident image: a tight loop
// that issues BDOS function 9 (print string) against a banner, then
// jumps to the warm-boot vector. It exists only so the emulator has a
// runnable default shell when no real CCP image has been supplied.
func placeholderCCP(start uint16, banner string) []uint8 {
	const imageSize = 2048

	msg := append([]byte(banner), '$')
	msgAddr := start + 11

	prog := []uint8{
		0x11, uint8(msgAddr), uint8(msgAddr >> 8), // LXI D, msg (offset 11 within this image)
		0x0E, 0x09, // MVI C, 9
		0xCD, 0x05, 0x00, // CALL 0x0005
		0xC3, 0x00, 0x00, // JMP 0x0000
	}

	out := make([]uint8, 0, imageSize)
	out = append(out, prog...)
	out = append(out, msg...)
	for len(out) < imageSize {
		out = append(out, 0x00)
	}
	return out
}

func init() {
	Register("ccp", "CP/M v2.2 resident placeholder", 0xDE00, placeholderCCP(0xDE00, "cpmulator-go CCP\r\n"))
	Register("ccpz", "CCPZ-style resident placeholder", 0xDE00, placeholderCCP(0xDE00, "cpmulator-go CCPZ\r\n"))
}

// GetAll returns the details of all known CCPs we have registered.
func GetAll() []Flavour {
	mu.Lock()
	defer mu.Unlock()
	out := make([]Flavour, len(ccps))
	copy(out, ccps)
	return out
}

// Get returns the CCP version specified, by name, if it exists.
//
// If the given name is invalid then an error will be returned instead.
func Get(name string) (Flavour, error) {
	mu.Lock()
	defer mu.Unlock()

	valid := []string{}

	for _, ent := range ccps {

		// When changing at runtime, via "CCP.COM", we will have had
		// the name upper-cased by the CCP so we need to downcase here.
		if strings.ToLower(name) == ent.Name {
			return ent, nil
		}
		valid = append(valid, ent.Name)
	}

	return Flavour{}, fmt.Errorf("ccp %s not found - valid choices are: %s", name, strings.Join(valid, ","))
}

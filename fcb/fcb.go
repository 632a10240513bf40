// Package fcb contains helpers for reading, writing, and working with
// the CP/M File Control Block structure.
//
// An FCB is not a detached value: it is a 33-byte view over a live
// address range inside a *memory.Memory, exactly as the guest programs
// see it. Mutating an FCB through its accessors mutates that memory
// directly.
package fcb

import (
	"strings"
)

// SIZE is the number of bytes a single FCB occupies.
const SIZE = 36

// field offsets, relative to the FCB's base address.
const (
	offDrive  = 0
	offName   = 1
	offType   = 9
	offEx     = 12
	offS1     = 13
	offS2     = 14
	offRC     = 15
	offFd     = 16
	offFdSig  = 18
	offCr     = 32
	offRandom = 33
)

// fdSignature is XORed with the stashed host file-descriptor so that an
// FCB a guest program has copied, zeroed, or reconstructed by hand is
// never mistaken for one this personality actually opened.
const fdSignature = 0xBEEF

// Accessor is a view over a 33(+)-byte FCB resident in memory.
type Accessor interface {
	Get(addr uint16) uint8
	Set(addr uint16, value uint8)
	GetU16(addr uint16) uint16
	SetU16(addr uint16, value uint16)
	GetRange(addr uint16, size int) []uint8
	SetRange(addr uint16, data ...uint8)
}

// FCB is a typed view over a resident, 33-byte CP/M file control block.
type FCB struct {
	mem  Accessor
	base uint16
}

// New returns a view over the FCB resident at the given base address.
func New(mem Accessor, base uint16) *FCB {
	return &FCB{mem: mem, base: base}
}

// Base returns the address this view is anchored at.
func (f *FCB) Base() uint16 { return f.base }

// Drive returns the raw drive byte (0=current, 1..16=A..P, 0x3F=wildcard).
func (f *FCB) Drive() uint8 { return f.mem.Get(f.base + offDrive) }

// SetDrive sets the raw drive byte.
func (f *FCB) SetDrive(v uint8) { f.mem.Set(f.base+offDrive, v) }

// RawName returns the 8 raw name bytes, preserving '?' wildcard bytes
// and the high bit guests sometimes set as a flag.
func (f *FCB) RawName() []uint8 {
	raw := f.mem.GetRange(f.base+offName, 8)
	for i, b := range raw {
		raw[i] = b & 0x7F
	}
	return raw
}

// RawType returns the 3 raw extension bytes, high bit masked.
func (f *FCB) RawType() []uint8 {
	raw := f.mem.GetRange(f.base+offType, 3)
	for i, b := range raw {
		raw[i] = b & 0x7F
	}
	return raw
}

// Name returns the trimmed, upper-cased 8-character name component.
func (f *FCB) Name() string {
	return strings.ToUpper(strings.TrimRight(string(f.RawName()), " "))
}

// Type returns the trimmed, upper-cased 3-character extension component.
func (f *FCB) Type() string {
	return strings.ToUpper(strings.TrimRight(string(f.RawType()), " "))
}

// Filename assembles "NAME.TYPE", upper-cased, with no trailing spaces
// and no dot when the type is empty.
func (f *FCB) Filename() string {
	name := f.Name()
	typ := f.Type()
	if typ == "" {
		return name
	}
	return name + "." + typ
}

// Ex returns the extent number, 0..31.
func (f *FCB) Ex() uint8 { return f.mem.Get(f.base + offEx) }

// SetEx sets the extent number.
func (f *FCB) SetEx(v uint8) { f.mem.Set(f.base+offEx, v) }

// S2 returns the high-extent byte, 0..16.
func (f *FCB) S2() uint8 { return f.mem.Get(f.base + offS2) }

// SetS2 sets the high-extent byte.
func (f *FCB) SetS2(v uint8) { f.mem.Set(f.base+offS2, v) }

// RC returns the record-count-in-extent byte.
func (f *FCB) RC() uint8 { return f.mem.Get(f.base + offRC) }

// SetRC sets the record-count-in-extent byte.
func (f *FCB) SetRC(v uint8) { f.mem.Set(f.base+offRC, v) }

// Cr returns the current-record-within-extent byte, 0..127.
func (f *FCB) Cr() uint8 { return f.mem.Get(f.base + offCr) }

// SetCr sets the current-record-within-extent byte.
func (f *FCB) SetCr(v uint8) { f.mem.Set(f.base+offCr, v) }

// CurrentRecord returns the 24-bit record index BDOS exposes, derived
// from (s2, ex, cr) as s2<<12 | ex<<7 | cr.
func (f *FCB) CurrentRecord() uint32 {
	s2 := uint32(f.S2())
	ex := uint32(f.Ex())
	cr := uint32(f.Cr())
	return s2<<12 | ex<<7 | cr
}

// SetCurrentRecord splits a 24-bit record index back into (s2, ex, cr).
func (f *FCB) SetCurrentRecord(v uint32) {
	f.SetCr(uint8(v & 0x7F))
	f.SetEx(uint8((v >> 7) & 0x1F))
	f.SetS2(uint8((v >> 12) & 0x1F))
}

// GetSequentialOffset returns the byte offset of the current 128-byte
// record, i.e. CurrentRecord()*128.
func (f *FCB) GetSequentialOffset() int64 {
	return int64(f.CurrentRecord()) * 128
}

// RandomRecord returns the 24-bit random-record index stored at 33..35
// (low 16 bits primary, high byte saturating extension).
func (f *FCB) RandomRecord() uint32 {
	lo := uint32(f.mem.GetU16(f.base + offRandom))
	hi := uint32(f.mem.Get(f.base + offRandom + 2))
	return hi<<16 | lo
}

// SetRandomRecord stores a 24-bit random-record index.
func (f *FCB) SetRandomRecord(v uint32) {
	f.mem.SetU16(f.base+offRandom, uint16(v&0xFFFF))
	f.mem.Set(f.base+offRandom+2, uint8((v>>16)&0xFF))
}

// GetRandomOffset returns the byte offset implied by the random-record
// field.
func (f *FCB) GetRandomOffset() int64 {
	return int64(f.RandomRecord()) * 128
}

// Fd returns the stashed host file descriptor and whether its XOR
// signature is valid.
func (f *FCB) Fd() (uint16, bool) {
	fd := f.mem.GetU16(f.base + offFd)
	sig := f.mem.GetU16(f.base + offFdSig)
	return fd, sig == fd^fdSignature
}

// HasValidFd reports whether this FCB carries a signed, stashed fd.
func (f *FCB) HasValidFd() bool {
	_, ok := f.Fd()
	return ok
}

// SetFd stashes a host file descriptor along with its XOR signature.
// Stashing fd 0 clears the slot, matching guest expectations that a
// freshly-zeroed FCB has no open file.
func (f *FCB) SetFd(fd uint16) {
	if fd == 0 {
		f.ClearFd()
		return
	}
	f.mem.SetU16(f.base+offFd, fd)
	f.mem.SetU16(f.base+offFdSig, fd^fdSignature)
}

// ClearFd clears the fd stash.
func (f *FCB) ClearFd() {
	f.mem.SetU16(f.base+offFd, 0)
	f.mem.SetU16(f.base+offFdSig, 0)
}

// Blank zeroes the drive byte and fills name/type with spaces, the
// canonical "empty" FCB state.
func (f *FCB) Blank() {
	f.SetDrive(0x00)
	f.mem.SetRange(f.base+offName, bytesOf(' ', 8)...)
	f.mem.SetRange(f.base+offType, bytesOf(' ', 3)...)
	f.SetEx(0)
	f.SetS2(0)
	f.SetRC(0)
	f.SetCr(0)
	f.ClearFd()
	f.SetRandomRecord(0)
}

// DoesMatch reports whether this FCB's raw name/type (used as a search
// pattern, '?' matching any byte) matches the given 8.3 filename.
func (f *FCB) DoesMatch(filename string) bool {
	name, typ := split83(filename)
	return matchField(f.RawName(), name) && matchField(f.RawType(), typ)
}

func matchField(pattern []uint8, value string) bool {
	padded := []byte(value)
	for len(padded) < len(pattern) {
		padded = append(padded, ' ')
	}
	for i, p := range pattern {
		if p == '?' {
			continue
		}
		if i >= len(padded) {
			return false
		}
		if toUpperByte(p) != toUpperByte(padded[i]) {
			return false
		}
	}
	return true
}

func toUpperByte(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

func split83(filename string) (string, string) {
	filename = strings.ToUpper(filename)
	parts := strings.SplitN(filename, ".", 2)
	name := parts[0]
	typ := ""
	if len(parts) == 2 {
		typ = parts[1]
	}
	for len(name) < 8 {
		name += " "
	}
	for len(typ) < 3 {
		typ += " "
	}
	return name[:8], typ[:3]
}

func bytesOf(b byte, n int) []uint8 {
	r := make([]uint8, n)
	for i := range r {
		r[i] = b
	}
	return r
}

// FromCommandArg parses a command-line style argument ("X:NAME.TYP",
// with '*' expanding to a run of '?') into 11 packed 8.3 bytes suitable
// for writing at an FCB's name/type offset, plus the parsed drive byte.
func FromCommandArg(arg string) (drive uint8, name [8]byte, typ [3]byte) {
	arg = strings.ToUpper(strings.TrimSpace(arg))

	if len(arg) > 1 && arg[1] == ':' {
		drive = arg[0] - 'A' + 1
		arg = arg[2:]
	}

	parts := strings.SplitN(arg, ".", 2)
	nameStr := expandStar(parts[0], 8)
	typStr := ""
	if len(parts) == 2 {
		typStr = expandStar(parts[1], 3)
	}

	for i := range name {
		name[i] = ' '
	}
	for i := range typ {
		typ[i] = ' '
	}
	copy(name[:], nameStr)
	copy(typ[:], typStr)

	return drive, name, typ
}

func expandStar(s string, width int) string {
	if strings.Contains(s, "*") {
		idx := strings.IndexByte(s, '*')
		prefix := s[:idx]
		out := prefix
		for len(out) < width {
			out += "?"
		}
		return out
	}
	return s
}

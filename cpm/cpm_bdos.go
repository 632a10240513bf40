// This file implements the BDOS functions reachable through CALL 5,
// dispatched by the C register. Numbering follows the classic CP/M
// 2.2 assignment documented at https://www.seasip.info/Cpm/bdos.html.
package cpm

import (
	"sort"
	"strings"
	"time"

	"github.com/skx/cpmulator-go/fcb"
	"github.com/skx/cpmulator-go/vfs"
	"github.com/skx/cpmulator-go/workspace"
)

// recordSize is the size, in bytes, of one CP/M logical record.
const recordSize = 128

func newBDOSTable() map[uint8]Syscall {
	return map[uint8]Syscall{
		0:  {Desc: "P_TERMCPM", Handler: bdosSysCallExit},
		1:  {Desc: "C_READ", Handler: bdosSysCallReadChar},
		2:  {Desc: "C_WRITE", Handler: bdosSysCallWriteChar},
		5:  {Desc: "L_WRITE", Handler: bdosSysCallPrintChar},
		6:  {Desc: "C_RAWIO", Handler: bdosSysCallRawIO},
		9:  {Desc: "C_WRITESTRING", Handler: bdosSysCallWriteString},
		10: {Desc: "C_READSTRING", Handler: bdosSysCallReadString},
		11: {Desc: "C_STAT", Handler: bdosSysCallConsoleStatus},
		12: {Desc: "S_BDOSVER", Handler: bdosSysCallBDOSVersion},
		13: {Desc: "DRV_ALLRESET", Handler: bdosSysCallDriveAllReset},
		14: {Desc: "DRV_SET", Handler: bdosSysCallDriveSet},
		15: {Desc: "F_OPEN", Handler: bdosSysCallFileOpen},
		16: {Desc: "F_CLOSE", Handler: bdosSysCallFileClose},
		17: {Desc: "F_SFIRST", Handler: bdosSysCallFindFirst},
		18: {Desc: "F_SNEXT", Handler: bdosSysCallFindNext},
		19: {Desc: "F_DELETE", Handler: bdosSysCallDeleteFile},
		20: {Desc: "F_READ", Handler: bdosSysCallRead},
		21: {Desc: "F_WRITE", Handler: bdosSysCallWrite},
		22: {Desc: "F_MAKE", Handler: bdosSysCallMakeFile},
		23: {Desc: "F_RENAME", Handler: bdosSysCallRenameFile},
		24: {Desc: "DRV_LOGINVEC", Handler: bdosSysCallLoginVec},
		25: {Desc: "DRV_GET", Handler: bdosSysCallDriveGet},
		26: {Desc: "F_DMAOFF", Handler: bdosSysCallSetDMA},
		27: {Desc: "DRV_ALLOCVEC", Handler: bdosSysCallZeroHL},
		29: {Desc: "DRV_SETRO", Handler: bdosSysCallZeroHL},
		31: {Desc: "DRV_DPB", Handler: bdosSysCallZeroHL},
		32: {Desc: "F_USERNUM", Handler: bdosSysCallUserNumber},
		33: {Desc: "F_READRAND", Handler: bdosSysCallReadRand},
		34: {Desc: "F_WRITERAND", Handler: bdosSysCallWriteRand},
		35: {Desc: "F_SIZE", Handler: bdosSysCallFileSize},
		36: {Desc: "F_RANDREC", Handler: bdosSysCallSetRandomRecord},
	}
}

func (cpm *CPM) zeroResult() {
	cpm.CPU.States.HL.Hi = 0x00
	cpm.CPU.States.HL.Lo = 0x00
	cpm.CPU.States.BC.Hi = 0x00
	cpm.CPU.States.AF.Hi = 0x00
}

func (cpm *CPM) resultCode(code uint8) {
	cpm.CPU.States.HL.Hi = 0x00
	cpm.CPU.States.HL.Lo = code
	cpm.CPU.States.BC.Hi = 0x00
	cpm.CPU.States.AF.Hi = code
}

func bdosSysCallExit(cpm *CPM) error {
	return ErrExit
}

// bdosSysCallReadChar blocks for one character and echoes it.
func bdosSysCallReadChar(cpm *CPM) error {
	c, err := cpm.input.BlockForCharacterNoEcho()
	if err != nil {
		return err
	}
	cpm.output.PutCharacter(c)
	cpm.CPU.States.HL.Hi = 0x00
	cpm.CPU.States.HL.Lo = 0x00
	cpm.CPU.States.BC.Hi = 0x00
	cpm.CPU.States.AF.Hi = c
	return nil
}

// bdosSysCallWriteChar writes the character in E to the console.
func bdosSysCallWriteChar(cpm *CPM) error {
	cpm.output.PutCharacter(cpm.CPU.States.DE.Lo)
	cpm.zeroResult()
	return nil
}

// bdosSysCallPrintChar writes the character in E to the printer.
func bdosSysCallPrintChar(cpm *CPM) error {
	err := cpm.prnC(cpm.CPU.States.DE.Lo)
	cpm.zeroResult()
	return err
}

// bdosSysCallRawIO multiplexes direct console I/O on E: 0xFF is a
// non-blocking read (A=char, or 0 if none pending), 0xFE reports
// status only (A=0xFF if a character is ready, else 0), 0xFD blocks for
// a character without echoing it, and any other value is written
// verbatim to the console.
func bdosSysCallRawIO(cpm *CPM) error {
	switch cpm.CPU.States.DE.Lo {
	case 0xFF:
		if cpm.input.PendingInput() {
			cpm.idlePolls = 0
			c, err := cpm.input.BlockForCharacterNoEcho()
			if err != nil {
				return err
			}
			cpm.CPU.States.AF.Hi = c
			return nil
		}
		cpm.throttleIdlePoll()
		cpm.CPU.States.AF.Hi = 0x00
		return nil
	case 0xFE:
		if cpm.input.PendingInput() {
			cpm.CPU.States.AF.Hi = 0xFF
		} else {
			cpm.CPU.States.AF.Hi = 0x00
		}
		return nil
	case 0xFD:
		cpm.idlePolls = 0
		c, err := cpm.input.BlockForCharacterNoEcho()
		if err != nil {
			return err
		}
		cpm.CPU.States.AF.Hi = c
		return nil
	default:
		cpm.output.PutCharacter(cpm.CPU.States.DE.Lo)
		cpm.zeroResult()
		return nil
	}
}

// throttleIdlePoll counts consecutive non-blocking polls that found no
// key available; after idleThrottleLimit in a row it yields briefly so
// a guest spin-loop does not burn a host CPU core.
func (cpm *CPM) throttleIdlePoll() {
	cpm.idlePolls++
	if cpm.idlePolls >= idleThrottleLimit {
		cpm.idlePolls = 0
		time.Sleep(16 * time.Millisecond)
	}
}

// bdosSysCallWriteString writes the $-terminated string pointed to by
// DE to the console.
func bdosSysCallWriteString(cpm *CPM) error {
	addr := cpm.CPU.States.DE.U16()
	c := cpm.Memory.Get(addr)
	for c != '$' {
		cpm.output.PutCharacter(c)
		addr++
		c = cpm.Memory.Get(addr)
	}
	cpm.zeroResult()
	return nil
}

// bdosSysCallReadString reads a buffered line of input into the
// console-buffer structure pointed to by DE: byte 0 is the max
// length, byte 1 receives the actual length read, and the text
// follows from byte 2. CR or LF ends the line; BS or DEL erases the
// last character (echoing BS, space, BS); other control characters
// are ignored.
func bdosSysCallReadString(cpm *CPM) error {
	addr := cpm.CPU.States.DE.U16()
	max := cpm.Memory.Get(addr)

	var line []byte
	for uint8(len(line)) < max {
		c, err := cpm.input.BlockForCharacterNoEcho()
		if err != nil {
			return err
		}
		if c == '\r' || c == '\n' {
			break
		}
		if c == 0x08 || c == 0x7F {
			if len(line) > 0 {
				line = line[:len(line)-1]
				cpm.output.PutCharacter('\b')
				cpm.output.PutCharacter(' ')
				cpm.output.PutCharacter('\b')
			}
			continue
		}
		if c < 0x20 {
			continue
		}
		cpm.output.PutCharacter(c)
		line = append(line, c)
	}

	cpm.Memory.Set(addr+1, uint8(len(line)))
	cpm.Memory.PutRange(addr+2, line...)
	cpm.zeroResult()
	return nil
}

// bdosSysCallConsoleStatus reports whether a character is waiting.
func bdosSysCallConsoleStatus(cpm *CPM) error {
	if cpm.input.PendingInput() {
		cpm.CPU.States.AF.Hi = 0xFF
	} else {
		cpm.CPU.States.AF.Hi = 0x00
	}
	return nil
}

// bdosSysCallBDOSVersion reports CP/M 2.2.
func bdosSysCallBDOSVersion(cpm *CPM) error {
	cpm.CPU.States.AF.Hi = 0x22
	cpm.CPU.States.AF.Lo = 0x00
	cpm.CPU.States.HL.Hi = 0x00
	cpm.CPU.States.HL.Lo = 0x22
	cpm.CPU.States.BC.Hi = 0x00
	return nil
}

// bdosSysCallDriveAllReset resets the current drive, user number, and
// DMA address to their defaults, and closes any files left open.
func bdosSysCallDriveAllReset(cpm *CPM) error {
	cpm.currentDrive = 0
	cpm.Workspace.SetCurrentDrive(0)
	cpm.userNumber = 0
	cpm.Workspace.SetUserNumber(0)
	cpm.dma = DefaultDMAAddress
	_ = cpm.Workspace.VFS().CloseAll()
	cpm.zeroResult()
	return nil
}

// bdosSysCallDriveSet selects the current drive, given in E (0 for A:
// up to 15 for P:). A mapped drive updates the current drive and the
// page-zero mirror at 0x0004; an unmapped one fails with A=0xFF and
// leaves the current drive untouched.
func bdosSysCallDriveSet(cpm *CPM) error {
	drive := cpm.CPU.States.DE.Lo & 0x0F
	letter := byte('A' + drive)
	if _, ok := cpm.Workspace.Drive(letter); !ok {
		cpm.resultCode(0xFF)
		return nil
	}
	cpm.currentDrive = drive
	cpm.Workspace.SetCurrentDrive(drive)
	cpm.Memory.Set(0x0004, drive)
	cpm.zeroResult()
	return nil
}

// bdosSysCallDriveGet returns the current drive number in A.
func bdosSysCallDriveGet(cpm *CPM) error {
	cpm.CPU.States.AF.Hi = cpm.currentDrive
	return nil
}

// bdosSysCallLoginVec returns a bitmask of mounted drives in HL, bit 0
// is A:.
func bdosSysCallLoginVec(cpm *CPM) error {
	var mask uint16
	for _, letter := range cpm.Workspace.Mounted() {
		mask |= 1 << uint16(letter-'A')
	}
	cpm.CPU.States.HL.SetU16(mask)
	return nil
}

// bdosSysCallUserNumber gets (E==0xFF) or sets the current user
// number, masked to 0..15.
func bdosSysCallUserNumber(cpm *CPM) error {
	e := cpm.CPU.States.DE.Lo
	if e == 0xFF {
		cpm.CPU.States.AF.Hi = cpm.userNumber
		return nil
	}
	cpm.userNumber = e & 0x0F
	cpm.Workspace.SetUserNumber(cpm.userNumber)
	cpm.zeroResult()
	return nil
}

// bdosSysCallSetDMA updates the DMA address used by block I/O.
func bdosSysCallSetDMA(cpm *CPM) error {
	cpm.dma = cpm.CPU.States.DE.U16()
	cpm.zeroResult()
	return nil
}

// bdosSysCallZeroHL satisfies the fake drive-table queries (allocation
// vector, read-only vector, DPB) that every drive in this emulator
// answers identically: there is no physical geometry to report.
func bdosSysCallZeroHL(cpm *CPM) error {
	cpm.CPU.States.HL.SetU16(0)
	return nil
}

// pathForFCB resolves the Workspace path an FCB's drive/name/type
// components address, applying the "0 means current drive" rule.
func (cpm *CPM) pathForFCB(f *fcb.FCB) string {
	driveNum := cpm.currentDrive
	if d := f.Drive(); d != 0 {
		driveNum = d - 1
	}
	return workspace.Path(driveNum, f.Filename())
}

// bdosSysCallFileOpen opens the file named by the FCB at DE, stashing
// the resulting descriptor and its guard signature back into the FCB.
func bdosSysCallFileOpen(cpm *CPM) error {
	f := fcb.New(cpm.Memory, cpm.CPU.States.DE.U16())
	path := cpm.pathForFCB(f)

	// ModeReadWrite would create a missing file; F_OPEN must not.
	if !cpm.Workspace.VFS().Exists(path) {
		cpm.resultCode(0xFF)
		return nil
	}

	fd := cpm.Workspace.VFS().Open(path, vfs.ModeReadWrite)
	if fd < 0 {
		cpm.resultCode(0xFF)
		return nil
	}

	f.SetFd(uint16(fd))
	f.SetEx(0)
	f.SetCr(0)
	st, _ := cpm.Workspace.VFS().Stat(path)
	f.SetRC(recordCountFor(st.Size, 0))

	cpm.resultCode(0x00)
	return nil
}

// bdosSysCallFileClose closes the file referenced by the FCB at DE.
func bdosSysCallFileClose(cpm *CPM) error {
	f := fcb.New(cpm.Memory, cpm.CPU.States.DE.U16())
	fd, ok := f.Fd()
	if !ok {
		cpm.resultCode(0xFF)
		return nil
	}
	cpm.Workspace.VFS().Close(int(fd))
	f.ClearFd()
	cpm.resultCode(0x00)
	return nil
}

// bdosSysCallFindFirst begins a wildcard directory search for the
// pattern in the FCB at DE, caching every match so F_SNEXT can page
// through them one at a time.
func bdosSysCallFindFirst(cpm *CPM) error {
	f := fcb.New(cpm.Memory, cpm.CPU.States.DE.U16())

	driveNum := cpm.currentDrive
	if d := f.Drive(); d != 0 && d != 0x3F {
		driveNum = d - 1
	}
	dir := workspace.Path(driveNum, "")

	var matches []string
	for _, name := range cpm.Workspace.VFS().Readdir(dir) {
		if f.DoesMatch(name) {
			matches = append(matches, name)
		}
	}
	sort.Strings(matches)

	cpm.find = findState{results: matches, offset: 0, drive: driveNum}
	return cpm.findNext(f)
}

// bdosSysCallFindNext returns the next match from the cached results
// built by F_SFIRST.
func bdosSysCallFindNext(cpm *CPM) error {
	f := fcb.New(cpm.Memory, cpm.CPU.States.DE.U16())
	return cpm.findNext(f)
}

func (cpm *CPM) findNext(f *fcb.FCB) error {
	if cpm.find.offset >= len(cpm.find.results) {
		cpm.resultCode(0xFF)
		return nil
	}
	name := cpm.find.results[cpm.find.offset]
	cpm.find.offset++

	dirName, dirType := splitNameType(name)

	// The first 32 bytes are the directory-entry slot CP/M expects,
	// cleared to zero; the rest of the DMA page is padded with the
	// "deleted" sentinel, matching a real directory sector.
	buf := make([]uint8, recordSize)
	for i := 32; i < recordSize; i++ {
		buf[i] = 0xE5
	}
	nameBytes := []byte(dirName)
	for len(nameBytes) < 8 {
		nameBytes = append(nameBytes, ' ')
	}
	typeBytes := []byte(dirType)
	for len(typeBytes) < 3 {
		typeBytes = append(typeBytes, ' ')
	}
	copy(buf[1:9], nameBytes)
	copy(buf[9:12], typeBytes)
	buf[12] = 0x00 // extent

	var size int64
	if st, ok := cpm.Workspace.VFS().Stat(workspace.Path(cpm.find.drive, name)); ok {
		size = st.Size
	}
	buf[15] = recordCountFor(size, 0)

	cpm.Memory.PutRange(cpm.dma, buf...)
	cpm.resultCode(0x00)
	return nil
}

func splitNameType(filename string) (string, string) {
	parts := strings.SplitN(filename, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

// bdosSysCallDeleteFile removes every file matching the FCB pattern at
// DE.
func bdosSysCallDeleteFile(cpm *CPM) error {
	f := fcb.New(cpm.Memory, cpm.CPU.States.DE.U16())
	driveNum := cpm.currentDrive
	if d := f.Drive(); d != 0 && d != 0x3F {
		driveNum = d - 1
	}
	dir := workspace.Path(driveNum, "")

	any := false
	for _, name := range cpm.Workspace.VFS().Readdir(dir) {
		if f.DoesMatch(name) {
			if cpm.Workspace.VFS().Unlink(workspace.Path(driveNum, name)) {
				any = true
			}
		}
	}
	if any {
		cpm.resultCode(0x00)
	} else {
		cpm.resultCode(0xFF)
	}
	return nil
}

// bdosSysCallMakeFile creates a new, empty file named by the FCB at
// DE, failing if it already exists.
func bdosSysCallMakeFile(cpm *CPM) error {
	f := fcb.New(cpm.Memory, cpm.CPU.States.DE.U16())
	path := cpm.pathForFCB(f)

	fd := cpm.Workspace.VFS().Open(path, vfs.ModeExclusive)
	if fd < 0 {
		cpm.resultCode(0xFF)
		return nil
	}
	f.SetFd(uint16(fd))
	f.SetEx(0)
	f.SetCr(0)
	f.SetRC(0)
	cpm.resultCode(0x00)
	return nil
}

// bdosSysCallRenameFile renames the file matched by the FCB at DE
// (name/type) to the name/type held in the second half of the same
// FCB structure (offsets 16..23), as CP/M packs both into one FCB for
// this call.
func bdosSysCallRenameFile(cpm *CPM) error {
	base := cpm.CPU.States.DE.U16()
	src := fcb.New(cpm.Memory, base)
	dst := fcb.New(cpm.Memory, base+16)

	srcPath := cpm.pathForFCB(src)
	dstPath := cpm.pathForFCB(dst)

	if cpm.Workspace.VFS().Rename(srcPath, dstPath) {
		cpm.resultCode(0x00)
	} else {
		cpm.resultCode(0xFF)
	}
	return nil
}

// bdosSysCallRead performs a sequential read of one 128-byte record
// at the FCB's current-record position into the DMA buffer. An FCB
// with no stashed fd is lazily opened read-only, since guest binaries
// that reconstruct or copy FCBs by hand rely on this rather than the
// strict CP/M A=9 rejection.
func bdosSysCallRead(cpm *CPM) error {
	f := fcb.New(cpm.Memory, cpm.CPU.States.DE.U16())
	fd, ok := f.Fd()
	if !ok {
		path := cpm.pathForFCB(f)
		opened := cpm.Workspace.VFS().Open(path, vfs.ModeRead)
		if opened < 0 {
			cpm.resultCode(0x09)
			return nil
		}
		f.SetFd(uint16(opened))
		fd = uint16(opened)
	}

	buf := make([]byte, recordSize)
	n := cpm.Workspace.VFS().Read(int(fd), buf, f.GetSequentialOffset())
	if n == 0 {
		cpm.resultCode(0x01)
		return nil
	}
	for i := n; i < recordSize; i++ {
		buf[i] = 0x1A
	}
	cpm.Memory.PutRange(cpm.dma, buf...)
	f.SetCurrentRecord(f.CurrentRecord() + 1)
	cpm.resultCode(0x00)
	return nil
}

// bdosSysCallWrite performs a sequential write of one 128-byte record
// from the DMA buffer to the FCB's current-record position. An FCB
// with no stashed fd is lazily opened read-write, creating the file
// if it doesn't already exist.
func bdosSysCallWrite(cpm *CPM) error {
	f := fcb.New(cpm.Memory, cpm.CPU.States.DE.U16())
	fd, ok := f.Fd()
	if !ok {
		path := cpm.pathForFCB(f)
		opened := cpm.Workspace.VFS().Open(path, vfs.ModeReadWrite)
		if opened < 0 {
			cpm.resultCode(0x09)
			return nil
		}
		f.SetFd(uint16(opened))
		fd = uint16(opened)
	}

	buf := cpm.Memory.GetRange(cpm.dma, recordSize)
	cpm.Workspace.VFS().Write(int(fd), buf, f.GetSequentialOffset())
	f.SetCurrentRecord(f.CurrentRecord() + 1)
	cpm.resultCode(0x00)
	return nil
}

// bdosSysCallReadRand reads the 128-byte record addressed by the
// FCB's random-record field into the DMA buffer.
func bdosSysCallReadRand(cpm *CPM) error {
	f := fcb.New(cpm.Memory, cpm.CPU.States.DE.U16())
	fd, ok := f.Fd()
	if !ok {
		cpm.resultCode(0x01)
		return nil
	}

	buf := make([]byte, recordSize)
	n := cpm.Workspace.VFS().Read(int(fd), buf, f.GetRandomOffset())
	if n == 0 {
		cpm.resultCode(0x01)
		return nil
	}
	for i := n; i < recordSize; i++ {
		buf[i] = 0x1A
	}
	cpm.Memory.PutRange(cpm.dma, buf...)
	f.SetCurrentRecord(f.RandomRecord())
	cpm.resultCode(0x00)
	return nil
}

// bdosSysCallWriteRand writes the DMA buffer to the 128-byte record
// addressed by the FCB's random-record field.
func bdosSysCallWriteRand(cpm *CPM) error {
	f := fcb.New(cpm.Memory, cpm.CPU.States.DE.U16())
	fd, ok := f.Fd()
	if !ok {
		cpm.resultCode(0x01)
		return nil
	}

	buf := cpm.Memory.GetRange(cpm.dma, recordSize)
	cpm.Workspace.VFS().Write(int(fd), buf, f.GetRandomOffset())
	f.SetCurrentRecord(f.RandomRecord())
	cpm.resultCode(0x00)
	return nil
}

// bdosSysCallFileSize computes the file's size in 128-byte records and
// stores it back as the FCB's random-record field.
func bdosSysCallFileSize(cpm *CPM) error {
	f := fcb.New(cpm.Memory, cpm.CPU.States.DE.U16())
	path := cpm.pathForFCB(f)

	st, ok := cpm.Workspace.VFS().Stat(path)
	if !ok {
		cpm.resultCode(0xFF)
		return nil
	}
	records := uint32((st.Size + recordSize - 1) / recordSize)
	f.SetRandomRecord(records)
	cpm.resultCode(0x00)
	return nil
}

// bdosSysCallSetRandomRecord sets the FCB's random-record field from
// its current sequential position, so a program can switch from
// sequential to random access mid-file.
func bdosSysCallSetRandomRecord(cpm *CPM) error {
	f := fcb.New(cpm.Memory, cpm.CPU.States.DE.U16())
	f.SetRandomRecord(f.CurrentRecord())
	return nil
}

func recordCountFor(size int64, extent uint8) uint8 {
	extentStart := int64(extent) * 16384
	remaining := size - extentStart
	if remaining <= 0 {
		return 0
	}
	records := (remaining + recordSize - 1) / recordSize
	if records > 128 {
		records = 128
	}
	return uint8(records)
}

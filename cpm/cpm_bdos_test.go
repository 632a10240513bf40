package cpm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/skx/cpmulator-go/consoleout"
	"github.com/skx/cpmulator-go/workspace"
)

func TestBDOSExit(t *testing.T) {
	c := newTestCPM(t)
	if err := bdosSysCallExit(c); err != ErrExit {
		t.Fatalf("expected ErrExit, got %v", err)
	}
}

func TestBDOSReadChar(t *testing.T) {
	c := newTestCPM(t)
	c.output = mustLoggerOutput(t)
	c.input = &fakeInput{queue: []byte{'X'}}

	if err := bdosSysCallReadChar(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 'X' {
		t.Errorf("expected A='X', got %q", c.CPU.States.AF.Hi)
	}
	if got := outputHistory(c); got != "X" {
		t.Errorf("read character should be echoed, got %q", got)
	}
}

func TestBDOSReadCharPropagatesError(t *testing.T) {
	c := newTestCPM(t)
	c.input = &erroringInput{}
	if err := bdosSysCallReadChar(c); err == nil {
		t.Fatalf("expected an error from a failing input driver")
	}
}

func TestBDOSWriteChar(t *testing.T) {
	c := newTestCPM(t)
	c.output = mustLoggerOutput(t)
	c.CPU.States.DE.Lo = 'Y'

	if err := bdosSysCallWriteChar(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got := outputHistory(c); got != "Y" {
		t.Errorf("expected 'Y' written, got %q", got)
	}
}

func TestBDOSRawIONonBlockingNoInput(t *testing.T) {
	c := newTestCPM(t)
	c.input = &fakeInput{pending: false}
	c.CPU.States.DE.Lo = 0xFF

	if err := bdosSysCallRawIO(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Errorf("expected A=0 when nothing pending, got 0x%02X", c.CPU.States.AF.Hi)
	}
}

func TestBDOSRawIONonBlockingWithInput(t *testing.T) {
	c := newTestCPM(t)
	c.input = &fakeInput{pending: true, queue: []byte{'Z'}}
	c.CPU.States.DE.Lo = 0xFF

	if err := bdosSysCallRawIO(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 'Z' {
		t.Errorf("expected A='Z', got %q", c.CPU.States.AF.Hi)
	}
}

func TestBDOSRawIOStatusOnly(t *testing.T) {
	c := newTestCPM(t)
	c.input = &fakeInput{pending: true}
	c.CPU.States.DE.Lo = 0xFE

	if err := bdosSysCallRawIO(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0xFF {
		t.Errorf("expected A=0xFF when input is pending, got 0x%02X", c.CPU.States.AF.Hi)
	}
}

func TestBDOSRawIOBlocking(t *testing.T) {
	c := newTestCPM(t)
	c.input = &fakeInput{queue: []byte{'Q'}}
	c.CPU.States.DE.Lo = 0xFD

	if err := bdosSysCallRawIO(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 'Q' {
		t.Errorf("expected A='Q', got %q", c.CPU.States.AF.Hi)
	}
}

func TestBDOSRawIOWrite(t *testing.T) {
	c := newTestCPM(t)
	c.output = mustLoggerOutput(t)
	c.CPU.States.DE.Lo = 'W'

	if err := bdosSysCallRawIO(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got := outputHistory(c); got != "W" {
		t.Errorf("expected 'W' written, got %q", got)
	}
}

func TestThrottleIdlePollYieldsAfterLimit(t *testing.T) {
	c := newTestCPM(t)
	c.idlePolls = idleThrottleLimit - 1
	c.throttleIdlePoll()
	if c.idlePolls != 0 {
		t.Errorf("counter should reset to zero once the limit is reached")
	}

	c.idlePolls = 0
	c.throttleIdlePoll()
	if c.idlePolls != 1 {
		t.Errorf("counter should just increment below the limit")
	}
}

func TestBDOSWriteString(t *testing.T) {
	c := newTestCPM(t)
	c.output = mustLoggerOutput(t)

	addr := uint16(0x2000)
	c.Memory.PutRange(addr, []byte("HELLO$")...)
	c.CPU.States.DE.SetU16(addr)

	if err := bdosSysCallWriteString(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got := outputHistory(c); got != "HELLO" {
		t.Errorf("expected 'HELLO', got %q", got)
	}
}

func TestBDOSReadString(t *testing.T) {
	c := newTestCPM(t)
	c.output = mustLoggerOutput(t)
	c.input = &fakeInput{queue: []byte("HI\r")}

	addr := uint16(0x2000)
	c.Memory.Set(addr, 10) // max length
	c.CPU.States.DE.SetU16(addr)

	if err := bdosSysCallReadString(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if n := c.Memory.Get(addr + 1); n != 2 {
		t.Errorf("expected length 2, got %d", n)
	}
	got := string(c.Memory.GetRange(addr+2, 2))
	if got != "HI" {
		t.Errorf("expected buffered text 'HI', got %q", got)
	}
}

func TestBDOSConsoleStatus(t *testing.T) {
	c := newTestCPM(t)

	c.input = &fakeInput{pending: false}
	if err := bdosSysCallConsoleStatus(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Errorf("expected 0x00 when nothing is pending")
	}

	c.input = &fakeInput{pending: true}
	if err := bdosSysCallConsoleStatus(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0xFF {
		t.Errorf("expected 0xFF when input is pending")
	}
}

func TestBDOSVersion(t *testing.T) {
	c := newTestCPM(t)
	if err := bdosSysCallBDOSVersion(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.HL.U16() != 0x0022 {
		t.Errorf("expected HL=0x0022, got 0x%04X", c.CPU.States.HL.U16())
	}
}

func TestBDOSDriveAllReset(t *testing.T) {
	c := newTestCPM(t)
	c.currentDrive = 5
	c.userNumber = 3
	c.dma = 0x9999
	c.Workspace.SetCurrentDrive(5)
	c.Workspace.SetUserNumber(3)

	if err := bdosSysCallDriveAllReset(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.currentDrive != 0 || c.Workspace.CurrentDrive() != 0 {
		t.Errorf("drive should reset to A")
	}
	if c.userNumber != 0 || c.Workspace.UserNumber() != 0 {
		t.Errorf("user number should reset to 0")
	}
	if c.dma != DefaultDMAAddress {
		t.Errorf("DMA should reset to default")
	}
}

func TestBDOSDriveSetAndGet(t *testing.T) {
	c := newTestCPM(t)
	ws := workspace.New()
	ws.Mount('C', newFixtureDrive())
	c.Workspace = ws

	c.CPU.States.DE.Lo = 2 // C:
	if err := bdosSysCallDriveSet(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Errorf("expected success for a mounted drive, got A=0x%02X", c.CPU.States.AF.Hi)
	}
	if c.currentDrive != 2 || c.Workspace.CurrentDrive() != 2 {
		t.Errorf("drive should be set to 2, got %d", c.currentDrive)
	}
	if c.Memory.Get(0x0004) != 2 {
		t.Errorf("page-zero current-drive mirror should be updated")
	}

	if err := bdosSysCallDriveGet(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 2 {
		t.Errorf("expected A=2, got %d", c.CPU.States.AF.Hi)
	}
}

func TestBDOSDriveSetUnmapped(t *testing.T) {
	c := newTestCPM(t)
	c.currentDrive = 0
	c.CPU.States.DE.Lo = 5 // F:, never mounted
	if err := bdosSysCallDriveSet(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0xFF {
		t.Errorf("expected A=0xFF for an unmapped drive, got 0x%02X", c.CPU.States.AF.Hi)
	}
	if c.currentDrive != 0 {
		t.Errorf("current drive should be unchanged on failure, got %d", c.currentDrive)
	}
}

func TestBDOSLoginVec(t *testing.T) {
	c := newTestCPM(t)
	ws := workspace.New()
	ws.Mount('A', newFixtureDrive())
	ws.Mount('C', newFixtureDrive())
	c.Workspace = ws

	if err := bdosSysCallLoginVec(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	mask := c.CPU.States.HL.U16()
	if mask&0x01 == 0 {
		t.Errorf("drive A should be marked mounted")
	}
	if mask&0x04 == 0 {
		t.Errorf("drive C should be marked mounted")
	}
	if mask&0x02 != 0 {
		t.Errorf("drive B should not be marked mounted")
	}
}

func TestBDOSUserNumber(t *testing.T) {
	c := newTestCPM(t)
	c.CPU.States.DE.Lo = 7
	if err := bdosSysCallUserNumber(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.userNumber != 7 || c.Workspace.UserNumber() != 7 {
		t.Errorf("expected user number 7, got %d", c.userNumber)
	}

	c.CPU.States.DE.Lo = 0xFF
	if err := bdosSysCallUserNumber(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 7 {
		t.Errorf("expected get to return 7, got %d", c.CPU.States.AF.Hi)
	}
}

func TestBDOSSetDMA(t *testing.T) {
	c := newTestCPM(t)
	c.CPU.States.DE.SetU16(0x3000)
	if err := bdosSysCallSetDMA(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.dma != 0x3000 {
		t.Errorf("expected dma 0x3000, got 0x%04X", c.dma)
	}
}

func TestBDOSZeroHL(t *testing.T) {
	c := newTestCPM(t)
	c.CPU.States.HL.SetU16(0xBEEF)
	if err := bdosSysCallZeroHL(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.HL.U16() != 0 {
		t.Errorf("expected HL=0")
	}
}

// fcbSetName writes a blank FCB for the given name/type at addr and
// points DE at it.
func fcbSetName(c *CPM, addr uint16, name, typ string) {
	c.Memory.Set(addr, 0x00)
	c.Memory.FillRange(addr+12, 24, 0x00)
	c.CPU.States.DE.SetU16(addr)
	nb := []byte(name)
	for len(nb) < 8 {
		nb = append(nb, ' ')
	}
	tb := []byte(typ)
	for len(tb) < 3 {
		tb = append(tb, ' ')
	}
	c.Memory.PutRange(addr+1, nb...)
	c.Memory.PutRange(addr+9, tb...)
}

func TestBDOSFileLifecycle(t *testing.T) {
	c := newTestCPM(t)
	ws := workspace.New()
	ws.Mount('A', newFixtureDrive())
	c.Workspace = ws
	c.currentDrive = 0

	const fcbAddr = 0x0100

	// F_MAKE a new file.
	fcbSetName(c, fcbAddr, "NEWFILE", "DAT")
	if err := bdosSysCallMakeFile(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("F_MAKE should succeed")
	}

	// F_WRITE a record through the DMA buffer.
	c.dma = DefaultDMAAddress
	record := make([]byte, recordSize)
	copy(record, []byte("payload"))
	c.Memory.PutRange(c.dma, record...)
	if err := bdosSysCallWrite(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("F_WRITE should succeed")
	}

	// F_CLOSE it.
	if err := bdosSysCallFileClose(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("F_CLOSE should succeed")
	}

	// F_OPEN it again and F_READ the record back.
	fcbSetName(c, fcbAddr, "NEWFILE", "DAT")
	if err := bdosSysCallFileOpen(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("F_OPEN should succeed")
	}

	clearDMA := make([]byte, recordSize)
	c.Memory.PutRange(c.dma, clearDMA...)
	if err := bdosSysCallRead(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("F_READ should succeed")
	}
	got := c.Memory.GetRange(c.dma, len("payload"))
	if string(got) != "payload" {
		t.Errorf("round-tripped content wrong, got %q", got)
	}
}

func TestBDOSReadWriteLazyAutoOpen(t *testing.T) {
	c := newTestCPM(t)
	ws := workspace.New()
	ws.Mount('A', newFixtureDrive())
	c.Workspace = ws
	c.currentDrive = 0

	const fcbAddr = 0x0100

	// F_READ against an FCB that was never opened through F_OPEN should
	// lazily open the file read-only rather than failing.
	fcbSetName(c, fcbAddr, "HELLO", "TXT")
	if err := bdosSysCallRead(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("F_READ should lazily open and succeed, got A=0x%02X", c.CPU.States.AF.Hi)
	}

	// F_WRITE against a brand-new, never-opened FCB should lazily
	// create the file.
	fcbSetName(c, fcbAddr, "LAZYMADE", "DAT")
	c.dma = DefaultDMAAddress
	c.Memory.PutRange(c.dma, make([]byte, recordSize)...)
	if err := bdosSysCallWrite(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("F_WRITE should lazily create and succeed, got A=0x%02X", c.CPU.States.AF.Hi)
	}
	if !ws.VFS().Exists("/A/LAZYMADE.DAT") {
		t.Errorf("lazily-created file should now exist")
	}
}

func TestBDOSOpenMissingFile(t *testing.T) {
	c := newTestCPM(t)
	ws := workspace.New()
	ws.Mount('A', newFixtureDrive())
	c.Workspace = ws

	fcbSetName(c, 0x0100, "NOSUCH", "FIL")
	if err := bdosSysCallFileOpen(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0xFF {
		t.Errorf("expected 0xFF for a missing file, got 0x%02X", c.CPU.States.AF.Hi)
	}
}

func TestBDOSFindFirstAndNext(t *testing.T) {
	c := newTestCPM(t)
	ws := workspace.New()
	ws.Mount('A', newFixtureDrive())
	c.Workspace = ws
	c.dma = DefaultDMAAddress

	fcbSetName(c, 0x0100, "????????", "???")
	if err := bdosSysCallFindFirst(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("expected at least one match")
	}

	// The fixture drive holds HELLO.TXT, TEST.COM and BARERET.COM;
	// sorted ascending that's BARERET.COM first.
	firstName := string(c.Memory.GetRange(c.dma+1, 8))
	firstType := string(c.Memory.GetRange(c.dma+9, 3))
	if firstName != "BARERET " || firstType != "COM" {
		t.Errorf("expected BARERET.COM first in sorted order, got %q.%q", firstName, firstType)
	}
	if c.Memory.Get(c.dma+12) != 0 {
		t.Errorf("extent byte should be 0")
	}
	if c.Memory.Get(c.dma+15) == 0 {
		t.Errorf("record count byte should reflect the file's size")
	}
	tail := c.Memory.GetRange(c.dma+32, recordSize-32)
	for i, b := range tail {
		if b != 0xE5 {
			t.Fatalf("DMA byte 32+%d should be the 0xE5 sentinel, got 0x%02X", i, b)
		}
	}

	found := 1
	for {
		if err := bdosSysCallFindNext(c); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if c.CPU.States.AF.Hi == 0xFF {
			break
		}
		found++
		if found > 10 {
			t.Fatalf("find-next did not terminate")
		}
	}
	if found != 3 {
		t.Errorf("expected 3 fixture files, found %d", found)
	}
}

func TestBDOSDeleteFile(t *testing.T) {
	c := newTestCPM(t)
	ws := workspace.New()
	ws.Mount('A', newFixtureDrive())
	c.Workspace = ws

	fcbSetName(c, 0x0100, "HELLO", "TXT")
	if err := bdosSysCallDeleteFile(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("expected delete to succeed")
	}
	if c.Workspace.VFS().Exists("/A/HELLO.TXT") {
		t.Errorf("file should no longer exist")
	}
}

func TestBDOSRenameFile(t *testing.T) {
	c := newTestCPM(t)
	ws := workspace.New()
	ws.Mount('A', newFixtureDrive())
	c.Workspace = ws

	const base = 0x0100
	fcbSetName(c, base, "HELLO", "TXT")
	fcbSetName(c, base+16, "GOODBYE", "TXT")
	c.CPU.States.DE.SetU16(base)

	if err := bdosSysCallRenameFile(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("expected rename to succeed")
	}
	if !c.Workspace.VFS().Exists("/A/GOODBYE.TXT") {
		t.Errorf("renamed file should exist under its new name")
	}
}

func TestBDOSReadWriteRand(t *testing.T) {
	c := newTestCPM(t)
	ws := workspace.New()
	ws.Mount('A', newFixtureDrive())
	c.Workspace = ws
	c.dma = DefaultDMAAddress

	const fcbAddr = 0x0100
	fcbSetName(c, fcbAddr, "RANDOM", "DAT")
	if err := bdosSysCallMakeFile(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	// Write record #3.
	c.Memory.SetU16(fcbAddr+33, 3)
	record := make([]byte, recordSize)
	copy(record, []byte("third-record"))
	c.Memory.PutRange(c.dma, record...)
	if err := bdosSysCallWriteRand(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("random write should succeed")
	}

	// Read it back.
	clearDMA := make([]byte, recordSize)
	c.Memory.PutRange(c.dma, clearDMA...)
	c.Memory.SetU16(fcbAddr+33, 3)
	if err := bdosSysCallReadRand(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("random read should succeed")
	}
	got := c.Memory.GetRange(c.dma, len("third-record"))
	if string(got) != "third-record" {
		t.Errorf("round-tripped content wrong, got %q", got)
	}
}

func TestBDOSFileSize(t *testing.T) {
	c := newTestCPM(t)
	ws := workspace.New()
	ws.Mount('A', newFixtureDrive())
	c.Workspace = ws

	fcbSetName(c, 0x0100, "HELLO", "TXT")
	if err := bdosSysCallFileSize(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.CPU.States.AF.Hi != 0x00 {
		t.Fatalf("expected F_SIZE to succeed")
	}
}

func TestBDOSSetRandomRecord(t *testing.T) {
	c := newTestCPM(t)
	const fcbAddr = 0x0100
	c.Memory.Set(fcbAddr, 0)
	c.Memory.Set(fcbAddr+32, 5) // cr
	c.CPU.States.DE.SetU16(fcbAddr)
	if err := bdosSysCallSetRandomRecord(c); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if got := c.Memory.GetU16(fcbAddr + 33); got != 5 {
		t.Errorf("expected random record 5, got %d", got)
	}
}

func TestRecordCountFor(t *testing.T) {
	if got := recordCountFor(0, 0); got != 0 {
		t.Errorf("empty file should report 0 records, got %d", got)
	}
	if got := recordCountFor(200, 0); got != 2 {
		t.Errorf("200 bytes should be 2 records, got %d", got)
	}
	if got := recordCountFor(16384*2+10, 2); got != 1 {
		t.Errorf("extent 2 should see 1 remaining record, got %d", got)
	}
}

func TestSplitNameType(t *testing.T) {
	name, typ := splitNameType("FOO.TXT")
	if name != "FOO" || typ != "TXT" {
		t.Errorf("split wrong: %q/%q", name, typ)
	}
	name, typ = splitNameType("NOEXT")
	if name != "NOEXT" || typ != "" {
		t.Errorf("split wrong for extension-less name: %q/%q", name, typ)
	}
}

// erroringInput always fails a blocking read, used to exercise BDOS
// handlers' propagation of a console I/O error.
type erroringInput struct{}

func (e *erroringInput) Setup() error       { return nil }
func (e *erroringInput) TearDown() error    { return nil }
func (e *erroringInput) GetName() string    { return "erroring" }
func (e *erroringInput) PendingInput() bool { return true }
func (e *erroringInput) BlockForCharacterNoEcho() (byte, error) {
	return 0, errors.New("boom")
}

func mustLoggerOutput(t *testing.T) *consoleout.ConsoleOut {
	t.Helper()
	out, err := consoleout.New("logger")
	if err != nil {
		t.Fatalf("failed to construct logger output: %s", err)
	}
	return out
}

func outputHistory(c *CPM) string {
	rec, ok := c.output.GetDriver().(consoleout.ConsoleRecorder)
	if !ok {
		return fmt.Sprintf("<output driver %T is not a ConsoleRecorder>", c.output.GetDriver())
	}
	return rec.GetOutput()
}

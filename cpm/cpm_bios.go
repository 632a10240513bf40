// This file implements the 17-entry CBIOS jump table.
//
// https://www.seasip.info/Cpm/bios.html documents the classic
// function numbering this dispatch table follows.
package cpm

// CBIOS function numbers, in jump-table order.
const (
	biosBoot = iota
	biosWBoot
	biosConst
	biosConin
	biosConout
	biosList
	biosPunch
	biosReader
	biosHome
	biosSelDsk
	biosSetTrk
	biosSetSec
	biosSetDMA
	biosRead
	biosWrite
	biosListSt
	biosSecTran
)

func newBIOSTable() map[uint8]Syscall {
	return map[uint8]Syscall{
		biosBoot:    {Desc: "BOOT", Handler: biosSysCallColdBoot},
		biosWBoot:   {Desc: "WBOOT", Handler: biosSysCallWarmBoot},
		biosConst:   {Desc: "CONST", Handler: biosSysCallConsoleStatus},
		biosConin:   {Desc: "CONIN", Handler: biosSysCallConsoleInput},
		biosConout:  {Desc: "CONOUT", Handler: biosSysCallConsoleOutput},
		biosList:    {Desc: "LIST", Handler: biosSysCallPrintChar},
		biosPunch:   {Desc: "PUNCH", Handler: biosSysCallNop},
		biosReader:  {Desc: "READER", Handler: biosSysCallReader},
		biosHome:    {Desc: "HOME", Handler: biosSysCallNop},
		biosSelDsk:  {Desc: "SELDSK", Handler: biosSysCallSelDsk},
		biosSetTrk:  {Desc: "SETTRK", Handler: biosSysCallNop},
		biosSetSec:  {Desc: "SETSEC", Handler: biosSysCallNop},
		biosSetDMA:  {Desc: "SETDMA", Handler: biosSysCallSetDMA},
		biosRead:    {Desc: "READ", Handler: biosSysCallNop},
		biosWrite:   {Desc: "WRITE", Handler: biosSysCallNop},
		biosListSt:  {Desc: "LISTST", Handler: biosSysCallListStatus},
		biosSecTran: {Desc: "SECTRAN", Handler: biosSysCallSecTran},
	}
}

// biosSysCallColdBoot handles a cold boot triggered from within a
// running session: reset registers, drive, user-number, DMA and
// directory-search state, reinstall the reserved system page, and
// reload the shell. With no shell installed there is nothing to boot
// into, so the run stops with ExitInfo{warm-boot, "no shell"} instead.
func biosSysCallColdBoot(cpm *CPM) error {
	if cpm.shell.Bytes == nil {
		cpm.LastExit = ExitInfo{Reason: ExitWarmBoot, Message: "no shell", PC: cpm.CPU.PC}
		return ErrNoShell
	}

	_ = cpm.Workspace.VFS().CloseAll()

	cpm.CPU.AF.SetU16(0)
	cpm.CPU.BC.SetU16(0)
	cpm.CPU.DE.SetU16(0)
	cpm.CPU.HL.SetU16(0)

	cpm.currentDrive = 0
	cpm.userNumber = 0
	cpm.dma = DefaultDMAAddress
	cpm.find = findState{}

	cpm.installSystemPage()
	cpm.Memory.Set(0x0004, 0)
	cpm.Memory.PutRange(cpm.shell.Start, cpm.shell.Bytes...)

	cpm.CPU.PC = cpm.shell.Start
	cpm.CPU.SP = BDOSEntry
	cpm.pushReturn(0)

	return ErrBoot
}

// biosSysCallWarmBoot reloads the CCP and resumes at its start
// address, preserving the current drive and user number and reporting
// the current drive in register C, as CCP expects on a warm start.
// With no shell installed there is nothing to warm-boot into, so the
// run stops with ExitInfo{warm-boot, "no shell"} instead.
func biosSysCallWarmBoot(cpm *CPM) error {
	if cpm.shell.Bytes == nil {
		cpm.LastExit = ExitInfo{Reason: ExitWarmBoot, Message: "no shell", PC: cpm.CPU.PC}
		return ErrNoShell
	}

	_ = cpm.Workspace.VFS().CloseAll()
	cpm.find = findState{}

	cpm.installSystemPage()
	cpm.Memory.Set(0x0004, cpm.currentDrive)

	blankFCB := func(addr uint16) {
		cpm.Memory.Set(addr, 0x00)
		cpm.Memory.FillRange(addr+1, 11, ' ')
	}
	blankFCB(FCB1Address)
	blankFCB(FCB2Address)
	cpm.Memory.Set(CLIBufferAddress, 0x00)
	cpm.Memory.FillRange(CLIBufferAddress+1, 31, 0x00)

	cpm.dma = DefaultDMAAddress
	cpm.Memory.PutRange(cpm.shell.Start, cpm.shell.Bytes...)

	cpm.CPU.AF.SetU16(0)
	cpm.CPU.DE.SetU16(0)
	cpm.CPU.HL.SetU16(0)
	cpm.CPU.BC.Hi = 0
	cpm.CPU.BC.Lo = cpm.currentDrive

	cpm.CPU.PC = cpm.shell.Start
	cpm.CPU.SP = BDOSEntry
	cpm.pushReturn(0)

	return ErrBoot
}

// biosSysCallConsoleStatus returns 0xFF in A when input is pending,
// else 0x00. It shares its idle-poll throttle counter with BDOS
// function 6's non-blocking mode, since both are the ways a guest
// spin-loops waiting for a keypress.
func biosSysCallConsoleStatus(cpm *CPM) error {
	if cpm.input.PendingInput() {
		cpm.idlePolls = 0
		cpm.CPU.States.AF.Hi = 0xFF
	} else {
		cpm.throttleIdlePoll()
		cpm.CPU.States.AF.Hi = 0x00
	}
	return nil
}

// biosSysCallConsoleInput blocks for a single character and returns
// it in A.
func biosSysCallConsoleInput(cpm *CPM) error {
	out, err := cpm.input.BlockForCharacterNoEcho()
	cpm.CPU.States.AF.Hi = out
	return err
}

// biosSysCallConsoleOutput writes the character in C to the
// registered console output driver.
func biosSysCallConsoleOutput(cpm *CPM) error {
	cpm.output.PutCharacter(cpm.CPU.States.BC.Lo)
	return nil
}

// biosSysCallPrintChar writes the character in C to the host
// "printer" file.
func biosSysCallPrintChar(cpm *CPM) error {
	return cpm.prnC(cpm.CPU.States.BC.Lo)
}

// biosSysCallListStatus reports the printer as always ready.
func biosSysCallListStatus(cpm *CPM) error {
	cpm.CPU.States.AF.Hi = 0xFF
	return nil
}

// biosSysCallReader is the (unsupported) paper-tape reader; it
// signals end-of-file immediately.
func biosSysCallReader(cpm *CPM) error {
	cpm.CPU.States.AF.Hi = 0x1A
	return nil
}

// biosSysCallSelDsk selects drive C for subsequent disk BIOS calls,
// returning a non-zero DPB pointer in HL when the drive is mounted,
// else HL=0.
func biosSysCallSelDsk(cpm *CPM) error {
	letter := byte('A' + cpm.CPU.States.BC.Lo)
	if _, ok := cpm.Workspace.Drive(letter); ok {
		cpm.CPU.States.HL.SetU16(1)
	} else {
		cpm.CPU.States.HL.SetU16(0)
	}
	return nil
}

// biosSysCallSetDMA mirrors BDOS function 26.
func biosSysCallSetDMA(cpm *CPM) error {
	cpm.dma = cpm.CPU.States.BC.U16()
	return nil
}

// biosSysCallSecTran is the identity sector-translation table: our
// drives have no physical skew factor to compensate for.
func biosSysCallSecTran(cpm *CPM) error {
	cpm.CPU.States.HL.SetU16(cpm.CPU.States.BC.U16())
	return nil
}

// biosSysCallNop satisfies the BIOS entries our drive layer has no
// physical-geometry analogue for (HOME, SETTRK/SETSEC/READ/WRITE at
// the raw sector level, PUNCH): BDOS-level file operations go through
// the Workspace directly and never reach these.
func biosSysCallNop(cpm *CPM) error {
	return nil
}

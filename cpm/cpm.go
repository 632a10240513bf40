// Package cpm is the personality core: it glues a z80 CPU, a 64K
// memory image, a Workspace of mounted drives, and a console pair
// together into something that behaves like CP/M 2.2 from the point
// of view of the transient program running in the TPA.
//
// BDOS calls arrive as CALL 5; CBIOS calls arrive through the jump
// table at 0xFF00. Both are trapped the same way the teacher traps
// BDOS: a breakpoint address the z80 core stops on, from which the
// emulated function number is read out of a register and dispatched
// through a handler table.
package cpm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/koron-go/z80"

	"github.com/skx/cpmulator-go/ccp"
	"github.com/skx/cpmulator-go/consolein"
	"github.com/skx/cpmulator-go/consoleout"
	"github.com/skx/cpmulator-go/memory"
	"github.com/skx/cpmulator-go/workspace"
)

const (
	// DefaultDMAAddress is where the DMA pointer resets to on boot.
	DefaultDMAAddress = 0x0080

	// FCB1Address and FCB2Address are the default command-line FCBs.
	FCB1Address = 0x005C
	FCB2Address = 0x006C

	// CLIBufferAddress holds the Pascal-style command tail.
	CLIBufferAddress = 0x0080

	// TPAAddress is where transient programs are loaded and begin
	// execution.
	TPAAddress = 0x0100

	// BDOSEntry is the single-RET trap address CALL 5 points at.
	BDOSEntry = 0xFE00

	// BIOSBase is the address of CBIOS function 0 (cold boot); each
	// subsequent function occupies BIOSEntrySize bytes.
	BIOSBase      = 0xFF00
	BIOSEntrySize = 3

	// idleThrottleLimit is how many consecutive empty polls of
	// PendingInput trigger a yield to the host scheduler.
	idleThrottleLimit = 50
)

var (
	// ErrExit is returned internally when a program calls BDOS
	// function 0, or CBIOS warm-boot; the run loop treats it as a
	// normal, successful termination.
	ErrExit = errors.New("EXIT")

	// ErrBoot is returned by the cold/warm boot CBIOS handlers to
	// unwind the CPU run loop back to CPM.Run.
	ErrBoot = errors.New("BOOT")

	// ErrNoShell is returned by the cold/warm boot CBIOS handlers when
	// no resident shell is installed to boot into; Run stops instead
	// of jumping into an empty TPA.
	ErrNoShell = errors.New("NOSHELL")

	// ErrUnimplemented marks a BDOS or CBIOS function number with no
	// registered handler.
	ErrUnimplemented = errors.New("UNIMPLEMENTED")
)

// ExitReason classifies why Run stopped.
type ExitReason string

const (
	// ExitWarmBoot covers both a guest-requested warm boot and program
	// termination via BDOS function 0, which is itself just a jump to
	// the warm-boot entry point.
	ExitWarmBoot ExitReason = "warm-boot"

	// ExitHalt marks the CPU executing a HALT instruction.
	ExitHalt ExitReason = "halt"

	// ExitError marks an unrecoverable emulation error.
	ExitError ExitReason = "error"
)

// ExitInfo describes why Run returned: a warm boot, a halt, or an
// error, along with the PC at the time. TStates is best-effort only;
// cycle-exact timing isn't tracked.
type ExitInfo struct {
	Reason  ExitReason
	Message string
	TStates uint64
	PC      uint16
}

// Handler is the signature shared by every BDOS and CBIOS function.
type Handler func(cpm *CPM) error

// Syscall names and documents one dispatch-table entry.
type Syscall struct {
	Desc    string
	Handler Handler
}

// findState tracks the sneaky "return one match at a time" protocol
// BDOS search-first/search-next share.
type findState struct {
	results []string
	offset  int
	drive   uint8
}

// CPM holds everything a running personality needs: the CPU and its
// memory, the mounted drives, the console pair, and dispatch tables
// for BDOS and CBIOS calls.
type CPM struct {
	Memory *memory.Memory
	CPU    z80.CPU

	Workspace *workspace.Workspace

	input  consolein.ConsoleInput
	output *consoleout.ConsoleOut

	// dma is the address block I/O reads/writes against.
	dma uint16

	// currentDrive/userNumber mirror the values Workspace tracks, kept
	// here too since several BDOS handlers read/write them directly.
	currentDrive uint8
	userNumber   uint8

	find findState

	// LastExit records why the most recent Run call returned.
	LastExit ExitInfo

	shell ccp.Flavour

	prnPath string

	idlePolls int

	Logger *slog.Logger

	BDOSSyscalls map[uint8]Syscall
	BIOSSyscalls map[uint8]Syscall

	Filename string
}

// Option configures a CPM at construction time.
type Option func(*CPM) error

// WithLogger attaches a structured logger; without one, a disabled
// logger is used and no emulation events are recorded.
func WithLogger(l *slog.Logger) Option {
	return func(c *CPM) error {
		c.Logger = l
		return nil
	}
}

// WithWorkspace attaches a pre-populated Workspace of mounted drives.
func WithWorkspace(w *workspace.Workspace) Option {
	return func(c *CPM) error {
		c.Workspace = w
		return nil
	}
}

// WithInputDriver selects a registered consolein driver by name.
func WithInputDriver(name string) Option {
	return func(c *CPM) error {
		drv, err := consolein.New(name)
		if err != nil {
			return err
		}
		c.input = drv
		return nil
	}
}

// WithOutputDriver selects a registered consoleout driver by name.
func WithOutputDriver(name string) Option {
	return func(c *CPM) error {
		drv, err := consoleout.New(name)
		if err != nil {
			return err
		}
		c.output = drv
		return nil
	}
}

// WithInputInstance attaches an already-constructed input driver
// directly, rather than looking one up by name. Scripted automation
// needs this: its console must be the exact same object handed to
// WithOutputInstance, so input injection and output capture see one
// shared buffer.
func WithInputInstance(d consolein.ConsoleInput) Option {
	return func(c *CPM) error {
		c.input = d
		return nil
	}
}

// WithOutputInstance attaches an already-constructed output driver
// directly, the output-side counterpart to WithInputInstance.
func WithOutputInstance(d consoleout.ConsoleOutput) Option {
	return func(c *CPM) error {
		c.output = consoleout.NewWithDriver(d)
		return nil
	}
}

// WithPrinterPath sets the host file that BDOS list-output is
// redirected to.
func WithPrinterPath(path string) Option {
	return func(c *CPM) error {
		c.prnPath = path
		return nil
	}
}

// WithCCP selects the resident command processor flavour copied above
// the TPA on boot.
func WithCCP(name string) Option {
	return func(c *CPM) error {
		flavour, err := ccp.Get(name)
		if err != nil {
			return err
		}
		c.shell = flavour
		return nil
	}
}

// New constructs a CPM, applying the given options, and populating
// the BDOS/CBIOS dispatch tables.
func New(filename string, opts ...Option) (*CPM, error) {
	c := &CPM{
		Filename: filename,
		Memory:   new(memory.Memory),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)).WithGroup("cpm"),
		dma:      DefaultDMAAddress,
		prnPath:  "print.log",
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.Workspace == nil {
		c.Workspace = workspace.New()
	}
	if c.input == nil {
		drv, err := consolein.New("stty")
		if err != nil {
			return nil, err
		}
		c.input = drv
	}
	if c.output == nil {
		drv, err := consoleout.New("ansi")
		if err != nil {
			return nil, err
		}
		c.output = drv
	}
	if c.shell.Bytes == nil {
		flavour, err := ccp.Get("ccp")
		if err != nil {
			return nil, err
		}
		c.shell = flavour
	}

	c.BDOSSyscalls = newBDOSTable()
	c.BIOSSyscalls = newBIOSTable()

	return c, nil
}

// Input returns the configured console input driver, so a host driver
// can stuff pending input or manage Setup/TearDown around Run.
func (cpm *CPM) Input() consolein.ConsoleInput {
	return cpm.input
}

// installSystemPage (re)writes the fixed, reserved low-memory bytes:
// the CBIOS jump table, the BDOS trap, and the reset vector, IOBYTE
// and CALL-5 trampoline on the system page. Called on cold boot and
// reinstalled on every warm boot, since a misbehaving guest may have
// clobbered any of it.
func (cpm *CPM) installSystemPage() {
	// CBIOS jump table: each entry is a bare RET, the CPU never runs
	// it because the breakpoint set on that address fires first.
	for fn := uint8(0); fn < uint8(len(cpm.BIOSSyscalls)); fn++ {
		entry := BIOSBase + uint16(fn)*BIOSEntrySize
		cpm.Memory.Set(entry, 0xC9)
	}

	// BDOS trap: a single RET, intercepted before it executes.
	cpm.Memory.Set(BDOSEntry, 0xC9)

	// Reset vector jumps to CBIOS warm boot, so a bare RET with PC
	// falling through to 0 resumes the shell rather than crashing.
	cpm.Memory.Set(0x0000, 0xC3)
	cpm.Memory.SetU16(0x0001, BIOSBase+BIOSEntrySize)
	cpm.Memory.Set(0x0003, 0x00) // IOBYTE
	cpm.Memory.Set(0x0005, 0xC3) // CALL 5 target: JP to BDOS dispatch
	cpm.Memory.SetU16(0x0006, BDOSEntry)
}

// pushReturn decrements SP by two and writes addr there, seeding the
// stack the way a CALL would have: a subsequent bare RET pops addr
// straight back into PC.
func (cpm *CPM) pushReturn(addr uint16) {
	cpm.CPU.SP -= 2
	cpm.Memory.SetU16(cpm.CPU.SP, addr)
}

// ColdBoot loads the selected CCP flavour at its start address,
// clears the reserved system page, and positions the CPU at the
// resident shell with a zero return address on the stack, so that a
// bare RET from the shell falls through to the reset vector.
func (cpm *CPM) ColdBoot() error {
	cpm.Memory.Reset()
	cpm.installSystemPage()
	cpm.Memory.Set(0x0004, 0x00) // current drive/user

	cpm.Memory.PutRange(cpm.shell.Start, cpm.shell.Bytes...)

	cpm.CPU = z80.CPU{
		States: z80.States{SPR: z80.SPR{PC: cpm.shell.Start}},
		Memory: cpm.Memory,
	}
	cpm.CPU.BreakPoints = map[uint16]struct{}{
		BDOSEntry: {},
	}
	for fn := range cpm.BIOSSyscalls {
		cpm.CPU.BreakPoints[BIOSBase+uint16(fn)*BIOSEntrySize] = struct{}{}
	}

	cpm.currentDrive = 0
	cpm.userNumber = 0
	cpm.dma = DefaultDMAAddress
	cpm.find = findState{}

	cpm.CPU.SP = BDOSEntry
	cpm.pushReturn(0)

	return nil
}

// TransientSetup loads a .COM binary into the TPA and populates the
// default FCBs and command tail the way CCP does before transferring
// control to it.
func (cpm *CPM) TransientSetup(path string, args []string) error {
	data, ok := cpm.Workspace.VFS().GetFile(path)
	if !ok {
		return fmt.Errorf("program not found: %s", path)
	}
	cpm.installSystemPage()
	if err := cpm.Memory.LoadCOM(data); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	cpm.Memory.Set(CLIBufferAddress, 0x00)
	cpm.Memory.FillRange(CLIBufferAddress+1, 31, 0x00)

	blankFCB := func(addr uint16) {
		cpm.Memory.Set(addr, 0x00)
		cpm.Memory.FillRange(addr+1, 11, ' ')
	}
	blankFCB(FCB1Address)
	blankFCB(FCB2Address)

	cli := ""
	for i, a := range args {
		if i > 0 {
			cli += " "
		}
		cli += a
	}
	if len(args) > 0 {
		drive, name, typ := fcbPartsFromArg(args[0])
		cpm.Memory.Set(FCB1Address, drive)
		cpm.Memory.PutRange(FCB1Address+1, name[:]...)
		cpm.Memory.PutRange(FCB1Address+9, typ[:]...)
	}
	if len(args) > 1 {
		drive, name, typ := fcbPartsFromArg(args[1])
		cpm.Memory.Set(FCB2Address, drive)
		cpm.Memory.PutRange(FCB2Address+1, name[:]...)
		cpm.Memory.PutRange(FCB2Address+9, typ[:]...)
	}

	if len(cli) > 0 {
		cpm.Memory.Set(CLIBufferAddress, uint8(len(cli)))
		cpm.Memory.PutRange(CLIBufferAddress+1, []byte(cli)...)
	}

	cpm.CPU.PC = TPAAddress
	cpm.CPU.SP = BDOSEntry
	cpm.pushReturn(0)
	return nil
}

// Run drives the CPU until the program exits, the CPU halts, a boot
// finds no resident shell, ctx is done, or an unrecoverable error
// occurs. A boot into a resident shell keeps the loop running.
func (cpm *CPM) Run(ctx context.Context) error {
	for {
		err := cpm.CPU.Run(ctx)

		if err == nil {
			// No error and no breakpoint hit: the CPU executed HALT.
			cpm.LastExit = ExitInfo{Reason: ExitHalt, Message: "CPU halted", PC: cpm.CPU.PC}
			return nil
		}
		if errors.Is(err, ctx.Err()) {
			cpm.LastExit = ExitInfo{Reason: ExitError, Message: err.Error(), PC: cpm.CPU.PC}
			return err
		}
		if err != z80.ErrBreakPoint {
			cpm.LastExit = ExitInfo{Reason: ExitError, Message: err.Error(), PC: cpm.CPU.PC}
			return fmt.Errorf("unexpected CPU error: %w", err)
		}

		pc := cpm.CPU.PC

		if pc == BDOSEntry {
			err = cpm.dispatchBDOS()
		} else if pc >= BIOSBase {
			fn := uint8((pc - BIOSBase) / BIOSEntrySize)
			err = cpm.dispatchBIOS(fn)
		} else {
			cpm.LastExit = ExitInfo{Reason: ExitError, Message: fmt.Sprintf("breakpoint at unexpected address 0x%04X", pc), PC: pc}
			return fmt.Errorf("breakpoint at unexpected address 0x%04X", pc)
		}

		if errors.Is(err, ErrExit) {
			// BDOS function 0 is itself a jump to the warm-boot entry
			// point, so termination is just a special case of it.
			cpm.LastExit = ExitInfo{Reason: ExitWarmBoot, Message: "program terminated", PC: pc}
			return nil
		}
		if errors.Is(err, ErrNoShell) {
			// LastExit was already populated by the boot handler.
			return nil
		}
		if errors.Is(err, ErrBoot) {
			continue
		}
		if err != nil {
			cpm.LastExit = ExitInfo{Reason: ExitError, Message: err.Error(), PC: pc}
			return err
		}

		// Each trap is a bare RET: pop the return address the caller's
		// CALL pushed and resume there.
		cpm.CPU.PC = cpm.Memory.GetU16(cpm.CPU.SP)
		cpm.CPU.SP += 2
	}
}

// rawIOFunc is the BDOS function code for C_RAWIO, the only BDOS call
// whose idle-polling mode (E==0xFF) must survive the generic idle-poll
// reset applied to every other call.
const rawIOFunc = 6

func (cpm *CPM) dispatchBDOS() error {
	fn := cpm.CPU.States.BC.Lo
	handler, ok := cpm.BDOSSyscalls[fn]
	if !ok {
		cpm.Logger.Error("unimplemented BDOS call", slog.Int("fn", int(fn)))
		return ErrUnimplemented
	}
	if !(fn == rawIOFunc && cpm.CPU.States.DE.Lo == 0xFF) {
		cpm.idlePolls = 0
	}
	cpm.Logger.Debug("BDOS call", slog.String("name", handler.Desc), slog.Int("fn", int(fn)))
	return handler.Handler(cpm)
}

func (cpm *CPM) dispatchBIOS(fn uint8) error {
	handler, ok := cpm.BIOSSyscalls[fn]
	if !ok {
		cpm.Logger.Error("unimplemented CBIOS call", slog.Int("fn", int(fn)))
		return ErrUnimplemented
	}
	if fn != biosConst {
		cpm.idlePolls = 0
	}
	cpm.Logger.Debug("CBIOS call", slog.String("name", handler.Desc), slog.Int("fn", int(fn)))
	return handler.Handler(cpm)
}

// fcbPartsFromArg splits a command-line argument into the drive byte
// and padded name/type arrays an FCB expects, expanding a "*" in the
// name or type into a run of '?' to the end of that field.
func fcbPartsFromArg(arg string) (uint8, [8]byte, [3]byte) {
	var name [8]byte
	var typ [3]byte
	for i := range name {
		name[i] = ' '
	}
	for i := range typ {
		typ[i] = ' '
	}

	drv, n, t := splitDriveNameType(arg)
	drive := int(drv)

	for i := 0; i < len(n) && i < 8; i++ {
		if n[i] == '*' {
			for ; i < 8; i++ {
				name[i] = '?'
			}
			break
		}
		name[i] = n[i]
	}
	for i := 0; i < len(t) && i < 3; i++ {
		if t[i] == '*' {
			for ; i < 3; i++ {
				typ[i] = '?'
			}
			break
		}
		typ[i] = t[i]
	}
	return uint8(drive), name, typ
}

func splitDriveNameType(arg string) (uint8, string, string) {
	drive := uint8(0)
	if len(arg) > 1 && arg[1] == ':' {
		drive = uint8(arg[0]|0x20) - 'a' + 1
		arg = arg[2:]
	}

	name, typ := arg, ""
	for i, c := range arg {
		if c == '.' {
			name = arg[:i]
			typ = arg[i+1:]
			break
		}
	}

	upper := func(s string) string {
		out := []byte(s)
		for i, c := range out {
			if c >= 'a' && c <= 'z' {
				out[i] = c - 'a' + 'A'
			}
		}
		return string(out)
	}
	return drive, upper(name), upper(typ)
}

package cpm

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/koron-go/z80"

	"github.com/skx/cpmulator-go/drive"
	"github.com/skx/cpmulator-go/workspace"
)

// fakeInput is a consolein.ConsoleInput test double with a
// deterministic, caller-controlled pending/read sequence, used where
// the registered "stty"/"error" drivers are unsuitable (stty touches
// the real terminal; error always fails a blocking read).
type fakeInput struct {
	pending bool
	queue   []byte
}

func (f *fakeInput) Setup() error    { return nil }
func (f *fakeInput) TearDown() error { return nil }
func (f *fakeInput) GetName() string { return "fake" }
func (f *fakeInput) PendingInput() bool {
	return f.pending || len(f.queue) > 0
}
func (f *fakeInput) BlockForCharacterNoEcho() (byte, error) {
	if len(f.queue) == 0 {
		return 0, nil
	}
	c := f.queue[0]
	f.queue = f.queue[1:]
	return c, nil
}

// newFixtureDrive returns a memory drive pre-populated with a couple of
// files, shared by every test in this package that needs a mounted A:.
func newFixtureDrive() *drive.DriveLayer {
	d := drive.NewMemoryDrive()
	d.AddFile("/A/HELLO.TXT", []byte("hello world"))
	d.AddFile("/A/TEST.COM", []byte{0x0E, 0x00, 0xCD, 0x05, 0x00})
	d.AddFile("/A/BARERET.COM", []byte{0x3E, 0x42, 0xC9}) // LD A,0x42; RET
	return d
}

func newTestCPM(t *testing.T, opts ...Option) *CPM {
	t.Helper()
	all := append([]Option{WithOutputDriver("null")}, opts...)
	c, err := New("", all...)
	if err != nil {
		t.Fatalf("failed to create CPM: %s", err)
	}
	return c
}

func TestNewDefaults(t *testing.T) {
	c, err := New("test.com")
	if err != nil {
		t.Fatalf("failed to create CPM: %s", err)
	}
	if c.Filename != "test.com" {
		t.Errorf("filename not recorded")
	}
	if c.Workspace == nil {
		t.Errorf("default Workspace should be non-nil")
	}
	if c.input == nil || c.output == nil {
		t.Errorf("default console drivers should be populated")
	}
	if c.shell.Bytes == nil {
		t.Errorf("default CCP flavour should be populated")
	}
	if len(c.BDOSSyscalls) == 0 || len(c.BIOSSyscalls) == 0 {
		t.Errorf("dispatch tables should be populated")
	}
}

func TestNewWithOptions(t *testing.T) {
	ws := workspace.New()
	ws.Mount('A', newFixtureDrive())

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	c, err := New("",
		WithLogger(logger),
		WithWorkspace(ws),
		WithInputDriver("error"),
		WithOutputDriver("logger"),
		WithPrinterPath("/tmp/should-not-be-created.log"),
		WithCCP("ccpz"),
	)
	if err != nil {
		t.Fatalf("failed to create CPM: %s", err)
	}
	if c.Workspace != ws {
		t.Errorf("workspace option was not applied")
	}
	if c.input.GetName() != "error" {
		t.Errorf("input driver option was not applied, got %s", c.input.GetName())
	}
	if c.output.GetName() != "logger" {
		t.Errorf("output driver option was not applied, got %s", c.output.GetName())
	}
	if c.prnPath != "/tmp/should-not-be-created.log" {
		t.Errorf("printer path option was not applied")
	}
	if c.shell.Name != "ccpz" {
		t.Errorf("CCP option was not applied, got %s", c.shell.Name)
	}
}

func TestNewBadOption(t *testing.T) {
	_, err := New("", WithInputDriver("no-such-driver"))
	if err == nil {
		t.Fatalf("expected an error for an unregistered input driver")
	}
	_, err = New("", WithOutputDriver("no-such-driver"))
	if err == nil {
		t.Fatalf("expected an error for an unregistered output driver")
	}
	_, err = New("", WithCCP("no-such-ccp"))
	if err == nil {
		t.Fatalf("expected an error for an unregistered CCP flavour")
	}
}

func TestColdBoot(t *testing.T) {
	c := newTestCPM(t)
	c.currentDrive = 3
	c.userNumber = 2
	c.dma = 0x1234

	if err := c.ColdBoot(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if c.currentDrive != 0 || c.userNumber != 0 {
		t.Errorf("cold boot should reset drive/user")
	}
	if c.dma != DefaultDMAAddress {
		t.Errorf("cold boot should reset DMA")
	}
	if c.CPU.PC != c.shell.Start {
		t.Errorf("PC should start at the resident shell, got 0x%04X", c.CPU.PC)
	}
	if c.CPU.SP != BDOSEntry-2 {
		t.Errorf("SP should leave room for the pushed zero return address, got 0x%04X", c.CPU.SP)
	}
	if c.Memory.GetU16(c.CPU.SP) != 0 {
		t.Errorf("a zero return address should be pushed so a bare RET falls through to the reset vector")
	}
	if _, ok := c.CPU.BreakPoints[BDOSEntry]; !ok {
		t.Errorf("BDOS entry point should be a breakpoint")
	}
	for fn := range c.BIOSSyscalls {
		addr := BIOSBase + uint16(fn)*BIOSEntrySize
		if _, ok := c.CPU.BreakPoints[addr]; !ok {
			t.Errorf("CBIOS function %d at 0x%04X should be a breakpoint", fn, addr)
		}
	}
	if c.Memory.Get(0x0000) != 0xC3 {
		t.Errorf("reset vector should hold a JP instruction")
	}
	if c.Memory.GetU16(0x0001) != BIOSBase+BIOSEntrySize {
		t.Errorf("reset vector should target the CBIOS warm-boot entry")
	}
	if c.Memory.GetU16(0x0006) != BDOSEntry {
		t.Errorf("CALL 5 trampoline should target the BDOS entry")
	}
}

func TestTransientSetup(t *testing.T) {
	c := newTestCPM(t)
	ws := workspace.New()
	ws.Mount('A', newFixtureDrive())
	c.Workspace = ws

	if err := c.ColdBoot(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if err := c.TransientSetup("/A/TEST.COM", []string{"A:FOO.TXT", "B:BAR.TXT"}); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if c.CPU.PC != TPAAddress {
		t.Errorf("PC should start at the TPA, got 0x%04X", c.CPU.PC)
	}
	if c.Memory.Get(TPAAddress) != 0x0E {
		t.Errorf("program bytes should be loaded at the TPA")
	}

	if c.Memory.Get(FCB1Address) != 1 {
		t.Errorf("first FCB should carry drive A (1), got %d", c.Memory.Get(FCB1Address))
	}
	name := string(c.Memory.GetRange(FCB1Address+1, 8))
	if name != "FOO     " {
		t.Errorf("first FCB name wrong, got %q", name)
	}

	if c.Memory.Get(FCB2Address) != 2 {
		t.Errorf("second FCB should carry drive B (2), got %d", c.Memory.Get(FCB2Address))
	}

	tailLen := c.Memory.Get(CLIBufferAddress)
	tail := string(c.Memory.GetRange(CLIBufferAddress+1, int(tailLen)))
	if tail != "A:FOO.TXT B:BAR.TXT" {
		t.Errorf("command tail wrong, got %q", tail)
	}
}

// TestTransientSetupBareReturnFallsThroughToWarmBoot exercises the
// "bare RET with no stack frame" scenario: a transient program that
// returns without ever pushing anything must drop PC to the reset
// vector (0x0000), and that vector must resolve to the CBIOS
// warm-boot entry, not garbage or a cold reboot.
func TestTransientSetupBareReturnFallsThroughToWarmBoot(t *testing.T) {
	c := newTestCPM(t)
	ws := workspace.New()
	ws.Mount('A', newFixtureDrive())
	c.Workspace = ws

	if err := c.ColdBoot(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := c.TransientSetup("/A/BARERET.COM", nil); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	err := c.CPU.Run(context.Background())
	if err != z80.ErrBreakPoint {
		t.Fatalf("expected to stop at the warm-boot breakpoint, got: %v", err)
	}
	if c.CPU.States.AF.Hi != 0x42 {
		t.Errorf("LD A,0x42 should have executed before the bare RET, got 0x%02X", c.CPU.States.AF.Hi)
	}
	if c.CPU.PC != BIOSBase+BIOSEntrySize {
		t.Errorf("bare RET with an empty stack should fall through to CBIOS warm boot, got PC=0x%04X", c.CPU.PC)
	}
}

func TestTransientSetupMissingFile(t *testing.T) {
	c := newTestCPM(t)
	if err := c.ColdBoot(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := c.TransientSetup("/A/NOPE.COM", nil); err == nil {
		t.Fatalf("expected an error for a missing program")
	}
}

func TestRunExitsOnBDOSTermination(t *testing.T) {
	c := newTestCPM(t)
	ws := workspace.New()
	ws.Mount('A', newFixtureDrive())
	c.Workspace = ws

	if err := c.ColdBoot(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if err := c.TransientSetup("/A/TEST.COM", nil); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("expected a clean exit, got: %s", err)
	}
}

func TestDispatchBDOSUnimplemented(t *testing.T) {
	c := newTestCPM(t)
	c.CPU.States.BC.Lo = 0xF0 // no such BDOS function
	err := c.dispatchBDOS()
	if err != ErrUnimplemented {
		t.Fatalf("expected ErrUnimplemented, got %v", err)
	}
}

func TestDispatchBIOSUnimplemented(t *testing.T) {
	c := newTestCPM(t)
	err := c.dispatchBIOS(200)
	if err != ErrUnimplemented {
		t.Fatalf("expected ErrUnimplemented, got %v", err)
	}
}

func TestDispatchResetsIdlePollsExceptRawIOPolling(t *testing.T) {
	c := newTestCPM(t)
	c.input = &fakeInput{pending: false}
	c.idlePolls = 10

	// C_RAWIO with E=0xFF (non-blocking poll) must not reset the counter.
	c.CPU.States.BC.Lo = 6
	c.CPU.States.DE.Lo = 0xFF
	if err := c.dispatchBDOS(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.idlePolls == 0 {
		t.Errorf("idle poll counter should survive a non-blocking RAWIO poll")
	}

	// Any other BDOS call resets it.
	c.CPU.States.BC.Lo = 12 // S_BDOSVER
	if err := c.dispatchBDOS(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if c.idlePolls != 0 {
		t.Errorf("idle poll counter should reset on an unrelated BDOS call")
	}
}

func TestFCBPartsFromArg(t *testing.T) {
	drv, name, typ := fcbPartsFromArg("a:foo.txt")
	if drv != 1 {
		t.Errorf("expected drive 1 (A), got %d", drv)
	}
	if string(name[:]) != "FOO     " {
		t.Errorf("name not padded/upper-cased, got %q", name)
	}
	if string(typ[:]) != "TXT" {
		t.Errorf("type wrong, got %q", typ)
	}
}

func TestFCBPartsFromArgNoDrive(t *testing.T) {
	drv, name, _ := fcbPartsFromArg("bare")
	if drv != 0 {
		t.Errorf("expected drive 0 (current), got %d", drv)
	}
	if string(name[:]) != "BARE    " {
		t.Errorf("name wrong, got %q", name)
	}
}

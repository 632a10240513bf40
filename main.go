// Command cpmulator-go boots the CP/M personality core as a standalone
// program: it wires a mounted workspace of drives, a console pair, and
// a CCP flavour together and hands control to cpm.CPM.
//
// Subcommands mirror the three ways the teacher's flat-flag main.go let
// you drive the emulator - run a single transient program, drop into an
// interactive shell, or replay a scripted session - restructured onto
// cobra.Command so each mode gets its own focused flag set instead of
// one sprawling flag list.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/skx/cpmulator-go/ccp"
	"github.com/skx/cpmulator-go/consolein"
	"github.com/skx/cpmulator-go/consoleout"
	"github.com/skx/cpmulator-go/cpm"
	"github.com/skx/cpmulator-go/drive"
	"github.com/skx/cpmulator-go/scripted"
	"github.com/skx/cpmulator-go/static"
	"github.com/skx/cpmulator-go/version"
	"github.com/skx/cpmulator-go/workspace"
)

// globalOptions holds the persistent flag values shared by every
// subcommand that boots a CPM instance.
type globalOptions struct {
	ccpName string
	input   string
	output  string
	prnPath string
	logPath string
	logAll  bool
	timeout time.Duration
	embed   bool
	create  bool
	stuff   string
	drives  [16]string
}

var opts globalOptions

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "cpmulator-go",
		Short:        "A virtualised CP/M 2.2 personality",
		Long:         version.GetVersionBanner(),
		Version:      version.GetVersionString(),
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.ccpName, "ccp", "ccp", "CCP flavour to load")
	flags.StringVar(&opts.input, "input", "stty", "Console input driver")
	flags.StringVar(&opts.output, "output", "ansi", "Console output driver")
	flags.StringVar(&opts.prnPath, "prn-path", "print.log", "Path LST:/PRN: output is appended to")
	flags.StringVar(&opts.logPath, "log-path", "", "Write structured logs here instead of discarding them")
	flags.BoolVar(&opts.logAll, "log-all", false, "Log every BDOS/CBIOS call, not just unimplemented ones")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Abort the run after this long; 0 disables the deadline")
	flags.BoolVar(&opts.embed, "embed", true, "Mount the bundled static drive content onto its drive letters")
	flags.BoolVar(&opts.create, "create", false, "Create host drive directories that don't exist yet")
	flags.StringVar(&opts.stuff, "stuff", "", "Pre-seed the stty input driver's buffer with this string")
	for i := 0; i < 16; i++ {
		letter := string(rune('a' + i))
		flags.StringVar(&opts.drives[i], "drive-"+letter, "",
			fmt.Sprintf("Host directory to mount as drive %s:", strings.ToUpper(letter)))
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newShellCommand())
	root.AddCommand(newScriptCommand())
	root.AddCommand(newListCCPCommand())
	root.AddCommand(newListSyscallsCommand())
	root.AddCommand(newListDriversCommand())

	return root
}

// buildWorkspace mounts every drive letter the global flags describe:
// a host directory via --drive-X, the bundled static content via
// --embed, or both layered together with the host directory shadowing
// the bundled content.
func buildWorkspace() (*workspace.Workspace, error) {
	ws := workspace.New()

	embedded := map[byte]map[string][]byte{}
	if opts.embed {
		for name, file := range static.GetContent() {
			parts := strings.SplitN(name, "/", 2)
			if len(parts) != 2 || len(parts[0]) != 1 {
				continue
			}
			letter := strings.ToUpper(parts[0])[0]
			if embedded[letter] == nil {
				embedded[letter] = map[string][]byte{}
			}
			embedded[letter][string(letter)+"/"+strings.ToUpper(parts[1])] = file.Data
		}
	}

	for i, hostDir := range opts.drives {
		letter := byte('A' + i)

		var pkg *drive.DriveLayer
		if pkgFiles, ok := embedded[letter]; ok {
			pkg = drive.NewPackageDrive(pkgFiles)
			delete(embedded, letter)
		}

		if hostDir == "" {
			if pkg != nil {
				ws.Mount(letter, pkg)
			}
			continue
		}

		host, err := mountHostDirectory(letter, hostDir, opts.create)
		if err != nil {
			return nil, err
		}

		if pkg != nil {
			ws.Mount(letter, drive.NewOverlayDrive(pkg, host))
		} else {
			ws.Mount(letter, host)
		}
	}

	// Anything bundled that wasn't claimed by a --drive-X flag still
	// gets mounted on its native letter, so a bare invocation has
	// something to boot against.
	for letter, pkgFiles := range embedded {
		ws.Mount(letter, drive.NewPackageDrive(pkgFiles))
	}

	return ws, nil
}

// mountHostDirectory loads every file directly beneath hostDir into a
// fresh memory drive, creating the directory first if create is set
// and it doesn't exist.
func mountHostDirectory(letter byte, hostDir string, create bool) (*drive.DriveLayer, error) {
	if _, err := os.Stat(hostDir); err != nil {
		if !create || !os.IsNotExist(err) {
			return nil, fmt.Errorf("drive %c: %w", letter, err)
		}
		if err := os.MkdirAll(hostDir, 0o755); err != nil {
			return nil, fmt.Errorf("drive %c: %w", letter, err)
		}
	}

	d := drive.NewMemoryDrive()
	entries, err := os.ReadDir(hostDir)
	if err != nil {
		return nil, fmt.Errorf("drive %c: %w", letter, err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(hostDir, ent.Name()))
		if err != nil {
			return nil, fmt.Errorf("drive %c: %w", letter, err)
		}
		d.AddFile("/"+string(letter)+"/"+strings.ToUpper(ent.Name()), data)
	}
	return d, nil
}

// buildLogger returns the slog.Logger every CPM instance is configured
// with: warnings-only on stderr by default, or a JSON stream at
// --log-path, with --log-all dropping the level to debug so every
// BDOS/CBIOS dispatch is recorded.
func buildLogger() (*slog.Logger, error) {
	level := slog.LevelWarn
	if opts.logAll {
		level = slog.LevelDebug
	}

	if opts.logPath == "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
	}

	f, err := os.OpenFile(opts.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})), nil
}

// buildCPM constructs, but does not boot, a CPM instance from the
// global flags.
func buildCPM(filename string) (*cpm.CPM, error) {
	ws, err := buildWorkspace()
	if err != nil {
		return nil, err
	}
	logger, err := buildLogger()
	if err != nil {
		return nil, err
	}

	return cpm.New(filename,
		cpm.WithWorkspace(ws),
		cpm.WithLogger(logger),
		cpm.WithInputDriver(opts.input),
		cpm.WithOutputDriver(opts.output),
		cpm.WithPrinterPath(opts.prnPath),
		cpm.WithCCP(opts.ccpName),
	)
}

// runWithInput boots the console input driver, runs c to completion
// under the configured deadline, and always tears the driver back
// down afterwards.
func runWithInput(c *cpm.CPM) error {
	if stuffer, ok := c.Input().(*consolein.STTYInput); ok && opts.stuff != "" {
		stuffer.StuffInput(opts.stuff)
	}
	if err := c.Input().Setup(); err != nil {
		return fmt.Errorf("setting up input driver: %w", err)
	}
	defer c.Input().TearDown()

	ctx := context.Background()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	err := c.Run(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("run timed out after %s", opts.timeout)
	}
	return err
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <program> [args...]",
		Short: "Load a single transient program and run it to completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCPM(args[0])
			if err != nil {
				return err
			}
			if err := c.ColdBoot(); err != nil {
				return err
			}

			path := resolveProgram(args[0])
			if err := c.TransientSetup(path, args[1:]); err != nil {
				return err
			}
			return runWithInput(c)
		},
	}
}

func newShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Boot the resident CCP and drop into an interactive session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCPM("")
			if err != nil {
				return err
			}
			if err := c.ColdBoot(); err != nil {
				return err
			}
			return runWithInput(c)
		},
	}
}

// scriptStepJSON is the on-disk shape of one scripted.Step: durations
// are plain strings ("500ms", "5s") rather than raw nanosecond counts.
type scriptStepJSON struct {
	Wait    string `json:"wait"`
	Send    string `json:"send"`
	Timeout string `json:"timeout"`
	Delay   string `json:"delay"`
}

// loadScript reads a JSON array of scriptStepJSON from path and
// decodes it into the scripted.Step list a Compiler expects.
func loadScript(path string) ([]scripted.Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script %s: %w", path, err)
	}

	var raw []scriptStepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing script %s: %w", path, err)
	}

	steps := make([]scripted.Step, 0, len(raw))
	for _, r := range raw {
		step := scripted.Step{Wait: scripted.Substring(r.Wait), Send: r.Send}
		if r.Timeout != "" {
			d, err := time.ParseDuration(r.Timeout)
			if err != nil {
				return nil, fmt.Errorf("script %s: bad timeout %q: %w", path, r.Timeout, err)
			}
			step.Timeout = d
		}
		if r.Delay != "" {
			d, err := time.ParseDuration(r.Delay)
			if err != nil {
				return nil, fmt.Errorf("script %s: bad delay %q: %w", path, r.Delay, err)
			}
			step.Delay = d
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func newScriptCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "script <program> <script.json>",
		Short: "Drive a transient program through a scripted wait/send dialogue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := loadScript(args[1])
			if err != nil {
				return err
			}

			ws, err := buildWorkspace()
			if err != nil {
				return err
			}
			logger, err := buildLogger()
			if err != nil {
				return err
			}

			console := scripted.NewConsole()
			c, err := cpm.New(args[0],
				cpm.WithWorkspace(ws),
				cpm.WithLogger(logger),
				cpm.WithInputInstance(console),
				cpm.WithOutputInstance(console),
				cpm.WithPrinterPath(opts.prnPath),
				cpm.WithCCP(opts.ccpName),
			)
			if err != nil {
				return err
			}
			if err := c.ColdBoot(); err != nil {
				return err
			}

			path := resolveProgram(args[0])
			if err := c.TransientSetup(path, nil); err != nil {
				return err
			}

			ctx := context.Background()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}

			base := filepath.Base(args[0])
			name := strings.TrimSuffix(base, filepath.Ext(base))
			compiler := scripted.NewCompiler(c, console, name, steps)

			err = compiler.Run(ctx)
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("script timed out after %s", opts.timeout)
			}
			return err
		},
	}
}

// resolveProgram turns a command-line argument like "A:GAME.COM" or a
// bare "GAME.COM" into the unified workspace path TransientSetup
// expects, defaulting to drive A when no drive prefix is given.
func resolveProgram(arg string) string {
	drv := uint8(0)
	name := arg
	if len(arg) > 1 && arg[1] == ':' {
		drv = uint8(arg[0]|0x20) - 'a'
		name = arg[2:]
	}
	return workspace.Path(drv, strings.ToUpper(name))
}

func newListCCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-ccp",
		Short: "List the available CCP flavours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Name", "Start", "Description"})

			flavours := ccp.GetAll()
			sort.Slice(flavours, func(i, j int) bool { return flavours[i].Name < flavours[j].Name })
			for _, f := range flavours {
				t.AppendRow(table.Row{f.Name, fmt.Sprintf("0x%04X", f.Start), f.Description})
			}
			t.Render()
			return nil
		},
	}
}

func newListSyscallsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-syscalls",
		Short: "List every implemented BDOS and CBIOS function",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cpm.New("")
			if err != nil {
				return err
			}

			render := func(title string, calls map[uint8]cpm.Syscall) {
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.SetTitle(title)
				t.AppendHeader(table.Row{"Function", "Name"})

				fns := make([]int, 0, len(calls))
				for fn := range calls {
					fns = append(fns, int(fn))
				}
				sort.Ints(fns)
				for _, fn := range fns {
					t.AppendRow(table.Row{fn, calls[uint8(fn)].Desc})
				}
				t.Render()
			}

			render("BDOS", c.BDOSSyscalls)
			render("CBIOS", c.BIOSSyscalls)
			return nil
		},
	}
}

func newListDriversCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-drivers",
		Short: "List the registered console input and output drivers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := consoleout.New("null")
			if err != nil {
				return err
			}

			ins := consolein.Drivers()
			sort.Strings(ins)
			outs := out.GetDrivers()
			sort.Strings(outs)

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Kind", "Driver"})
			for _, name := range ins {
				t.AppendRow(table.Row{"input", name})
			}
			for _, name := range outs {
				t.AppendRow(table.Row{"output", name})
			}
			t.Render()
			return nil
		},
	}
}

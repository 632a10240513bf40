// Package scripted implements the expect-style automation contract
// layered on top of consolein/consoleout: an append-only, printable
// output buffer that wait_for can block against, and a queue_input
// mechanism that imitates typing at a configurable pace.
//
// It is grounded on two teacher idioms generalized to a reusable
// shape: consolein's FileInput driver (delay-paced fake input) and
// consoleout's OutputLoggingDriver (output-history capture).
package scripted

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/skx/cpmulator-go/consolein"
	"github.com/skx/cpmulator-go/consoleout"
	"github.com/skx/cpmulator-go/cpm"
)

// Pattern is either a literal substring or a callback that inspects
// the buffer and returns the offset just past a match, or -1.
//
// Spec note: matching is deliberately not regex-in-core; callers that
// need more than substring matching supply a function.
type Pattern struct {
	substring string
	match     func(buf []byte) int
}

// Substring returns a Pattern that matches when buf contains s.
func Substring(s string) Pattern {
	return Pattern{substring: s}
}

// Func returns a Pattern driven by an arbitrary matcher.
func Func(f func(buf []byte) int) Pattern {
	return Pattern{match: f}
}

func (p Pattern) matchIn(buf []byte) bool {
	if p.match != nil {
		return p.match(buf) >= 0
	}
	return bytes.Contains(buf, []byte(p.substring))
}

// Console wraps a blocking character-input source and a character
// output sink with the scripted-automation contract: an output
// buffer, wait_for, clear_output_buffer, and paced input queuing.
type Console struct {
	mu     sync.Mutex
	buf    []byte
	waiter chan struct{}

	pending []byte
	writer  io.Writer
}

// NewConsole returns an empty scripted console.
func NewConsole() *Console {
	return &Console{waiter: make(chan struct{}, 1)}
}

// Write appends a byte produced by the running program to the output
// buffer. Only printable ASCII (0x20..0x7E) is retained, per the
// append-only printable-output contract; it wakes any wait_for
// waiters so they re-evaluate against the new content.
func (c *Console) Write(b byte) {
	c.mu.Lock()
	if b >= 0x20 && b <= 0x7E {
		c.buf = append(c.buf, b)
	}
	c.mu.Unlock()

	select {
	case c.waiter <- struct{}{}:
	default:
	}
}

// ClearOutputBuffer discards everything accumulated so far. Called
// between interaction steps so the next wait_for starts clean.
func (c *Console) ClearOutputBuffer() {
	c.mu.Lock()
	c.buf = nil
	c.mu.Unlock()
}

// Buffer returns a snapshot of the current output buffer.
func (c *Console) Buffer() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	return out
}

// WaitFor blocks until the output buffer matches pattern, or timeout
// elapses.
func (c *Console) WaitFor(ctx context.Context, pattern Pattern, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		if pattern.matchIn(c.Buffer()) {
			return nil
		}
		select {
		case <-c.waiter:
			continue
		case <-time.After(5 * time.Millisecond):
			// re-poll; a Write between our check and the select
			// above would otherwise be missed.
			continue
		case <-deadline:
			return errTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// errTimeout is returned by WaitFor when a pattern never matched
// within the given timeout.
var errTimeout = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string { return "timeout" }

// IsTimeout reports whether err is the WaitFor timeout sentinel.
func IsTimeout(err error) bool {
	_, ok := err.(timeoutError)
	return ok
}

// QueueInput enqueues text for immediate, unpaced delivery.
func (c *Console) QueueInput(text string) {
	c.mu.Lock()
	c.pending = append(c.pending, []byte(text)...)
	c.mu.Unlock()
}

// QueueInputSlow enqueues text with `delay` paced between each
// character, imitating typing. Delivery happens in a background
// goroutine so the caller is not blocked for the whole duration.
func (c *Console) QueueInputSlow(text string, delay time.Duration) {
	go func() {
		for _, r := range text {
			c.mu.Lock()
			c.pending = append(c.pending, byte(r))
			c.mu.Unlock()
			time.Sleep(delay)
		}
	}()
}

// PendingInput reports whether queued input is available.
func (c *Console) PendingInput() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// BlockForCharacterNoEcho returns the next queued input character,
// blocking (by short polling) until one becomes available.
func (c *Console) BlockForCharacterNoEcho() (byte, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			b := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return b, nil
		}
		c.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

// GetName identifies this driver to the consolein/consoleout registries.
func (c *Console) GetName() string { return "scripted" }

// Setup/TearDown satisfy consolein.ConsoleInput; scripted consoles
// need neither terminal nor background-process setup.
func (c *Console) Setup() error    { return nil }
func (c *Console) TearDown() error { return nil }

// PutCharacter satisfies consoleout.ConsoleOutput: every character the
// emulated program prints is appended to the scripted output buffer.
func (c *Console) PutCharacter(b uint8) {
	c.Write(b)
}

// SetWriter satisfies consoleout.ConsoleOutput. The scripted console
// does not forward to an underlying writer; it only records.
func (c *Console) SetWriter(w io.Writer) {
	c.writer = w
}

// GetOutput satisfies consoleout.ConsoleRecorder.
func (c *Console) GetOutput() string {
	return string(c.Buffer())
}

// Reset satisfies consoleout.ConsoleRecorder.
func (c *Console) Reset() {
	c.ClearOutputBuffer()
}

func init() {
	consolein.Register("scripted", func() consolein.ConsoleInput {
		return NewConsole()
	})
	consoleout.Register("scripted", func() consoleout.ConsoleOutput {
		return NewConsole()
	})
}

// Step is one (wait pattern, send template) pair of a scripted
// dialogue.
type Step struct {
	Wait    Pattern
	Send    string
	Timeout time.Duration
	Delay   time.Duration
}

// Compiler drives a fixed dialogue of wait/send pairs against a
// resident shell running inside vm, with console as both the shell's
// input and output driver, substituting "{name}" in each send template
// for a bound base filename.
type Compiler struct {
	vm      *cpm.CPM
	console *Console
	steps   []Step
	name    string
}

// NewCompiler returns a Compiler driving vm through console, bound to
// name for "{name}" template substitution. vm must already be booted
// (ColdBoot called) and configured with console as both its input and
// output driver.
func NewCompiler(vm *cpm.CPM, console *Console, name string, steps []Step) *Compiler {
	return &Compiler{vm: vm, console: console, steps: steps, name: name}
}

// Run starts vm in a background loop, then walks the dialogue in
// order: wait for each step's pattern, clear the buffer, queue that
// step's (templated) input at its pace, and settle briefly before the
// next step's wait begins. Once the dialogue is exhausted, vm keeps
// running until it exits on its own or ctx is cancelled.
func (c *Compiler) Run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- c.vm.Run(ctx)
	}()

	for _, step := range c.steps {
		timeout := step.Timeout
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		if err := c.console.WaitFor(ctx, step.Wait, timeout); err != nil {
			return err
		}

		c.console.ClearOutputBuffer()

		send := strings.ReplaceAll(step.Send, "{name}", c.name)
		delay := step.Delay
		if delay == 0 {
			c.console.QueueInput(send)
		} else {
			c.console.QueueInputSlow(send, delay)
		}

		time.Sleep(100 * time.Millisecond)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

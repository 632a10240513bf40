// Package consolein handles the reading of console input for the
// emulator: blocking reads of a single character, with and without
// echo, plus polling for pending input.
//
// Drivers register themselves by name in an init() function, the way
// the sibling consoleout package does, so the host can pick one at
// runtime (interactive terminal, scripted file-based input, or an
// always-erroring driver used in tests).
package consolein

import "fmt"

// ConsoleInput is the interface every input-driver must implement.
type ConsoleInput interface {
	// Setup prepares the driver (e.g. reading a script file, or
	// allocating a background polling goroutine).
	Setup() error

	// TearDown restores any host state the driver changed.
	TearDown() error

	// PendingInput reports whether a character is available without
	// blocking.
	PendingInput() bool

	// BlockForCharacterNoEcho blocks until a character is available
	// and returns it, without echoing it back to the console.
	BlockForCharacterNoEcho() (byte, error)

	// GetName returns the driver's registered name.
	GetName() string
}

// Constructor creates a new, zeroed instance of a driver.
type Constructor func() ConsoleInput

var handlers = make(map[string]Constructor)

// Register makes a console input-driver available, by name.
func Register(name string, ctor Constructor) {
	handlers[name] = ctor
}

// Drivers returns the names of every registered input-driver.
func Drivers() []string {
	var names []string
	for name := range handlers {
		names = append(names, name)
	}
	return names
}

// New constructs the named input-driver, or returns an error if no
// driver with that name has been registered.
func New(name string) (ConsoleInput, error) {
	ctor, ok := handlers[name]
	if !ok {
		return nil, fmt.Errorf("no such console input driver %q", name)
	}
	return ctor(), nil
}

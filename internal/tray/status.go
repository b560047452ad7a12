// Package tray shows the agent state in the system tray: whether a card
// session is running, how many readers are attached, and whether the
// terminal is linked.
package tray

import (
	"fmt"
	"time"

	"github.com/SimplyPrint/tangem-agent/internal/reader"
)

const (
	statusInterval  = time.Second
	readersInterval = 5 * time.Second
)

// Agent is what the tray reads and controls.
type Agent interface {
	Busy() bool
	Cancel() bool
	LinkedTerminal() bool
	SetLinkedTerminal(on bool) error
	Readers() ([]reader.Info, error)
}

func statusTitle(busy bool) string {
	if busy {
		return "Status: Card session active"
	}
	return "Status: Idle"
}

func readersTitle(readers []reader.Info, err error) string {
	switch {
	case err != nil:
		return "Readers: Unavailable"
	case len(readers) == 0:
		return "Readers: None connected"
	case len(readers) == 1:
		return "Readers: " + readers[0].Name
	}
	return fmt.Sprintf("Readers: %d connected", len(readers))
}

func versionTitle(version string) string {
	// only release versions get a "v" prefix
	if len(version) > 0 && version[0] >= '0' && version[0] <= '9' {
		version = "v" + version
	}
	return "Tangem Agent " + version
}

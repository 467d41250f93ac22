// Package policy implements the threshold rules that turn a larva count into
// a severity status and a recommended device action. The functions here are
// pure: no I/O, no clock, no persistence.
package policy

import (
	"errors"
	"fmt"
)

// Status grades a detection count. The order SAFE < WARNING < DANGER is total
// and fixed.
type Status string

const (
	StatusSafe    Status = "SAFE"
	StatusWarning Status = "WARNING"
	StatusDanger  Status = "DANGER"
)

// Rank returns the position of the status in the severity order, SAFE lowest.
// Unknown values rank below SAFE.
func (s Status) Rank() int {
	switch s {
	case StatusSafe:
		return 0
	case StatusWarning:
		return 1
	case StatusDanger:
		return 2
	default:
		return -1
	}
}

// AtLeast reports whether s is at least as severe as other.
func (s Status) AtLeast(other Status) bool {
	return s.Rank() >= other.Rank()
}

// Action is the physical behavior recommended to a device.
type Action string

const (
	// ActionActivate tells the device to run its larvicide servo.
	ActionActivate Action = "ACTIVATE"
	// ActionSleep tells the device to stay idle until its next cycle.
	ActionSleep Action = "SLEEP"
)

// Thresholds holds the count boundaries between severity statuses. Counts
// below Warning are SAFE, counts below Danger are WARNING, the rest DANGER.
type Thresholds struct {
	Warning int
	Danger  int
}

// DefaultThresholds returns the boundaries used by the field deployment:
// three larvae for WARNING, seven for DANGER.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 3, Danger: 7}
}

// Validate checks that the thresholds describe a usable ordering.
func (t Thresholds) Validate() error {
	if t.Warning < 0 || t.Danger < 0 {
		return errors.New("thresholds must not be negative")
	}
	if t.Warning > t.Danger {
		return fmt.Errorf("warning threshold %d exceeds danger threshold %d", t.Warning, t.Danger)
	}
	return nil
}

// StatusFor maps a larva count to its severity. Monotonic: a higher count
// never yields a lower severity. Negative counts are clamped to zero.
func (t Thresholds) StatusFor(count int) Status {
	if count < 0 {
		count = 0
	}
	switch {
	case count >= t.Danger:
		return StatusDanger
	case count >= t.Warning:
		return StatusWarning
	default:
		return StatusSafe
	}
}

// ActionFor maps a severity to the device action. Only DANGER activates the
// servo; SAFE and WARNING both leave the device sleeping.
func ActionFor(status Status) Action {
	if status == StatusDanger {
		return ActionActivate
	}
	return ActionSleep
}

// Decide combines StatusFor and ActionFor for a single count.
func (t Thresholds) Decide(count int) (Status, Action) {
	status := t.StatusFor(count)
	return status, ActionFor(status)
}

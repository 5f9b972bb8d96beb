// Package widget runs the periodic read-only commands whose output fills the
// HUD's widget regions.
//
// A Runner owns one widget's State and performs single captures. A Scheduler
// ticks every Runner on its own interval, never overlapping two captures of
// the same widget, and reports changed states through a Notifier.
package widget

import (
	"fmt"
	"slices"
	"time"
)

// Spec is a configured widget. It is immutable once loaded.
type Spec struct {
	ID       string
	Command  string
	Args     []string
	Dir      string
	Interval time.Duration
	Timeout  time.Duration
	RegionID string
}

// StatusKind is the outcome class of the most recent capture.
type StatusKind int

const (
	StatusPending StatusKind = iota
	StatusOk
	StatusFailed
)

func (k StatusKind) String() string {
	switch k {
	case StatusPending:
		return "pending"
	case StatusOk:
		return "ok"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(k))
	}
}

// Status is the last capture's outcome. Reason is set only for failures.
type Status struct {
	Kind   StatusKind
	Reason string
}

// Failed builds a failure status.
func Failed(reason string) Status { return Status{Kind: StatusFailed, Reason: reason} }

func (s Status) String() string {
	if s.Kind == StatusFailed {
		return "failed(" + s.Reason + ")"
	}
	return s.Kind.String()
}

// State is a snapshot of one widget. Snapshots handed out by a Runner share
// no memory with the Runner's live state.
type State struct {
	ID        string
	Lines     []string
	LastRunAt time.Time
	Status    Status
	Runs      int
}

func (s State) clone() State {
	s.Lines = slices.Clone(s.Lines)
	return s
}

// sameDisplay reports whether two states render identically.
func sameDisplay(a, b State) bool {
	return a.Status == b.Status && slices.Equal(a.Lines, b.Lines)
}

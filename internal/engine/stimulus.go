package engine

import (
	"github.com/kestrelflow/reactor/domain/event"
)

// stimulusKind discriminates the four sources that can trigger dispatch.
type stimulusKind int

const (
	stimulusEvent stimulusKind = iota
	stimulusFact
	stimulusTimer
	stimulusTemporal
)

// stimulus is one unit of work submitted to the dispatcher goroutine. Only
// the fields relevant to kind are populated.
type stimulus struct {
	kind stimulusKind

	ev            event.Event
	factChange    FactChange
	timerFired    TimerFired
	temporalFired TemporalFired

	correlationID string
	done          chan struct{}
}

package model

import "time"

// RunHandle identifies the run every fetch and persist call belongs to.
// Only the run coordinator creates valid handles.
type RunHandle struct {
	id      string
	started time.Time
}

func NewRunHandle(id string, started time.Time) RunHandle {
	return RunHandle{id: id, started: started}
}

func (h RunHandle) ID() string {
	return h.id
}

func (h RunHandle) Started() time.Time {
	return h.started
}

func (h RunHandle) Valid() bool {
	return h.id != ""
}

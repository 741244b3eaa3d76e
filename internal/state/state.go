// Package state holds the ordered image records of one workspace and the
// detail-pane selection. All changes go through Reduce, which never mutates
// its input.
package state

import "ocrdrop/internal/models"

// State is an immutable snapshot of a workspace.
type State struct {
	Records  []models.ImageRecord `json:"images"`
	Selected string               `json:"selected"`
}

// Reduce applies one event and returns the resulting state. When the event
// does not apply (unknown id, terminal record), the input is returned as is.
func Reduce(s State, e Event) State {
	next, _ := reduce(s, e)
	return next
}

func reduce(s State, e Event) (State, bool) {
	if e == nil {
		return s, false
	}
	return e.apply(s)
}

// Get returns the record with the given id.
func (s State) Get(id string) (models.ImageRecord, bool) {
	if idx := s.index(id); idx >= 0 {
		return s.Records[idx], true
	}
	return models.ImageRecord{}, false
}

// SelectedRecord returns the record shown in the detail pane, if any.
func (s State) SelectedRecord() (models.ImageRecord, bool) {
	if s.Selected == "" {
		return models.ImageRecord{}, false
	}
	return s.Get(s.Selected)
}

// Processing counts records still waiting for a terminal update.
func (s State) Processing() int {
	n := 0
	for _, r := range s.Records {
		if r.IsProcessing {
			n++
		}
	}
	return n
}

func (s State) index(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.Records {
		if s.Records[i].ID == id {
			return i
		}
	}
	return -1
}

func (s State) clone(extra int) State {
	records := make([]models.ImageRecord, len(s.Records), len(s.Records)+extra)
	copy(records, s.Records)
	return State{Records: records, Selected: s.Selected}
}

// update copies the state and runs fn on the target record; if fn reports no
// change the original state is returned.
func (s State) update(id string, fn func(*models.ImageRecord) bool) (State, bool) {
	idx := s.index(id)
	if idx < 0 {
		return s, false
	}
	rec := s.Records[idx]
	if !fn(&rec) {
		return s, false
	}
	next := s.clone(0)
	next.Records[idx] = rec
	return next, true
}

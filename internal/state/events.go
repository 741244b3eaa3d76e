package state

import "ocrdrop/internal/models"

// Kind names an event; it doubles as the SSE event name.
type Kind string

const (
	KindIntake     Kind = "intake"
	KindChunk      Kind = "chunk"
	KindCompleted  Kind = "completed"
	KindFailed     Kind = "failed"
	KindRemoved    Kind = "removed"
	KindSelected   Kind = "selected"
	KindDeselected Kind = "deselected"
)

// Event is one transition of the workspace state.
type Event interface {
	Kind() Kind
	// RecordID is the record the event targets, empty for batch or selection-clearing events.
	RecordID() string
	apply(State) (State, bool)
}

// Intake appends freshly accepted records in drop order.
type Intake struct {
	Records []models.ImageRecord
}

// ChunkAppended carries one streamed text increment.
type ChunkAppended struct {
	ID   string
	Text string
}

// Completed marks the end of a successful stream.
type Completed struct {
	ID string
}

// Failed marks a terminal failure; Message is what the user sees.
type Failed struct {
	ID      string
	Message string
}

// Removed deletes a record.
type Removed struct {
	ID string
}

// Selected opens the detail pane for a record.
type Selected struct {
	ID string
}

// Deselected dismisses the detail pane.
type Deselected struct{}

func (Intake) Kind() Kind        { return KindIntake }
func (ChunkAppended) Kind() Kind { return KindChunk }
func (Completed) Kind() Kind     { return KindCompleted }
func (Failed) Kind() Kind        { return KindFailed }
func (Removed) Kind() Kind       { return KindRemoved }
func (Selected) Kind() Kind      { return KindSelected }
func (Deselected) Kind() Kind    { return KindDeselected }

func (Intake) RecordID() string          { return "" }
func (e ChunkAppended) RecordID() string { return e.ID }
func (e Completed) RecordID() string     { return e.ID }
func (e Failed) RecordID() string        { return e.ID }
func (e Removed) RecordID() string       { return e.ID }
func (e Selected) RecordID() string      { return e.ID }
func (Deselected) RecordID() string      { return "" }

func (e Intake) apply(s State) (State, bool) {
	if len(e.Records) == 0 {
		return s, false
	}
	seen := make(map[string]struct{}, len(s.Records)+len(e.Records))
	for _, r := range s.Records {
		seen[r.ID] = struct{}{}
	}
	next := s.clone(len(e.Records))
	for _, r := range e.Records {
		if r.ID == "" {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		next.Records = append(next.Records, r)
	}
	if len(next.Records) == len(s.Records) {
		return s, false
	}
	return next, true
}

func (e ChunkAppended) apply(s State) (State, bool) {
	if e.Text == "" {
		return s, false
	}
	return s.update(e.ID, func(r *models.ImageRecord) bool {
		if r.Terminal() {
			return false
		}
		r.Text += e.Text
		return true
	})
}

func (e Completed) apply(s State) (State, bool) {
	return s.update(e.ID, func(r *models.ImageRecord) bool {
		if r.Terminal() {
			return false
		}
		r.IsProcessing = false
		return true
	})
}

func (e Failed) apply(s State) (State, bool) {
	msg := e.Message
	if msg == "" {
		msg = models.ErrorMessage
	}
	return s.update(e.ID, func(r *models.ImageRecord) bool {
		if r.Terminal() {
			return false
		}
		r.IsProcessing = false
		r.Error = msg
		return true
	})
}

func (e Removed) apply(s State) (State, bool) {
	idx := s.index(e.ID)
	if idx < 0 {
		return s, false
	}
	next := State{
		Records:  make([]models.ImageRecord, 0, len(s.Records)-1),
		Selected: s.Selected,
	}
	next.Records = append(next.Records, s.Records[:idx]...)
	next.Records = append(next.Records, s.Records[idx+1:]...)
	if next.Selected == e.ID {
		next.Selected = ""
	}
	return next, true
}

func (e Selected) apply(s State) (State, bool) {
	if s.index(e.ID) < 0 || s.Selected == e.ID {
		return s, false
	}
	next := s.clone(0)
	next.Selected = e.ID
	return next, true
}

func (Deselected) apply(s State) (State, bool) {
	if s.Selected == "" {
		return s, false
	}
	next := s.clone(0)
	next.Selected = ""
	return next, true
}

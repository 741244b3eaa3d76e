package worker

import (
	"context"
	"math"
	"time"

	"ocrdrop/internal/models"
	"ocrdrop/internal/state"
)

// Job is one image waiting for extraction.
type Job struct {
	RecordID string
	Name     string
	MIMEType string
	// Read loads the image bytes through the record's preview reference.
	Read func(ctx context.Context) ([]byte, error)
}

// Sink receives the events a job produces. *state.Store satisfies it.
type Sink interface {
	Dispatch(e state.Event) bool
	Get(id string) (models.ImageRecord, bool)
}

// Pacing decides how long the worker rests between the end of one job and
// the start of the next.
type Pacing interface {
	// Rest is called with the number of consecutive failed jobs so far.
	Rest(failures int) time.Duration
}

// FixedPacing always rests the same duration.
type FixedPacing time.Duration

func (p FixedPacing) Rest(int) time.Duration {
	return time.Duration(p)
}

// BackoffPacing rests Base after a success and grows the rest by Factor for
// every consecutive failure, capped at Max.
type BackoffPacing struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

func (p BackoffPacing) Rest(failures int) time.Duration {
	if failures <= 0 {
		return p.Base
	}
	factor := p.Factor
	if factor <= 1 {
		factor = 2
	}
	rest := time.Duration(float64(p.Base) * math.Pow(factor, float64(failures)))
	if p.Max > 0 && (rest > p.Max || rest < 0) {
		return p.Max
	}
	return rest
}

// NewPacing maps the configured policy name onto a Pacing.
func NewPacing(kind string, delay, maxDelay time.Duration) Pacing {
	if kind == "backoff" {
		return BackoffPacing{Base: delay, Max: maxDelay, Factor: 2}
	}
	return FixedPacing(delay)
}

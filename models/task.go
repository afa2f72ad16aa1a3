package models

import (
	"time"

	"github.com/google/uuid"
)

// TaskPriority orders work in the scheduler. Live tasks always dispatch
// before backfill tasks.
type TaskPriority int

const (
	PriorityBackfill TaskPriority = iota
	PriorityLive
)

func (p TaskPriority) String() string {
	if p == PriorityLive {
		return "live"
	}
	return "backfill"
}

// FetchTask is one unit of fetch work over [Start, End). Tasks are
// ephemeral; they exist only while scheduled or executing.
type FetchTask struct {
	ID         string
	Symbol     string
	Interval   Interval
	Start      time.Time
	End        time.Time
	Priority   TaskPriority
	GapID      string // set for backfill-origin tasks
	Attempt    int
	EnqueuedAt time.Time
}

// NewLiveTask creates a live-priority task for the given window.
func NewLiveTask(symbol string, interval Interval, start, end time.Time) FetchTask {
	return FetchTask{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Interval:   interval,
		Start:      start.UTC(),
		End:        end.UTC(),
		Priority:   PriorityLive,
		EnqueuedAt: time.Now().UTC(),
	}
}

// NewBackfillTask creates a backfill-priority task bound to a gap chunk.
func NewBackfillTask(gap Gap, start, end time.Time) FetchTask {
	return FetchTask{
		ID:         uuid.NewString(),
		Symbol:     gap.Symbol,
		Interval:   gap.Interval,
		Start:      start.UTC(),
		End:        end.UTC(),
		Priority:   PriorityBackfill,
		GapID:      gap.ID,
		EnqueuedAt: time.Now().UTC(),
	}
}

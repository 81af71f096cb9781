package results

import (
	"sync"
	"time"

	"github.com/use-agent/chatrelay/models"
	"github.com/use-agent/chatrelay/session"
)

// Progress is a point-in-time view of a run.
type Progress struct {
	RunID     string    `json:"run_id"`
	Batch     int       `json:"batch"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	State     string    `json:"state"`
	Attempt   string    `json:"attempt,omitempty"`
	Attempts  int       `json:"attempts"`
	Done      bool      `json:"done"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker records controller progress. It is safe for concurrent use: the
// controller writes while the status API reads.
type Tracker struct {
	mu      sync.RWMutex
	p       Progress
	records []models.ScrapeResult
	now     func() time.Time
}

var _ session.Observer = (*Tracker)(nil)

// NewTracker returns a Tracker for one batch run.
func NewTracker(runID string, batch int) *Tracker {
	return &Tracker{
		p:   Progress{RunID: runID, Batch: batch, State: session.StateCold.String()},
		now: time.Now,
	}
}

func (t *Tracker) RunStarted(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.p.Total = total
	t.p.StartedAt = now
	t.p.UpdatedAt = now
}

func (t *Tracker) StateChanged(attemptID string, _, to session.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if to == session.StateCold && attemptID != "" && attemptID != t.p.Attempt {
		t.p.Attempts++
	}
	if attemptID != "" {
		t.p.Attempt = attemptID
	}
	t.p.State = to.String()
	t.p.Done = to == session.StateDone
	t.p.UpdatedAt = t.now()
}

func (t *Tracker) RecordAdded(r models.ScrapeResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, r)
	t.p.Completed++
	if r.Succeeded() {
		t.p.Succeeded++
	} else {
		t.p.Failed++
	}
	t.p.UpdatedAt = t.now()
}

// Snapshot returns the current progress.
func (t *Tracker) Snapshot() Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.p
}

// Records returns a copy of the records added so far.
func (t *Tracker) Records() []models.ScrapeResult {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.ScrapeResult(nil), t.records...)
}

package jobs

import (
	"sync"

	"github.com/bundle-ingest/backend/internal/models"
)

// Job kinds carried by Event.
const (
	KindUpload   = "upload"
	KindDownload = "download"
)

// Event is one observed job update.
type Event struct {
	Kind         string `json:"kind"`
	JobID        string `json:"jobId"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	BatchID      *int64 `json:"batchId,omitempty"`
	// Terminal is set once no further progress will be reported.
	Terminal bool `json:"terminal"`
}

// UploadEvent snapshots an upload job.
func UploadEvent(j *models.UploadJob) Event {
	return Event{
		Kind:         KindUpload,
		JobID:        j.JobID,
		Status:       string(j.Status),
		Progress:     j.Progress,
		ErrorMessage: j.ErrorMessage,
		BatchID:      j.BatchID,
		Terminal:     j.Status.Terminal(),
	}
}

// DownloadEvent snapshots a download job. Ready counts as terminal for
// progress: nothing more is reported until the archive is fetched.
func DownloadEvent(j *models.DownloadJob) Event {
	batchID := j.BatchID
	return Event{
		Kind:         KindDownload,
		JobID:        j.JobID,
		Status:       string(j.Status),
		Progress:     j.Progress,
		ErrorMessage: j.ErrorMessage,
		BatchID:      &batchID,
		Terminal:     j.Status.Terminal() || j.Status == models.DownloadStatusReady,
	}
}

const subscriberBuffer = 32

// Broadcaster fans job events out to per-job subscribers.
// Slow subscribers miss events rather than blocking publishers.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers for events of jobID. The returned cancel func must be called.
func (b *Broadcaster) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[jobID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, jobID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber of its job.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers reports how many listeners jobID has.
func (b *Broadcaster) Subscribers(jobID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[jobID])
}

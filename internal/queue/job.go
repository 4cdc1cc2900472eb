package queue

import (
	"encoding/json"
	"time"
)

// Kind discriminates the two sibling queues sharing one store: crawl jobs
// produced by operators, and publish jobs handed off by a finished crawl.
type Kind string

// Queue kinds.
const (
	KindCrawl   Kind = "crawl"
	KindPublish Kind = "publish"
)

// Status is the lifecycle state of a job row.
type Status string

// Job statuses.
const (
	StatusQueued Status = "queued"
	StatusActive Status = "active"
	StatusDone   Status = "done"
	StatusFailed Status = "failed"
)

// Target identifies what a job operates on: the entry locator, the series
// name, and the directory its artifacts land in.
type Target struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Dir  string `json:"dir"`
}

// Progress carries the live position indicators a running engine reports
// through Heartbeat for external observers.
type Progress struct {
	Position int    `json:"position"`
	Percent  int    `json:"percent"`
	Units    int    `json:"units"`
	State    string `json:"state"`
}

// Job is one unit of queued work.
type Job struct {
	ID                  string          `json:"id"`
	Kind                Kind            `json:"kind"`
	Target              Target          `json:"target"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	Status              Status          `json:"status"`
	Tries               int             `json:"tries"`
	LastError           string          `json:"last_error,omitempty"`
	AvailableAt         time.Time       `json:"available_at"`
	WorkerID            string          `json:"worker_id,omitempty"`
	ProcessingStartedAt time.Time       `json:"processing_started_at"`
	HeartbeatAt         time.Time       `json:"heartbeat_at"`
	Progress            Progress        `json:"progress"`
	Result              json.RawMessage `json:"result,omitempty"`
	Summary             json.RawMessage `json:"summary,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Event is one append-only observability record tied to a job.
type Event struct {
	ID      int64     `json:"id"`
	JobID   string    `json:"job_id"`
	TS      time.Time `json:"ts"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// CrawlPayload is the typed payload for KindCrawl jobs.
type CrawlPayload struct {
	ExpectedTotal int    `json:"expected_total,omitempty"`
	BatchSize     int    `json:"batch_size,omitempty"`
	ForceURL      bool   `json:"force_url,omitempty"`
	SeriesURL     string `json:"series_url,omitempty"`
	RequeuedFrom  string `json:"requeued_from,omitempty"`
}

// PublishPayload is the typed payload for KindPublish jobs.
type PublishPayload struct {
	SourceJobID string `json:"source_job_id,omitempty"`
}

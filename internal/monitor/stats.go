package monitor

import (
	"sync"
	"time"
)

// Stats is a point-in-time view of the loop counters.
type Stats struct {
	Polls           int64     `json:"polls"`
	Hits            int64     `json:"hits"`
	Misses          int64     `json:"misses"`
	Standby         int64     `json:"standby"`
	PollErrors      int64     `json:"poll_errors"`
	Panics          int64     `json:"panics"`
	Notified        int64     `json:"notified"`
	NotifyFailures  int64     `json:"notify_failures"`
	Uploaded        int64     `json:"uploaded"`
	UploadFailures  int64     `json:"upload_failures"`
	Deleted         int64     `json:"deleted"`
	DeleteFailures  int64     `json:"delete_failures"`
	LastPollAt      time.Time `json:"last_poll_at,omitempty"`
	LastIterationAt time.Time `json:"last_iteration_at,omitempty"`
	LastHitAt       time.Time `json:"last_hit_at,omitempty"`
	LastUniqueID    string    `json:"last_unique_id,omitempty"`
}

type counters struct {
	mu sync.Mutex
	s  Stats
}

func (c *counters) update(fn func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.s)
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

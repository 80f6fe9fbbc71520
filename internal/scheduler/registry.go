package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// job is the runtime handle for one armed message. Exactly one of entryID or
// timer is set: recurring messages hold a cron entry, one-time messages hold
// a one-shot timer. Jobs are never persisted; reconciliation rebuilds them.
type job struct {
	messageID string
	sessionID string

	spec    string // cron pattern, recurring only
	fireAt  time.Time
	entryID cron.EntryID
	timer   *time.Timer
}

// registry tracks the single live job slot per message id.
type registry struct {
	mu   sync.Mutex
	jobs map[string]*job
}

func newRegistry() *registry {
	return &registry{jobs: map[string]*job{}}
}

// put installs j and returns any job it displaced. The caller must release
// the displaced handle; the registry itself never touches cron or timers.
func (r *registry) put(j *job) (displaced *job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	displaced = r.jobs[j.messageID]
	r.jobs[j.messageID] = j
	return displaced
}

// take removes and returns the job for messageID, or nil.
func (r *registry) take(messageID string) *job {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[messageID]
	delete(r.jobs, messageID)
	return j
}

func (r *registry) has(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[messageID]
	return ok
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// drain empties the registry and returns every live job.
func (r *registry) drain() []*job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	r.jobs = map[string]*job{}
	return out
}

// snapshot copies the live jobs without removing them.
func (r *registry) snapshot() []*job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

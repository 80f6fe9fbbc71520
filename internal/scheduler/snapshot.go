package scheduler

import (
	"sort"
	"time"
)

// JobInfo describes one live trigger.
type JobInfo struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Spec      string    `json:"spec,omitempty"` // recurring only
	NextFire  time.Time `json:"next_fire,omitzero"`
}

// Snapshot is a point-in-time view of the engine, for diagnostics.
type Snapshot struct {
	Timezone string    `json:"timezone"`
	Workers  int       `json:"workers"`
	QueueLen int       `json:"queue_len"`
	QueueCap int       `json:"queue_cap"`
	Jobs     []JobInfo `json:"jobs"`
}

// Snapshot reports the engine's live jobs and queue pressure.
func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Timezone: s.loc.String(),
		Workers:  s.cfg.Workers,
		QueueLen: len(s.queue),
		QueueCap: cap(s.queue),
	}
	for _, j := range s.jobs.snapshot() {
		info := JobInfo{
			MessageID: j.messageID,
			SessionID: j.sessionID,
			Spec:      j.spec,
			NextFire:  j.fireAt,
		}
		if j.entryID != 0 {
			info.NextFire = s.c.Entry(j.entryID).Next
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	sort.Slice(snap.Jobs, func(i, k int) bool {
		return snap.Jobs[i].MessageID < snap.Jobs[k].MessageID
	})
	return snap
}

// JobCount returns the number of live triggers.
func (s *Service) JobCount() int { return s.jobs.count() }

package scheduler

import (
	"context"
	"time"

	"wagate/internal/eventbus"
	"wagate/internal/schedule"
	"wagate/pkg/logx"
)

// fireMarkTTL bounds how long a restart-delivery idempotence key lives. It
// only needs to outlast back-to-back reconcile passes.
const fireMarkTTL = 24 * time.Hour

// ReconcileReport summarizes one recovery pass over a session.
type ReconcileReport struct {
	SessionID string `json:"session_id"`
	Rearmed   int    `json:"rearmed"`
	FiredNow  int    `json:"fired_now"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// Reconcile rebuilds live jobs for a session from the durable store. It is
// idempotent: records that already carry a job are skipped. Overdue one-time
// records are delivered immediately, guarded by a fire mark so a crash
// between delivery and cleanup does not send twice. A record that cannot be
// re-armed is parked as failed_reschedule without aborting the pass.
func (s *Service) Reconcile(ctx context.Context, sessionID string) (ReconcileReport, error) {
	report := ReconcileReport{SessionID: sessionID}

	msgs, err := s.store.ListSchedules(ctx, sessionID)
	if err != nil {
		return report, err
	}
	now := time.Now()

	for _, m := range msgs {
		if !m.Armable() {
			continue
		}
		if s.jobs.has(m.ID) {
			report.Skipped++
			continue
		}

		if m.Recurring() || m.ScheduledTime.After(now) {
			if err := s.armJob(m); err != nil {
				s.parkFailedReschedule(ctx, m, err)
				report.Failed++
				continue
			}
			report.Rearmed++
			continue
		}

		// Overdue one-time: fire now, once. The listing above is a snapshot,
		// so the record is re-read under the session lock before the fire is
		// claimed; a cancel or edit that landed in between wins.
		smu := s.sessionLock(sessionID)
		smu.Lock()
		cur, ok, err := s.store.GetSchedule(ctx, sessionID, m.ID)
		if err != nil {
			smu.Unlock()
			s.log.Error("reload overdue schedule", logx.String("id", m.ID), logx.Err(err))
			report.Failed++
			continue
		}
		if !ok || !cur.Armable() || cur.Recurring() || cur.ScheduledTime.After(now) {
			// Gone, cancelled, or rescheduled; an edit already armed its own
			// trigger.
			smu.Unlock()
			report.Skipped++
			continue
		}
		m = cur

		markKey := "fired:" + m.ID
		if _, seen, err := s.store.GetFireMark(ctx, markKey); err == nil && seen {
			if _, err := s.store.DeleteSchedule(ctx, sessionID, m.ID); err != nil {
				s.log.Error("drop already-fired schedule", logx.String("id", m.ID), logx.Err(err))
			}
			smu.Unlock()
			report.Skipped++
			continue
		}
		if err := s.store.PutFireMark(ctx, markKey, now.Add(fireMarkTTL)); err != nil {
			s.log.Warn("persist fire mark", logx.String("id", m.ID), logx.Err(err))
		}
		smu.Unlock()

		receipt, sendErr := s.deliver(ctx, m)
		s.recordAttempt(ctx, m, receipt, sendErr)

		status := schedule.StatusSentOnRestart
		if sendErr != nil {
			status = schedule.StatusFailedOnRestart
		}
		s.log.Info("overdue message fired on reconcile",
			logx.String("session", sessionID),
			logx.String("id", m.ID),
			logx.String("status", string(status)),
			logx.Time("was_due", m.ScheduledTime),
		)
		if _, err := s.store.DeleteSchedule(ctx, sessionID, m.ID); err != nil {
			s.log.Error("delete reconciled schedule", logx.String("id", m.ID), logx.Err(err))
		}
		s.publishFire(m, status, sendErr)
		report.FiredNow++
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventSessionReconciled, Data: report})
	s.log.Info("session reconciled",
		logx.String("session", sessionID),
		logx.Int("rearmed", report.Rearmed),
		logx.Int("fired_now", report.FiredNow),
		logx.Int("skipped", report.Skipped),
		logx.Int("failed", report.Failed),
	)
	return report, nil
}

// ReconcileAll runs Reconcile for every session with persisted schedules;
// the startup recovery pass. A failing session does not stop the others.
func (s *Service) ReconcileAll(ctx context.Context) ([]ReconcileReport, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]ReconcileReport, 0, len(sessions))
	for _, sid := range sessions {
		rep, err := s.Reconcile(ctx, sid)
		if err != nil {
			s.log.Error("reconcile session", logx.String("session", sid), logx.Err(err))
			continue
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// parkFailedReschedule moves a record whose trigger could not be rebuilt into
// the failed_reschedule state so the rest of the pass continues.
func (s *Service) parkFailedReschedule(ctx context.Context, m schedule.ScheduledMessage, cause error) {
	s.log.Error("re-arm failed",
		logx.String("session", m.SessionID), logx.String("id", m.ID), logx.Err(cause))
	m.Status = schedule.StatusFailedReschedule
	m.LastError = cause.Error()
	m.LastErrorTime = time.Now()
	m.UpdatedAt = m.LastErrorTime
	if err := s.store.UpsertSchedule(ctx, m.SessionID, m); err != nil {
		s.log.Error("persist failed_reschedule", logx.String("id", m.ID), logx.Err(err))
	}
}

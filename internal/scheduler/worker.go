package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"wagate/internal/history"
	"wagate/internal/schedule"
	"wagate/internal/transport"
	"wagate/pkg/logx"
)

// fireTask is one due occurrence handed from a trigger to the worker pool.
type fireTask struct {
	sessionID string
	messageID string
}

// enqueueFire runs on the cron/timer goroutine, so it must never block. A
// full queue drops the task; a recurring message catches the next cycle and
// a one-time message is repaired by Reconcile.
func (s *Service) enqueueFire(sessionID, messageID string) {
	select {
	case s.queue <- fireTask{sessionID: sessionID, messageID: messageID}:
	default:
		s.log.Warn("fire queue full, dropping trigger",
			logx.String("session", sessionID),
			logx.String("id", messageID),
		)
	}
}

func (s *Service) worker(n int) {
	defer s.workerWG.Done()
	log := s.log.With(logx.Int("worker", n))
	for {
		// Fast exit once stop is signalled, even with a backlog.
		select {
		case <-s.stopCh:
			return
		default:
		}
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			s.execFire(context.Background(), task.sessionID, task.messageID)
			log.Trace("fire task done", logx.String("id", task.messageID))
		}
	}
}

// execFire handles one due occurrence: load, deliver, record, transition.
// Delivery happens outside the session lock so a slow send cannot stall
// schedule mutations.
func (s *Service) execFire(ctx context.Context, sessionID, messageID string) {
	m, ok, err := s.store.GetSchedule(ctx, sessionID, messageID)
	if err != nil {
		s.log.Error("load schedule for fire",
			logx.String("session", sessionID), logx.String("id", messageID), logx.Err(err))
		return
	}
	if !ok || !m.Armable() {
		// Cancelled or edited away between trigger and execution; the trigger
		// that queued us is already released or about to be.
		s.releaseJob(s.jobs.take(messageID))
		return
	}

	receipt, sendErr := s.deliver(ctx, m)
	s.recordAttempt(ctx, m, receipt, sendErr)
	s.finalizeFire(ctx, m, sendErr)
}

// deliver sends m to its primary recipient and then to each forward target.
// Forward failures are logged but do not fail the occurrence.
func (s *Service) deliver(ctx context.Context, m schedule.ScheduledMessage) (transport.Receipt, error) {
	if s.cfg.FireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FireTimeout)
		defer cancel()
	}

	to := transport.NormalizeRecipient(m.Recipient, s.cfg.CountryCode)
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return transport.Receipt{}, err
		}
	}
	receipt, err := s.sender.Send(ctx, m.SessionID, to, m.Payload)
	if err != nil {
		return transport.Receipt{}, err
	}

	for _, fwd := range m.ForwardTo {
		fto := transport.NormalizeRecipient(fwd, s.cfg.CountryCode)
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				s.log.Warn("forward aborted", logx.String("id", m.ID), logx.Err(err))
				return receipt, nil
			}
		}
		if _, err := s.sender.Send(ctx, m.SessionID, fto, m.Payload); err != nil {
			s.log.Warn("forward delivery failed",
				logx.String("session", m.SessionID),
				logx.String("id", m.ID),
				logx.String("to", fto),
				logx.Err(err),
			)
		}
	}
	return receipt, nil
}

// recordAttempt appends the occurrence to history, keyed by the transport's
// receipt id so later delivery-receipt updates can find it. History failures
// are logged and swallowed: bookkeeping must not affect delivery outcomes.
func (s *Service) recordAttempt(ctx context.Context, m schedule.ScheduledMessage, receipt transport.Receipt, sendErr error) {
	if s.history == nil {
		return
	}
	id := receipt.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	rec := history.Record{
		ID:        id,
		SessionID: m.SessionID,
		To:        transport.NormalizeRecipient(m.Recipient, s.cfg.CountryCode),
		Body:      m.Payload.Preview(),
		Type:      history.TypeText,
		Status:    history.StatusSent,
		Timestamp: time.Now(),
	}
	if m.Payload.IsMedia() {
		rec.Type = history.TypeMedia
	}
	if sendErr != nil {
		rec.Status = history.StatusFailed
		rec.Error = sendErr.Error()
	}
	if err := s.history.RecordAttempt(ctx, rec); err != nil {
		s.log.Error("record history attempt", logx.String("id", m.ID), logx.Err(err))
	}
}

// finalizeFire applies the post-delivery state transition under the session
// lock, rereading the record so a concurrent cancel or edit wins.
func (s *Service) finalizeFire(ctx context.Context, m schedule.ScheduledMessage, sendErr error) {
	mu := s.sessionLock(m.SessionID)
	mu.Lock()
	defer mu.Unlock()

	if !m.Recurring() {
		s.releaseJob(s.jobs.take(m.ID))
		if _, err := s.store.DeleteSchedule(ctx, m.SessionID, m.ID); err != nil {
			s.log.Error("delete fired schedule", logx.String("id", m.ID), logx.Err(err))
		}
		status := schedule.StatusSent
		if sendErr != nil {
			status = schedule.StatusFailed
			s.log.Warn("one-time delivery failed",
				logx.String("session", m.SessionID), logx.String("id", m.ID), logx.Err(sendErr))
		}
		s.publishFire(m, status, sendErr)
		return
	}

	cur, ok, err := s.store.GetSchedule(ctx, m.SessionID, m.ID)
	if err != nil {
		s.log.Error("reload schedule after fire", logx.String("id", m.ID), logx.Err(err))
		return
	}
	if !ok || cur.Status != schedule.StatusActive {
		// Cancelled or completed mid-flight; nothing to update.
		return
	}

	now := time.Now()
	status := cur.Status
	if sendErr != nil {
		cur.LastError = sendErr.Error()
		cur.LastErrorTime = now
		s.log.Warn("recurring delivery failed",
			logx.String("session", m.SessionID), logx.String("id", m.ID), logx.Err(sendErr))
	} else {
		cur.LastSent = now
		cur.LastError = ""
		cur.LastErrorTime = time.Time{}
		if !cur.Recurrence.EndDate.IsZero() && !now.Before(cur.Recurrence.EndDate) {
			s.releaseJob(s.jobs.take(cur.ID))
			cur.Status = schedule.StatusCompleted
			status = schedule.StatusCompleted
			s.log.Info("recurring message completed",
				logx.String("session", m.SessionID), logx.String("id", m.ID))
		}
	}
	cur.UpdatedAt = now
	if err := s.store.UpsertSchedule(ctx, m.SessionID, cur); err != nil {
		s.log.Error("persist fire outcome", logx.String("id", m.ID), logx.Err(err))
	}
	if sendErr == nil && status != schedule.StatusCompleted {
		status = schedule.StatusActive
	}
	s.publishFire(cur, status, sendErr)
}

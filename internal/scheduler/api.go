package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"wagate/internal/eventbus"
	"wagate/internal/schedule"
	"wagate/internal/transport"
	"wagate/pkg/logx"
)

// Request describes one new scheduled message.
type Request struct {
	SessionID     string
	Recipient     string
	Payload       transport.Payload
	ForwardTo     []string
	ScheduledTime time.Time
	Recurrence    schedule.Recurrence
}

// Schedule validates, persists and arms a new message. The record is durable
// before the trigger exists, so a crash between the two is repaired by
// Reconcile rather than losing the message.
func (s *Service) Schedule(ctx context.Context, req Request) (schedule.ScheduledMessage, error) {
	now := time.Now()
	m := schedule.ScheduledMessage{
		ID:            uuid.NewString(),
		SessionID:     req.SessionID,
		Recipient:     req.Recipient,
		Payload:       req.Payload,
		ForwardTo:     req.ForwardTo,
		ScheduledTime: req.ScheduledTime,
		Recurrence:    req.Recurrence,
		Status:        schedule.StatusScheduled,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if m.Payload.Kind == "" {
		m.Payload.Kind = transport.KindText
	}
	if m.Recurring() {
		m.Status = schedule.StatusActive
	}
	if err := m.Validate(); err != nil {
		return schedule.ScheduledMessage{}, err
	}
	if !m.Recurring() && !m.ScheduledTime.After(now) {
		return schedule.ScheduledMessage{}, &schedule.InvalidScheduleError{Reason: "scheduled time is in the past"}
	}

	mu := s.sessionLock(m.SessionID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.UpsertSchedule(ctx, m.SessionID, m); err != nil {
		return schedule.ScheduledMessage{}, fmt.Errorf("persist schedule: %w", err)
	}
	if err := s.armJob(m); err != nil {
		_, _ = s.store.DeleteSchedule(ctx, m.SessionID, m.ID)
		return schedule.ScheduledMessage{}, err
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventScheduleCreated, Data: FireEvent{
		SessionID: m.SessionID,
		MessageID: m.ID,
		Recipient: m.Recipient,
		Status:    string(m.Status),
	}})
	s.log.Info("message scheduled",
		logx.String("session", m.SessionID),
		logx.String("id", m.ID),
		logx.String("status", string(m.Status)),
	)
	return m, nil
}

// Update carries the mutable fields of an Edit; nil leaves a field untouched.
type Update struct {
	Recipient     *string
	Payload       *transport.Payload
	ForwardTo     *[]string
	ScheduledTime *time.Time
	Recurrence    *schedule.Recurrence
}

// Edit applies upd to an existing record and re-arms its trigger atomically
// with respect to other mutations on the same session.
func (s *Service) Edit(ctx context.Context, sessionID, id string, upd Update) (schedule.ScheduledMessage, error) {
	mu := s.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	m, ok, err := s.store.GetSchedule(ctx, sessionID, id)
	if err != nil {
		return schedule.ScheduledMessage{}, err
	}
	if !ok {
		return schedule.ScheduledMessage{}, schedule.ErrNotFound
	}

	if upd.Recipient != nil {
		m.Recipient = *upd.Recipient
	}
	if upd.Payload != nil {
		m.Payload = *upd.Payload
	}
	if upd.ForwardTo != nil {
		m.ForwardTo = *upd.ForwardTo
	}
	if upd.ScheduledTime != nil {
		m.ScheduledTime = *upd.ScheduledTime
	}
	if upd.Recurrence != nil {
		m.Recurrence = *upd.Recurrence
	}

	// Switching between one-time and recurring moves the record between the
	// two armed states.
	if m.Recurring() && m.Status == schedule.StatusScheduled {
		m.Status = schedule.StatusActive
	} else if !m.Recurring() && m.Status == schedule.StatusActive {
		m.Status = schedule.StatusScheduled
	}
	m.UpdatedAt = time.Now()

	if err := m.Validate(); err != nil {
		return schedule.ScheduledMessage{}, err
	}
	if err := s.store.UpsertSchedule(ctx, sessionID, m); err != nil {
		return schedule.ScheduledMessage{}, fmt.Errorf("persist schedule: %w", err)
	}

	// Old trigger goes away regardless; a new one is armed only for records
	// still in an armed state.
	s.releaseJob(s.jobs.take(id))
	if m.Armable() {
		if err := s.armJob(m); err != nil {
			return schedule.ScheduledMessage{}, err
		}
	}
	s.log.Info("message rescheduled", logx.String("session", sessionID), logx.String("id", id))
	return m, nil
}

// Cancel stops a message. One-time records are deleted outright; recurring
// records stay in the store as cancelled for audit.
func (s *Service) Cancel(ctx context.Context, sessionID, id string) error {
	mu := s.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	m, ok, err := s.store.GetSchedule(ctx, sessionID, id)
	if err != nil {
		return err
	}
	if !ok {
		return schedule.ErrNotFound
	}

	s.releaseJob(s.jobs.take(id))
	if m.Recurring() {
		m.Status = schedule.StatusCancelled
		m.UpdatedAt = time.Now()
		if err := s.store.UpsertSchedule(ctx, sessionID, m); err != nil {
			return fmt.Errorf("persist cancel: %w", err)
		}
	} else {
		if _, err := s.store.DeleteSchedule(ctx, sessionID, id); err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}
	}

	s.bus.Publish(eventbus.Event{Type: eventbus.EventScheduleCancelled, Data: FireEvent{
		SessionID: sessionID,
		MessageID: id,
		Recipient: m.Recipient,
		Status:    string(schedule.StatusCancelled),
	}})
	s.log.Info("message cancelled", logx.String("session", sessionID), logx.String("id", id))
	return nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, sessionID, id string) (schedule.ScheduledMessage, error) {
	m, ok, err := s.store.GetSchedule(ctx, sessionID, id)
	if err != nil {
		return schedule.ScheduledMessage{}, err
	}
	if !ok {
		return schedule.ScheduledMessage{}, schedule.ErrNotFound
	}
	return m, nil
}

// List returns the session's records ordered by scheduled time.
func (s *Service) List(ctx context.Context, sessionID string) ([]schedule.ScheduledMessage, error) {
	msgs, err := s.store.ListSchedules(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].ScheduledTime.Before(msgs[j].ScheduledTime)
	})
	return msgs, nil
}

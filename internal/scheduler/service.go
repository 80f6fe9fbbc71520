package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"wagate/internal/eventbus"
	"wagate/internal/history"
	"wagate/internal/schedule"
	"wagate/internal/transport"
	"wagate/pkg/logx"
)

// Store is the slice of the durable store the engine needs.
type Store interface {
	ListSessions(ctx context.Context) ([]string, error)
	ListSchedules(ctx context.Context, sessionID string) ([]schedule.ScheduledMessage, error)
	GetSchedule(ctx context.Context, sessionID, id string) (schedule.ScheduledMessage, bool, error)
	UpsertSchedule(ctx context.Context, sessionID string, m schedule.ScheduledMessage) error
	DeleteSchedule(ctx context.Context, sessionID, id string) (bool, error)

	PutFireMark(ctx context.Context, key string, until time.Time) error
	GetFireMark(ctx context.Context, key string) (time.Time, bool, error)
}

// Config tunes the engine. The zero value gets sensible defaults from New.
type Config struct {
	// Timezone resolves recurring patterns; "" means the host local zone.
	Timezone string

	Workers   int
	QueueSize int

	// FireTimeout bounds a single delivery attempt, forwards included.
	FireTimeout time.Duration

	// RatePerSec throttles outbound sends across all sessions. 0 disables.
	RatePerSec int

	// CountryCode completes bare national phone numbers.
	CountryCode string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = 30 * time.Second
	}
	return c
}

// Service is the scheduled message delivery engine.
type Service struct {
	log logx.Logger
	cfg Config
	loc *time.Location

	store   Store
	sender  transport.Transport
	history *history.Tracker
	bus     eventbus.Bus

	c    *cron.Cron
	jobs *registry

	queue    chan fireTask
	stopCh   chan struct{}
	workerWG sync.WaitGroup

	limiter *rate.Limiter

	// sessionMu serializes read-modify-write cycles on schedule records
	// per session. Delivery itself happens outside the lock.
	sessionMu sync.Map // map[string]*sync.Mutex

	mu      sync.Mutex
	started bool
}

func New(cfg Config, store Store, sender transport.Transport, tracker *history.Tracker, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}

	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Warn("unknown timezone, falling back to host local",
				logx.String("tz", cfg.Timezone), logx.Err(err))
		} else {
			loc = l
		}
	}

	s := &Service{
		log:     log,
		cfg:     cfg,
		loc:     loc,
		store:   store,
		sender:  sender,
		history: tracker,
		bus:     bus,
		jobs:    newRegistry(),
		queue:   make(chan fireTask, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.c = cron.New(
		cron.WithLocation(loc),
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow)),
	)
	return s
}

// Start launches the worker pool and the cron runner. Jobs may be armed
// before Start; their triggers queue up until workers drain them.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.workerWG.Add(1)
		go s.worker(i)
	}
	s.c.Start()
	s.log.Info("scheduler started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue", s.cfg.QueueSize),
		logx.String("tz", s.loc.String()),
	)
}

// Stop cancels every live job and waits for in-flight fires until ctx
// expires. Persisted records are untouched; Reconcile rebuilds jobs on the
// next start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	cronCtx := s.c.Stop()
	for _, j := range s.jobs.drain() {
		if j.timer != nil {
			j.timer.Stop()
		}
	}
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out waiting for workers")
	}
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	mu, _ := s.sessionMu.LoadOrStore(sessionID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// armJob installs the live trigger for m and releases any job it displaces,
// so at most one trigger exists per message id.
func (s *Service) armJob(m schedule.ScheduledMessage) error {
	if m.Recurring() {
		spec, err := schedule.CronSpec(m.Recurrence, m.ScheduledTime.In(s.loc))
		if err != nil {
			return err
		}
		sessionID, messageID := m.SessionID, m.ID
		entryID, err := s.c.AddFunc(spec, func() {
			s.enqueueFire(sessionID, messageID)
		})
		if err != nil {
			return err
		}
		s.releaseJob(s.jobs.put(&job{
			messageID: messageID,
			sessionID: sessionID,
			spec:      spec,
			entryID:   entryID,
		}))
		return nil
	}

	delay := time.Until(m.ScheduledTime)
	if delay < 0 {
		delay = 0
	}
	sessionID, messageID := m.SessionID, m.ID
	timer := time.AfterFunc(delay, func() {
		s.enqueueFire(sessionID, messageID)
	})
	s.releaseJob(s.jobs.put(&job{
		messageID: messageID,
		sessionID: sessionID,
		fireAt:    m.ScheduledTime,
		timer:     timer,
	}))
	return nil
}

// releaseJob stops j's trigger. Safe on nil.
func (s *Service) releaseJob(j *job) {
	if j == nil {
		return
	}
	if j.timer != nil {
		j.timer.Stop()
	}
	if j.entryID != 0 {
		s.c.Remove(j.entryID)
	}
}

// FireEvent is the Data payload on message.sent / message.failed events.
type FireEvent struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (s *Service) publishFire(m schedule.ScheduledMessage, status schedule.Status, sendErr error) {
	typ := eventbus.EventMessageSent
	errMsg := ""
	if sendErr != nil {
		typ = eventbus.EventMessageFailed
		errMsg = sendErr.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: FireEvent{
		SessionID: m.SessionID,
		MessageID: m.ID,
		Recipient: m.Recipient,
		Status:    string(status),
		Error:     errMsg,
	}})
}

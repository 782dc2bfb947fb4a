package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/holonext/scenesync/pkg/logger"
	"github.com/holonext/scenesync/pkg/metrics"
)

// ErrManagerClosed is reported when work arrives after Close.
var ErrManagerClosed = errors.New("collab: session manager is closed")

const stopQueueTimeout = 5 * time.Second

// Options tunes the manager's per-session queues and lifecycle.
type Options struct {
	// QueueBuffer is the capacity of each session's job channel.
	QueueBuffer int
	// JobTimeout bounds one job's broadcast step; jobs that miss it fail
	// and are never committed to the log.
	JobTimeout time.Duration
	// IdleGrace is how long an empty session survives before its queue and
	// history are reaped. Zero disables reaping: history is kept for the
	// process lifetime so reconnecting clients can always replay.
	IdleGrace time.Duration
	// ReapSchedule is the cron spec for the idle reaper. Ignored when
	// IdleGrace is zero.
	ReapSchedule string
}

type session struct {
	key        string
	queue      *sessionQueue
	emptySince time.Time // zero while the room has members
}

// Manager owns all live sessions: the mapping from session key to queue,
// the operation log, and the roster. Nothing here is package-level state;
// construct one per server process (or per test).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	oplog      *OperationLog
	registry   *Registry
	dispatcher *Dispatcher
	opts       Options
	cron       *cron.Cron
	log        *zap.Logger
	timeNow    func() time.Time
}

// NewManager wires the operation log, registry, and dispatcher together.
func NewManager(oplog *OperationLog, registry *Registry, dispatcher *Dispatcher, opts Options) *Manager {
	if opts.QueueBuffer <= 0 {
		opts.QueueBuffer = 256
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Second
	}
	if opts.ReapSchedule == "" {
		opts.ReapSchedule = "@every 1m"
	}

	return &Manager{
		sessions:   make(map[string]*session),
		oplog:      oplog,
		registry:   registry,
		dispatcher: dispatcher,
		opts:       opts,
		log:        logger.WithModule("collab"),
		timeNow:    time.Now,
	}
}

// Log exposes the operation log store.
func (m *Manager) Log() *OperationLog { return m.oplog }

// Registry exposes the membership registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Ensure returns the session for the key, creating its queue on first use.
// Creation is idempotent: concurrent first joins observe exactly one
// queue. Ensure also marks the session non-empty.
func (m *Manager) Ensure(sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	s, ok := m.sessions[sessionKey]
	if !ok {
		s = &session{
			key: sessionKey,
			queue: newSessionQueue(
				sessionKey,
				m.opts.QueueBuffer,
				m.opts.JobTimeout,
				m.executorFor(),
				m.commitFor(sessionKey),
				m.log,
			),
		}
		m.sessions[sessionKey] = s
		metrics.ActiveSessions.Set(float64(len(m.sessions)))
		m.log.Info("session created", zap.String("session", sessionKey))
	}

	s.emptySince = time.Time{}
	return nil
}

// Enqueue submits a job to the session's queue. The session must have been
// created by a prior join.
func (m *Manager) Enqueue(sessionKey string, job Job) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey]
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return ErrManagerClosed
	}
	if !ok {
		return fmt.Errorf("collab: no session %q", sessionKey)
	}
	return s.queue.Enqueue(job)
}

// NoteMemberLeft records the moment a session's room ran empty so the
// reaper can apply the idle grace period.
func (m *Manager) NoteMemberLeft(sessionKey string) {
	if len(m.registry.UsersIn(sessionKey)) > 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionKey]; ok && s.emptySince.IsZero() {
		s.emptySince = m.timeNow()
	}
}

// ReapIdle tears down sessions whose room has been empty for at least the
// idle grace period: the queue worker is stopped and the history dropped.
// Returns the number of sessions reaped. A zero grace disables reaping.
func (m *Manager) ReapIdle() int {
	if m.opts.IdleGrace <= 0 {
		return 0
	}

	now := m.timeNow()

	m.mu.Lock()
	var expired []*session
	for key, s := range m.sessions {
		if !s.emptySince.IsZero() && now.Sub(s.emptySince) >= m.opts.IdleGrace {
			expired = append(expired, s)
			delete(m.sessions, key)
		}
	}
	metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	for _, s := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), stopQueueTimeout)
		if err := s.queue.Stop(ctx); err != nil {
			m.log.Warn("reaper: queue did not stop cleanly", zap.String("session", s.key), zap.Error(err))
		}
		cancel()
		m.oplog.Reset(s.key)
		m.log.Info("session reaped", zap.String("session", s.key))
	}

	return len(expired)
}

// StartReaper schedules ReapIdle on the configured cron spec. A zero idle
// grace leaves the reaper off and history immortal.
func (m *Manager) StartReaper() error {
	if m.opts.IdleGrace <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(m.opts.ReapSchedule, func() { m.ReapIdle() }); err != nil {
		return fmt.Errorf("collab: schedule reaper: %w", err)
	}
	c.Start()
	m.cron = c
	return nil
}

// Close stops the reaper and every session queue, waiting for in-flight
// jobs to finish. All stop failures are aggregated.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	c := m.cron
	m.cron = nil

	queues := make([]*sessionQueue, 0, len(m.sessions))
	for _, s := range m.sessions {
		queues = append(queues, s.queue)
	}
	m.sessions = make(map[string]*session)
	metrics.ActiveSessions.Set(0)
	m.mu.Unlock()

	// Stop the cron outside the lock; a running reap job takes it too.
	if c != nil {
		<-c.Stop().Done()
	}

	var errs error
	for _, q := range queues {
		ctx, cancel := context.WithTimeout(context.Background(), stopQueueTimeout)
		errs = multierr.Append(errs, q.Stop(ctx))
		cancel()
	}
	return errs
}

// executorFor builds the execution step: confirm the originator is still
// connected, then broadcast. Recording happens in commitFor, which only
// the session's worker runs and only for jobs that finished in time, so a
// failed or timed-out job leaves no trace in the log.
func (m *Manager) executorFor() executor {
	return func(ctx context.Context, job Job) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		return m.dispatcher.Dispatch(Operation{Event: job.Kind, Data: job.Payload, User: job.User})
	}
}

func (m *Manager) commitFor(sessionKey string) func(Job) {
	return func(job Job) {
		m.oplog.Append(sessionKey, Operation{Event: job.Kind, Data: job.Payload, User: job.User})
	}
}

// Package scheduler serializes conversation work per session and bounds
// global concurrency. Distinct sessions run in parallel on a bounded worker
// pool; within one session work is strictly FIFO. Retriable failures are
// retried in place with exponential backoff; everything else settles the turn
// exactly once.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/promethea-labs/promethea/internal/config"
	"github.com/promethea-labs/promethea/internal/infra"
	"github.com/promethea-labs/promethea/internal/observability"
	"github.com/promethea-labs/promethea/internal/store"
	"github.com/promethea-labs/promethea/pkg/models"
)

// WorkItem is one unit of conversation work: a fresh user message, or a
// resume after a tool confirmation.
type WorkItem struct {
	UserID      string
	SessionID   string
	UserMessage string

	// Emit streams frames toward the originating connection. It must be
	// safe to call after the client is gone (writes become no-ops).
	Emit func(frame models.Frame)

	// Turn is non-nil on resume items: the still-open turn transaction to
	// continue. Fresh items get their turn opened by the scheduler.
	Turn *store.Turn

	// Resume carries engine-specific suspended state on resume items.
	Resume any
}

// Runner executes one turn. Returning suspended=true hands the open turn
// back without settling it (the worker is released while the user decides).
type Runner interface {
	RunTurn(ctx context.Context, item *WorkItem, turn *store.Turn) (suspended bool, err error)
}

// Emitter is the slice of the event bus the scheduler needs.
type Emitter interface {
	Emit(eventType models.EventType, payload any)
}

// ErrorEvent is the payload of conversation.error events.
type ErrorEvent struct {
	UserID    string      `json:"user_id"`
	SessionID string      `json:"session_id"`
	Kind      models.Kind `json:"kind"`
	Message   string      `json:"message"`
}

// DoneEvent is the payload of conversation.complete events. The texts feed
// the memory service's write-behind ingest.
type DoneEvent struct {
	UserID        string `json:"user_id"`
	SessionID     string `json:"session_id"`
	UserText      string `json:"user_text"`
	AssistantText string `json:"assistant_text"`
}

// Scheduler owns the session queues and the worker pool.
type Scheduler struct {
	cfg     func() *config.Config
	runner  Runner
	store   store.Store
	emitter Emitter
	logger  *observability.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	queues map[string]*sessionQueue
	closed bool

	slots chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a scheduler. Turns run on the scheduler's own context so a
// client disconnect does not tear down an in-flight turn; shutdown cancels
// that context after the drain deadline.
func New(cfg func() *config.Config, runner Runner, st store.Store, emitter Emitter, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	workers := cfg().Scheduler.Workers
	if workers <= 0 {
		workers = 8
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		runner:  runner,
		store:   st,
		emitter: emitter,
		logger:  logger,
		metrics: metrics,
		queues:  map[string]*sessionQueue{},
		slots:   make(chan struct{}, workers),
		baseCtx: baseCtx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
}

// Enqueue schedules one item. A session already being worked appends to its
// FIFO queue (bounded; overflow is Busy). A new session acquires a worker,
// blocking up to the configured bound, else Busy.
func (s *Scheduler) Enqueue(ctx context.Context, item *WorkItem) error {
	return s.enqueue(ctx, item, false)
}

// EnqueueResume schedules a confirmation-resume item at the head of its
// session queue so the suspended turn continues before newer messages.
func (s *Scheduler) EnqueueResume(ctx context.Context, item *WorkItem) error {
	return s.enqueue(ctx, item, true)
}

func (s *Scheduler) enqueue(ctx context.Context, item *WorkItem, front bool) error {
	depth := s.cfg().Scheduler.QueueDepth
	if depth <= 0 {
		depth = 32
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.E(models.KindCancelled, "shutting down")
	}
	if q := s.queues[item.SessionID]; q != nil {
		ok := q.push(item, front, depth)
		s.mu.Unlock()
		if !ok {
			s.metrics.QueueRejections.WithLabelValues("queue_full").Inc()
			return models.E(models.KindBusy, "session queue is full")
		}
		s.metrics.QueueDepth.Inc()
		return nil
	}
	s.mu.Unlock()

	// New session: a worker slot must be held before work starts.
	acquireWait := s.cfg().Scheduler.AcquireWait()
	select {
	case s.slots <- struct{}{}:
	case <-time.After(acquireWait):
		s.metrics.QueueRejections.WithLabelValues("pool_saturated").Inc()
		return models.E(models.KindBusy, "all workers are busy")
	case <-ctx.Done():
		return models.Wrap(models.KindCancelled, "enqueue cancelled", ctx.Err())
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.slots
		return models.E(models.KindCancelled, "shutting down")
	}
	if q := s.queues[item.SessionID]; q != nil {
		// Lost the race: another enqueue started this session.
		ok := q.push(item, front, depth)
		s.mu.Unlock()
		<-s.slots
		if !ok {
			s.metrics.QueueRejections.WithLabelValues("queue_full").Inc()
			return models.E(models.KindBusy, "session queue is full")
		}
		s.metrics.QueueDepth.Inc()
		return nil
	}
	q := newSessionQueue()
	q.push(item, false, depth)
	s.queues[item.SessionID] = q
	s.mu.Unlock()
	s.metrics.QueueDepth.Inc()

	s.wg.Add(1)
	go s.runSession(item.SessionID, q)
	return nil
}

// runSession drains one session's queue on a single worker, preserving
// ordering. The worker lingers for the idle-reap interval after the queue
// empties, then retires and releases its slot.
func (s *Scheduler) runSession(sessionID string, q *sessionQueue) {
	defer s.wg.Done()
	defer func() { <-s.slots }()

	idle := s.cfg().Scheduler.IdleReap()
	if idle <= 0 {
		idle = time.Minute
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		if item := q.pop(); item != nil {
			s.metrics.QueueDepth.Dec()
			s.process(item)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idle)

		select {
		case <-q.signal:
		case <-timer.C:
			if s.retire(sessionID, q) {
				return
			}
		case <-s.stopCh:
			// Reject queued items and retire; in-flight work already
			// finished above.
			for item := q.pop(); item != nil; item = q.pop() {
				s.metrics.QueueDepth.Dec()
				s.fail(item, nil, models.E(models.KindCancelled, "server is shutting down"))
			}
			s.retireForced(sessionID)
			return
		}
	}
}

// retire removes the session entry if no work raced in.
func (s *Scheduler) retire(sessionID string, q *sessionQueue) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.len() > 0 {
		return false
	}
	delete(s.queues, sessionID)
	return true
}

func (s *Scheduler) retireForced(sessionID string) {
	s.mu.Lock()
	delete(s.queues, sessionID)
	s.mu.Unlock()
}

// process runs one item to a terminal state: committed, suspended (turn kept
// open), or failed/aborted.
func (s *Scheduler) process(item *WorkItem) {
	ctx := observability.WithUserID(s.baseCtx, item.UserID)
	ctx = observability.WithSessionID(ctx, item.SessionID)

	turn := item.Turn
	if turn == nil {
		opened, err := s.store.BeginTurn(ctx, item.UserID, item.SessionID)
		if err != nil {
			s.fail(item, nil, err)
			return
		}
		turn = opened
	}

	schedCfg := s.cfg().Scheduler
	retryCfg := &infra.RetryConfig{
		MaxAttempts:    schedCfg.MaxRetries,
		BaseDelay:      schedCfg.RetryBase(),
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.2,
		RetryIf:        models.IsRetriable,
		DelayHint:      retryAfterHint,
	}

	start := time.Now()
	suspended, attempts, err := infra.Retry(ctx, retryCfg, func(ctx context.Context) (bool, error) {
		return s.runner.RunTurn(ctx, item, turn)
	})
	if attempts > 1 {
		s.logger.Info(ctx, "turn retried", "attempts", attempts)
	}

	switch {
	case err != nil:
		s.fail(item, turn, err)
		s.metrics.TurnCounter.WithLabelValues(stateLabel(err)).Inc()
	case suspended:
		// The turn stays open; a confirm request re-enqueues a resume
		// item that picks it back up.
		s.logger.Debug(ctx, "turn suspended awaiting confirmation")
	default:
		if commitErr := s.store.CommitTurn(ctx, turn); commitErr != nil {
			s.fail(item, nil, commitErr)
			s.metrics.TurnCounter.WithLabelValues("failed").Inc()
			return
		}
		s.metrics.TurnCounter.WithLabelValues("committed").Inc()
		s.metrics.TurnDuration.Observe(time.Since(start).Seconds())
		done := doneEvent(item, turn)
		s.emitter.Emit(models.EventConversationDone, done)
		// The done frame follows the commit, so a client that sees it can
		// immediately read the durable transcript.
		if item.Emit != nil {
			frame := models.DoneFrame(item.SessionID)
			frame.Content = done.AssistantText
			item.Emit(frame)
		}
	}
}

// fail settles the turn (when present), emits the structured error event,
// and sends the user-visible error frame.
func (s *Scheduler) fail(item *WorkItem, turn *store.Turn, err error) {
	ctx := observability.WithUserID(s.baseCtx, item.UserID)
	ctx = observability.WithSessionID(ctx, item.SessionID)

	if turn != nil {
		if abortErr := s.store.AbortTurn(ctx, turn); abortErr != nil {
			s.logger.Error(ctx, "turn abort failed", "error", abortErr)
		}
	}

	kind := models.KindOf(err)
	s.logger.Warn(ctx, "turn failed", "kind", string(kind), "error", err)
	s.emitter.Emit(models.EventConversationError, ErrorEvent{
		UserID:    item.UserID,
		SessionID: item.SessionID,
		Kind:      kind,
		Message:   models.UserMessage(err),
	})
	if item.Emit != nil {
		item.Emit(models.ErrorFrame(models.UserMessage(err)))
	}
}

func doneEvent(item *WorkItem, turn *store.Turn) DoneEvent {
	ev := DoneEvent{UserID: item.UserID, SessionID: item.SessionID}
	for _, m := range turn.Messages() {
		switch m.Role {
		case models.RoleUser:
			if ev.UserText == "" {
				ev.UserText = m.Content
			}
		case models.RoleAssistant:
			ev.AssistantText = m.Content
		}
	}
	return ev
}

func stateLabel(err error) string {
	if models.KindOf(err) == models.KindCancelled {
		return "aborted"
	}
	return "failed"
}

// Shutdown stops intake, drains in-flight turns up to the deadline, then
// cancels the remainder.
func (s *Scheduler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	s.cancel()
}

// retryAfterHint surfaces a provider-mandated wait attached to a rate-limit
// error.
func retryAfterHint(err error) time.Duration {
	var hinted interface{ RetryAfter() time.Duration }
	if errors.As(err, &hinted) {
		return hinted.RetryAfter()
	}
	return 0
}

// sessionQueue is one session's FIFO with head insertion for resumes.
type sessionQueue struct {
	mu     sync.Mutex
	items  []*WorkItem
	signal chan struct{}
}

func newSessionQueue() *sessionQueue {
	return &sessionQueue{signal: make(chan struct{}, 1)}
}

// push appends (or prepends) an item. Back-of-queue pushes respect the depth
// bound; resume items always fit so a suspended turn can complete.
func (q *sessionQueue) push(item *WorkItem, front bool, depth int) bool {
	q.mu.Lock()
	if !front && len(q.items) >= depth {
		q.mu.Unlock()
		return false
	}
	if front {
		q.items = append([]*WorkItem{item}, q.items...)
	} else {
		q.items = append(q.items, item)
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *sessionQueue) pop() *WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

func (q *sessionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

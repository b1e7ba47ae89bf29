package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/crew-core/internal/security"
	"github.com/tributary-ai/crew-core/internal/store"
	"github.com/tributary-ai/crew-core/internal/types"
)

// Config holds polling service knobs. All values come from construction;
// nothing is baked into the logic.
type Config struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxConcurrentPolls int           `yaml:"max_concurrent_polls"`
	MaxPolls           int           `yaml:"max_polls"`
	// AdmissionBackoff is how long a poller waits before retrying
	// admission when MaxConcurrentPolls is reached.
	AdmissionBackoff time.Duration `yaml:"admission_backoff"`
	// RequestTTL bounds how long a record may stay non-terminal before
	// cleanup deletes it.
	RequestTTL time.Duration `yaml:"request_ttl"`
}

// DefaultConfig returns the polling defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:       5 * time.Second,
		MaxConcurrentPolls: 10,
		MaxPolls:           60,
		AdmissionBackoff:   time.Second,
		RequestTTL:         time.Hour,
	}
}

// Subscriber receives tracked-request snapshots in poll order.
type Subscriber func(*types.TrackedRequest)

// ActiveSubscriber receives the batch view of all non-terminal requests.
type ActiveSubscriber func([]*types.TrackedRequest)

// Service advances tracked requests through the status state machine. It
// is the only writer to status, poll_count and response; everything else
// reads. One lightweight poll loop runs per actively tracked request,
// bounded by MaxConcurrentPolls.
type Service struct {
	config  Config
	store   store.RequestStore
	engine  *EngineClient
	logger  *logrus.Logger
	auditor *security.AuditLogger

	// slots bounds concurrent poll loops.
	slots chan struct{}

	mu          sync.Mutex
	pollers     map[string]chan struct{} // id -> stop channel
	subscribers map[string][]subscriberEntry
	nextSubID   int
	activeSubs  map[int]ActiveSubscriber
	closed      bool

	// writeMu serializes store writes so the monotonic-status invariant
	// holds even when a poll races a completion push or a cancel.
	writeMu  sync.Mutex
	writeSeq uint64 // guarded by writeMu; orders snapshot delivery

	// deliverMu serializes snapshot delivery so subscribers observe
	// status changes in store-commit order. Subscriber callbacks must not
	// call back into the service.
	deliverMu sync.Mutex
	delivered map[string]uint64 // id -> last delivered write sequence

	wg sync.WaitGroup
}

type subscriberEntry struct {
	id int
	fn Subscriber
}

// NewService creates a polling service over the given store and engine
// client.
func NewService(config Config, requests store.RequestStore, engine *EngineClient, logger *logrus.Logger) *Service {
	def := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.MaxConcurrentPolls <= 0 {
		config.MaxConcurrentPolls = def.MaxConcurrentPolls
	}
	if config.MaxPolls <= 0 {
		config.MaxPolls = def.MaxPolls
	}
	if config.AdmissionBackoff <= 0 {
		config.AdmissionBackoff = def.AdmissionBackoff
	}
	if config.RequestTTL <= 0 {
		config.RequestTTL = def.RequestTTL
	}

	return &Service{
		config:      config,
		store:       requests,
		engine:      engine,
		logger:      logger,
		slots:       make(chan struct{}, config.MaxConcurrentPolls),
		pollers:     make(map[string]chan struct{}),
		subscribers: make(map[string][]subscriberEntry),
		activeSubs:  make(map[int]ActiveSubscriber),
		delivered:   make(map[string]uint64),
	}
}

// SetAuditor wires the audit logger in once the security stack exists.
// Call before serving traffic; a nil auditor disables audit events.
func (s *Service) SetAuditor(auditor *security.AuditLogger) {
	s.auditor = auditor
}

// Dispatch sends work to the automation engine and, only when the engine
// accepts it, persists a pending tracking record and starts polling. A
// dispatch failure creates no record and is surfaced immediately.
func (s *Service) Dispatch(ctx context.Context, input string, callCtx map[string]string) (*types.TrackedRequest, error) {
	id := uuid.New().String()

	if _, err := s.engine.Dispatch(ctx, DispatchInput{
		Input:     input,
		RequestID: id,
		Context:   callCtx,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		if s.auditor != nil {
			s.auditor.LogDispatchFailure(ctx, id, err.Error(), nil)
		}
		return nil, err
	}

	now := time.Now().UTC()
	req := &types.TrackedRequest{
		ID:        id,
		Status:    types.StatusPending,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.config.RequestTTL),
	}
	if err := s.store.InsertRequest(ctx, req); err != nil {
		return nil, &types.OperationError{Operation: "dispatch", Err: err}
	}

	s.StartPolling(id)

	s.logger.WithField("request_id", id).Info("Work dispatched and tracking started")
	return req, nil
}

// StartPolling begins the recurring poll loop for a request. It is
// idempotent per id: a second call while the loop is active is a no-op.
// When MaxConcurrentPolls loops are already running, admission is retried
// after a fixed backoff rather than dropping the request.
func (s *Service) StartPolling(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, active := s.pollers[id]; active {
		return
	}

	stop := make(chan struct{})
	s.pollers[id] = stop
	s.wg.Add(1)
	go s.pollLoop(id, stop)
}

func (s *Service) pollLoop(id string, stop chan struct{}) {
	defer s.wg.Done()
	defer s.removePoller(id)

	// Admission: wait for a free slot, retrying after a fixed backoff.
	for {
		select {
		case s.slots <- struct{}{}:
		case <-stop:
			return
		case <-time.After(s.config.AdmissionBackoff):
			continue
		}
		break
	}
	defer func() { <-s.slots }()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			done, err := s.pollRequest(context.Background(), id)
			if err != nil {
				// Transient: log and retry next tick, never crash
				// the loop.
				s.logger.WithError(err).WithField("request_id", id).Warn("Poll failed, will retry")
				continue
			}
			if done {
				return
			}
		}
	}
}

// pollRequest performs one poll: it fetches the persisted status,
// increments the poll count, forces a timeout once the count reaches
// MaxPolls, and notifies subscribers. It reports done=true when polling
// should stop.
func (s *Service) pollRequest(ctx context.Context, id string) (done bool, err error) {
	s.writeMu.Lock()
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		s.writeMu.Unlock()
		if errors.Is(err, store.ErrNotFound) {
			// Record was cleaned up; nothing left to poll.
			return true, nil
		}
		return false, err
	}

	if req.Status.Terminal() {
		s.writeSeq++
		seq := s.writeSeq
		s.writeMu.Unlock()
		s.notify(req, seq)
		return true, nil
	}

	req.PollCount++
	if req.PollCount >= s.config.MaxPolls {
		req.Status = types.StatusTimeout
		req.ErrorMessage = "polling exhausted before the engine reported completion"
	}

	if err := s.store.UpdateRequest(ctx, req); err != nil {
		s.writeMu.Unlock()
		return false, err
	}
	s.writeSeq++
	seq := s.writeSeq
	s.writeMu.Unlock()

	s.notify(req, seq)

	if req.Status == types.StatusTimeout {
		s.logger.WithFields(logrus.Fields{
			"request_id": id,
			"poll_count": req.PollCount,
		}).Warn("Request timed out after max polls")
		if s.auditor != nil {
			s.auditor.LogRequestTimedOut(ctx, id, req.PollCount)
		}
	}

	return req.Status.Terminal(), nil
}

// GetStatus is a one-shot read with no side effects on the poll count.
func (s *Service) GetStatus(ctx context.Context, id string) (*types.TrackedRequest, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, &types.OperationError{Operation: "get_status", Err: err}
	}
	return req, nil
}

// WaitForCompletion blocks until the request reaches a terminal status or
// the timeout elapses. It never reads faster than PollInterval, and on
// expiry it returns a synthesized timeout snapshot rather than an error.
// The persisted record is not modified.
func (s *Service) WaitForCompletion(ctx context.Context, id string, timeout time.Duration) (*types.TrackedRequest, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		req, err := s.store.GetRequest(ctx, id)
		if err != nil {
			return nil, &types.OperationError{Operation: "wait_for_completion", Err: err}
		}
		if req.Status.Terminal() {
			return req, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			synthesized := *req
			synthesized.Status = types.StatusTimeout
			synthesized.ErrorMessage = "wait timed out before the request completed"
			return &synthesized, nil
		case <-ticker.C:
		}
	}
}

// Subscribe registers a callback for one request's snapshots, delivered
// in poll order. The first subscriber lazily starts polling; the returned
// unsubscribe function stops polling and garbage-collects state when the
// last subscriber leaves.
func (s *Service) Subscribe(id string, fn Subscriber) (unsubscribe func()) {
	s.mu.Lock()
	s.nextSubID++
	subID := s.nextSubID
	s.subscribers[id] = append(s.subscribers[id], subscriberEntry{id: subID, fn: fn})
	first := len(s.subscribers[id]) == 1
	s.mu.Unlock()

	if first {
		s.StartPolling(id)
	}

	return func() {
		s.mu.Lock()
		entries := s.subscribers[id]
		for i, e := range entries {
			if e.id == subID {
				s.subscribers[id] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		last := len(s.subscribers[id]) == 0
		if last {
			delete(s.subscribers, id)
		}
		// Deregister before closing, exactly like stopPoller, so a
		// concurrent Cancel or Shutdown never closes the same channel.
		var stop chan struct{}
		if last {
			if ch, ok := s.pollers[id]; ok {
				stop = ch
				delete(s.pollers, id)
			}
		}
		s.mu.Unlock()

		if stop != nil {
			close(stop)
		}
	}
}

// SubscribeToActive registers a batch callback invoked with all
// non-terminal records whenever any tracked request changes.
func (s *Service) SubscribeToActive(fn ActiveSubscriber) (unsubscribe func()) {
	s.mu.Lock()
	s.nextSubID++
	subID := s.nextSubID
	s.activeSubs[subID] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.activeSubs, subID)
		s.mu.Unlock()
	}
}

// Cancel transitions a request to cancelled and stops its poll loop
// immediately. In-flight polls that complete after cancellation are
// discarded by the monotonic-status guard, never resurrecting the record.
func (s *Service) Cancel(ctx context.Context, id string) error {
	req, seq, ok, err := s.complete(ctx, id, func(req *types.TrackedRequest) {
		req.Status = types.StatusCancelled
	})
	if err != nil {
		return err
	}
	if !ok {
		// Already terminal; cancellation of finished work is a no-op.
		return nil
	}

	s.stopPoller(id)
	s.notify(req, seq)
	s.logger.WithField("request_id", id).Info("Request cancelled")
	return nil
}

// MarkRunning records the engine's acknowledgement that work started.
func (s *Service) MarkRunning(ctx context.Context, id string) error {
	req, seq, ok, err := s.complete(ctx, id, func(req *types.TrackedRequest) {
		if req.Status == types.StatusPending {
			req.Status = types.StatusRunning
		}
	})
	if err != nil {
		return err
	}
	if ok {
		s.notify(req, seq)
	}
	return nil
}

// HandleCompletion records the engine's push notification for a request:
// success with a response payload, or failure with an error message. The
// duration and actual cost come from the engine for reconciliation.
func (s *Service) HandleCompletion(ctx context.Context, id, response, errorMessage string, duration time.Duration, actualCost float64) error {
	req, seq, ok, err := s.complete(ctx, id, func(req *types.TrackedRequest) {
		if errorMessage != "" {
			req.Status = types.StatusFailed
			req.ErrorMessage = errorMessage
		} else {
			req.Status = types.StatusSuccess
			req.Response = response
		}
		req.Duration = duration
		req.ActualCost = actualCost
	})
	if err != nil {
		return err
	}
	if !ok {
		// Late completion for an already-terminal record (timed out or
		// cancelled). Keep the terminal state; log for reconciliation.
		s.logger.WithField("request_id", id).Warn("Completion arrived after terminal status, discarded")
		return nil
	}

	s.stopPoller(id)
	s.notify(req, seq)
	return nil
}

// complete applies a mutation under the monotonic-status guard: already
// terminal records are returned unchanged with ok=false. The returned
// sequence orders the snapshot against concurrent polls.
func (s *Service) complete(ctx context.Context, id string, mutate func(*types.TrackedRequest)) (*types.TrackedRequest, uint64, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, 0, false, &types.OperationError{Operation: "update_request", Err: err}
	}
	if req.Status.Terminal() {
		return req, 0, false, nil
	}

	mutate(req)
	if err := s.store.UpdateRequest(ctx, req); err != nil {
		return nil, 0, false, &types.OperationError{Operation: "update_request", Err: err}
	}
	s.writeSeq++
	return req, s.writeSeq, true, nil
}

// CleanupExpiredRequests deletes records still pending or running past
// their expiry. A safety valve against orphaned dispatches from crashed
// callers; terminal records are kept as history.
func (s *Service) CleanupExpiredRequests(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	deleted, err := s.store.DeleteExpired(ctx, time.Now().UTC())
	s.writeMu.Unlock()
	if err != nil {
		return 0, &types.OperationError{Operation: "cleanup", Err: err}
	}
	if deleted > 0 {
		s.logger.WithField("deleted", deleted).Info("Cleaned up expired requests")
		s.notifyActive()
	}
	return deleted, nil
}

// ActiveRequests returns all non-terminal tracked requests.
func (s *Service) ActiveRequests(ctx context.Context) ([]*types.TrackedRequest, error) {
	active, err := s.store.ActiveRequests(ctx)
	if err != nil {
		return nil, &types.OperationError{Operation: "list_active", Err: err}
	}
	return active, nil
}

// Shutdown stops all poll loops and drops all subscriptions. No further
// state is persisted after it returns.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, stop := range s.pollers {
		close(stop)
		delete(s.pollers, id)
	}
	s.subscribers = make(map[string][]subscriberEntry)
	s.activeSubs = make(map[int]ActiveSubscriber)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Polling service stopped")
}

// notify delivers a snapshot to the request's subscribers and refreshes
// batch subscribers. The sequence gate drops snapshots that committed
// before one already delivered, so a slow poll can never surface a
// pre-cancel state after the cancelled snapshot went out.
func (s *Service) notify(req *types.TrackedRequest, seq uint64) {
	s.deliverMu.Lock()
	if seq <= s.delivered[req.ID] {
		s.deliverMu.Unlock()
		return
	}
	s.delivered[req.ID] = seq

	s.mu.Lock()
	entries := make([]subscriberEntry, len(s.subscribers[req.ID]))
	copy(entries, s.subscribers[req.ID])
	s.mu.Unlock()

	for _, e := range entries {
		cp := *req
		e.fn(&cp)
	}
	s.deliverMu.Unlock()

	s.notifyActive()
}

func (s *Service) notifyActive() {
	s.mu.Lock()
	if len(s.activeSubs) == 0 {
		s.mu.Unlock()
		return
	}
	subs := make([]ActiveSubscriber, 0, len(s.activeSubs))
	for _, fn := range s.activeSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	active, err := s.store.ActiveRequests(context.Background())
	if err != nil {
		s.logger.WithError(err).Warn("Failed to load active requests for batch subscribers")
		return
	}
	for _, fn := range subs {
		fn(active)
	}
}

func (s *Service) removePoller(id string) {
	s.mu.Lock()
	delete(s.pollers, id)
	s.mu.Unlock()

	s.deliverMu.Lock()
	delete(s.delivered, id)
	s.deliverMu.Unlock()
}

func (s *Service) stopPoller(id string) {
	s.mu.Lock()
	stop, ok := s.pollers[id]
	if ok {
		delete(s.pollers, id)
	}
	s.mu.Unlock()
	if ok {
		close(stop)
	}
}

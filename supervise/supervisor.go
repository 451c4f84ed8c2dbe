package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ch4p-labs/overwatch/backoff"
	"github.com/ch4p-labs/overwatch/chronos"
	"github.com/ch4p-labs/overwatch/supervise/health"
)

// HealthRecorder is the bookkeeping surface the supervisor notifies on
// lifecycle events. [health.Monitor] is the default implementation. Calls
// are fire-and-forget: a panicking recorder is logged and never blocks
// supervision.
type HealthRecorder interface {
	Start()
	Stop()
	RegisterChild(id string)
	UnregisterChild(id string)
	RecordCrash(id string, cause error)
	RecordRestart(id string)
}

type supOpts struct {
	name   string
	policy RestartPolicy
	log    *slog.Logger
	health HealthRecorder
}

// Opt is a functional option for [New].
type Opt func(o supOpts) supOpts

// SetName names the supervisor for logging.
func SetName(name string) Opt {
	return func(o supOpts) supOpts {
		o.name = name
		return o
	}
}

// SetPolicy sets the supervisor-level default restart policy. Child specs
// may override individual fields.
func SetPolicy(p RestartPolicy) Opt {
	return func(o supOpts) supOpts {
		o.policy = p
		return o
	}
}

// SetLogger sets the structured logger. Default: [slog.Default].
func SetLogger(log *slog.Logger) Opt {
	return func(o supOpts) supOpts {
		o.log = log
		return o
	}
}

// SetHealthRecorder injects a health recorder, eg to share one monitor
// across supervisors. Default: a fresh [health.Monitor].
func SetHealthRecorder(h HealthRecorder) Opt {
	return func(o supOpts) supOpts {
		o.health = h
		return o
	}
}

// restartTask tracks one in-flight restart cascade so shutdown and child
// removal can cancel and await it deterministically.
type restartTask struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns an ordered registry of children, starts them in
// registration order, stops them in reverse, and applies the configured
// restart strategy when a child crashes.
//
// The supervisor is the sole mutator of its child table. Restarts of
// different children run concurrently, each with its own backoff timer;
// [Stop] cancels pending backoff sleeps and waits for every in-flight
// restart to settle before touching child handles.
//
// Specializations (worker and OS-process supervisors) compose a Supervisor
// and report their children's exits through [HandleChildCrash] and
// [HandleChildExit].
type Supervisor struct {
	name   string
	policy RestartPolicy
	log    *slog.Logger
	health HealthRecorder
	events *emitter

	mu         sync.Mutex
	table      *childTable
	inflight   map[string]*restartTask
	running    bool
	stopping   bool
	stopCtx    context.Context
	stopCancel context.CancelFunc
}

// New creates a supervisor. It is not running until [Supervisor.Start] is
// called; children added before that start when the supervisor does.
func New(opts ...Opt) *Supervisor {
	o := supOpts{
		name:   "supervisor",
		policy: NewRestartPolicy(),
		log:    slog.Default(),
	}
	for _, fn := range opts {
		o = fn(o)
	}
	if o.health == nil {
		o.health = health.NewMonitor(health.SetLogger(o.log))
	}

	return &Supervisor{
		name:     o.name,
		policy:   o.policy,
		log:      o.log.With("supervisor", o.name),
		health:   o.health,
		events:   newEmitter(),
		table:    newChildTable(),
		inflight: make(map[string]*restartTask),
	}
}

// Subscribe registers a handler for one event kind and returns its
// unsubscribe function.
func (s *Supervisor) Subscribe(kind EventKind, fn EventHandler) func() {
	return s.events.subscribe(kind, fn)
}

// SubscribeAll registers a handler for every event kind.
func (s *Supervisor) SubscribeAll(fn EventHandler) func() {
	return s.events.subscribeAll(fn)
}

// Health returns the supervisor's health recorder.
func (s *Supervisor) Health() HealthRecorder {
	return s.health
}

// AddChild registers a child. Fails with an [AlreadyPresentError] for
// duplicate ids. If the supervisor is already running the child is started
// immediately; a start failure is returned and also recorded as a crash,
// leaving the child registered and subject to its restart policy.
func (s *Supervisor) AddChild(spec ChildSpec) error {
	if spec.ID == "" || spec.Start == nil {
		return fmt.Errorf("%w: id and start function are required", ErrInvalidSpec)
	}

	s.mu.Lock()
	if _, err := s.table.add(spec); err != nil {
		s.mu.Unlock()
		return err
	}
	startNow := s.running && !s.stopping
	s.mu.Unlock()

	s.record(func() { s.health.RegisterChild(spec.ID) })

	if startNow {
		return s.startChild(spec.ID)
	}
	return nil
}

// RemoveChild cancels any pending restart for the child, stops it if
// running, then deletes its state. Unknown ids are a no-op.
func (s *Supervisor) RemoveChild(id string) error {
	s.mu.Lock()
	rec := s.table.get(id)
	if rec == nil {
		s.mu.Unlock()
		return nil
	}
	task := s.inflight[id]
	s.mu.Unlock()

	if task != nil {
		task.cancel()
		<-task.done
	}

	s.mu.Lock()
	rec = s.table.get(id)
	if rec == nil {
		s.mu.Unlock()
		return nil
	}
	needStop := rec.status == StatusRunning
	s.mu.Unlock()

	if needStop {
		s.stopChild(id)
	}

	s.mu.Lock()
	s.table.remove(id)
	s.mu.Unlock()

	s.record(func() { s.health.UnregisterChild(id) })
	return nil
}

// Start starts every registered child sequentially in registration order.
// A child's start completes, successfully or as a recorded crash, before
// the next child starts. Idempotent.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopping = false
	s.stopCtx, s.stopCancel = context.WithCancel(context.Background())
	order := ids(s.table.list())
	s.mu.Unlock()

	s.record(func() { s.health.Start() })

	for _, id := range order {
		// a failed start is recorded as a crash and handled by the
		// restart policy; the remaining children still start
		_ = s.startChild(id)
	}

	s.log.Info("supervisor started", "children", len(order))
	s.events.emit(Event{Kind: EventSupervisorStarted})
	return nil
}

// Stop cancels pending backoff sleeps, waits for all in-flight restarts to
// settle, then stops running children in reverse registration order.
// Idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.stopCancel()
	pending := make([]*restartTask, 0, len(s.inflight))
	for _, t := range s.inflight {
		pending = append(pending, t)
	}
	s.mu.Unlock()

	for _, t := range pending {
		<-t.done
	}

	s.mu.Lock()
	var stopIDs []string
	for _, rec := range reversed(s.table.list()) {
		if rec.status == StatusRunning || rec.status == StatusRestarting {
			stopIDs = append(stopIDs, rec.spec.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range stopIDs {
		s.stopChild(id)
	}

	s.record(func() { s.health.Stop() })

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.stopCtx = nil
	s.stopCancel = nil
	s.mu.Unlock()

	s.log.Info("supervisor stopped")
	s.events.emit(Event{Kind: EventSupervisorStopped})
	return nil
}

// RestartChild stops (if running) and starts the named child immediately,
// outside the crash/backoff path. Fails for unknown ids; a no-op while the
// supervisor is stopping.
func (s *Supervisor) RestartChild(id string) error {
	s.mu.Lock()
	rec := s.table.get(id)
	if rec == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChildNotFound, id)
	}
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	wasRunning := rec.status == StatusRunning
	s.mu.Unlock()

	if wasRunning {
		s.stopChild(id)
	}
	return s.startChild(id)
}

// ChildState returns a defensive snapshot of one child's supervision
// record.
func (s *Supervisor) ChildState(id string) (ChildState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.table.get(id)
	if rec == nil {
		return ChildState{}, fmt.Errorf("%w: %s", ErrChildNotFound, id)
	}
	return rec.snapshot(), nil
}

// Children returns snapshots of every registered child in registration
// order.
func (s *Supervisor) Children() []ChildState {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.table.list()
	out := make([]ChildState, len(recs))
	for i, rec := range recs {
		out[i] = rec.snapshot()
	}
	return out
}

// CountChildren tallies registered children by status.
func (s *Supervisor) CountChildren() ChildCount {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c ChildCount
	for _, rec := range s.table.list() {
		c.Specs++
		switch rec.status {
		case StatusRunning:
			c.Running++
		case StatusCrashed:
			c.Crashed++
		case StatusRestarting:
			c.Restarting++
		}
	}
	return c
}

// HandleChildCrash reports a child failure. It is the crash hook invoked
// by the specializations when a spawned child signals failure, and by the
// engine itself when a start function rejects. Ignored while the
// supervisor is stopping or for unknown ids.
//
// The restart path never blocks the caller: the strategy runs as an
// in-flight task keyed by child id that [Stop] and [RemoveChild] can
// cancel and await.
func (s *Supervisor) HandleChildCrash(childID string, cause error) {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return
	}
	rec := s.table.get(childID)
	if rec == nil {
		s.mu.Unlock()
		return
	}
	rec.status = StatusCrashed
	rec.lastErr = cause
	rec.handle = nil
	policy := s.policy.merge(rec.spec.Policy)
	task := s.trackRestartLocked(childID)
	s.mu.Unlock()

	s.record(func() { s.health.RecordCrash(childID, cause) })
	s.log.Error("child crashed", "child", childID, "err", cause)
	s.events.emit(Event{Kind: EventChildCrashed, ChildID: childID, Err: cause})

	go func() {
		defer s.finishRestart(childID, task)
		s.applyStrategy(task.ctx, childID, policy)
	}()
}

// HandleChildExit reports a graceful self-exit (worker returned nil,
// process exited 0 with no signal). Not an error: the child's state
// clears and no restart happens.
func (s *Supervisor) HandleChildExit(childID string) {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return
	}
	rec := s.table.get(childID)
	if rec == nil || rec.status != StatusRunning {
		s.mu.Unlock()
		return
	}
	rec.status = StatusStopped
	rec.handle = nil
	s.mu.Unlock()

	s.log.Info("child exited", "child", childID)
	s.events.emit(Event{Kind: EventChildStopped, ChildID: childID})
}

// startChild invokes the spec's start function and records the outcome. A
// rejected start re-enters [HandleChildCrash].
func (s *Supervisor) startChild(id string) error {
	s.mu.Lock()
	rec := s.table.get(id)
	if rec == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChildNotFound, id)
	}
	spec := rec.spec
	ctx := s.stopCtx
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	handle, err := spec.Start(ctx)
	if err != nil {
		s.log.Error("child failed to start", "child", id, "err", err)
		s.HandleChildCrash(id, err)
		return err
	}

	s.mu.Lock()
	rec = s.table.get(id)
	if rec == nil {
		// removed while starting; discard the fresh instance
		s.mu.Unlock()
		_ = handle.Kill()
		return fmt.Errorf("%w: %s", ErrChildNotFound, id)
	}
	rec.handle = handle
	rec.status = StatusRunning
	s.mu.Unlock()

	s.log.Info("child started", "child", id, "pid", handle.Pid())
	s.events.emit(Event{Kind: EventChildStarted, ChildID: id, Handle: handle})
	return nil
}

// stopChild stops one child, preferring the spec's graceful shutdown and
// falling back to a kill. Always ends in StatusStopped and emits
// child:stopped; shutdown-time errors are swallowed after the fallback.
func (s *Supervisor) stopChild(id string) {
	s.mu.Lock()
	rec := s.table.get(id)
	if rec == nil {
		s.mu.Unlock()
		return
	}
	spec := rec.spec
	handle := rec.handle
	s.mu.Unlock()

	if handle != nil {
		if err := s.shutdownHandle(spec, handle); err != nil {
			s.log.Warn("child shutdown failed, killing", "child", id, "err", err)
			if kerr := handle.Kill(); kerr != nil {
				s.log.Warn("child kill failed", "child", id, "err", kerr)
			}
		}
	}

	s.mu.Lock()
	rec.status = StatusStopped
	rec.handle = nil
	s.mu.Unlock()

	s.log.Info("child stopped", "child", id)
	s.events.emit(Event{Kind: EventChildStopped, ChildID: id})
}

func (s *Supervisor) shutdownHandle(spec ChildSpec, handle ChildHandle) (err error) {
	if spec.Shutdown == nil {
		return handle.Kill()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown panicked: %v", r)
		}
	}()
	return spec.Shutdown(context.Background(), handle)
}

// applyStrategy runs the restart strategy for one crash. The context is
// cancelled when the supervisor stops or the child is removed; it is
// checked at every loop boundary so a shutdown mid-cascade stops early.
func (s *Supervisor) applyStrategy(ctx context.Context, childID string, policy RestartPolicy) {
	switch policy.Strategy {
	case OneForAll:
		s.cascadeRestart(ctx, childID, policy, s.siblingIDs(childID))
	case RestForOne:
		s.cascadeRestart(ctx, childID, policy, s.laterIDs(childID))
	default:
		s.restartWithBackoff(ctx, childID, policy)
	}
}

// cascadeRestart stops the affected running siblings in reverse
// registration order, restarts the crashed child through the backoff path,
// then restarts the stopped siblings immediately in registration order.
// Exhaustion of the crashed child's restart budget aborts the cascade.
func (s *Supervisor) cascadeRestart(ctx context.Context, childID string, policy RestartPolicy, affected []string) {
	var stopped []string
	for i := len(affected) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return
		}
		sid := affected[i]
		if s.statusOf(sid) != StatusRunning {
			continue
		}
		s.stopChild(sid)
		stopped = append(stopped, sid)
	}

	if !s.restartWithBackoff(ctx, childID, policy) {
		return
	}

	// restart in original registration order
	for i := len(stopped) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return
		}
		_ = s.startChild(stopped[i])
	}
}

// restartWithBackoff prunes the restart window, enforces the restart
// budget, then sleeps out the backoff delay and starts the child. Returns
// false when the budget is exhausted, the sleep was cancelled, or the
// start failed.
func (s *Supervisor) restartWithBackoff(ctx context.Context, id string, policy RestartPolicy) bool {
	s.mu.Lock()
	rec := s.table.get(id)
	if rec == nil {
		s.mu.Unlock()
		return false
	}
	now := chronos.Now("")
	rec.restartStamps = chronos.Prune(rec.restartStamps, now, policy.Window)
	if len(rec.restartStamps) >= policy.MaxRestarts {
		rec.status = StatusCrashed
		s.mu.Unlock()

		s.log.Error("child restart limit exceeded, giving up",
			"child", id, "max_restarts", policy.MaxRestarts, "window", policy.Window)
		s.events.emit(Event{Kind: EventMaxRestartsExceeded, ChildID: id, Err: ErrRestartsExceeded})
		return false
	}
	attempt := len(rec.restartStamps)
	rec.restartStamps = append(rec.restartStamps, now)
	rec.restartCount++
	count := rec.restartCount
	rec.status = StatusRestarting
	s.mu.Unlock()

	s.record(func() { s.health.RecordRestart(id) })

	delay := backoff.Delay(attempt, policy.BackoffBase, policy.BackoffMax)
	s.log.Info("restarting child", "child", id, "attempt", count, "delay", delay)
	if err := backoff.Sleep(ctx, delay); err != nil {
		// shutdown or removal raced the backoff; bail without starting
		return false
	}

	if err := s.startChild(id); err != nil {
		return false
	}

	s.mu.Lock()
	handle := rec.handle
	s.mu.Unlock()

	s.events.emit(Event{Kind: EventChildRestarted, ChildID: id, Handle: handle, Attempt: count})
	return true
}

func (s *Supervisor) statusOf(id string) ChildStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.table.get(id)
	if rec == nil {
		return ""
	}
	return rec.status
}

// siblingIDs returns every registered child except [id], in registration
// order.
func (s *Supervisor) siblingIDs(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, rec := range s.table.list() {
		if rec.spec.ID != id {
			out = append(out, rec.spec.ID)
		}
	}
	return out
}

// laterIDs returns the children registered strictly after [id], in
// registration order.
func (s *Supervisor) laterIDs(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ids(s.table.after(id))
}

func (s *Supervisor) trackRestartLocked(id string) *restartTask {
	base := s.stopCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	t := &restartTask{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.inflight[id] = t
	return t
}

func (s *Supervisor) finishRestart(id string, t *restartTask) {
	t.cancel()
	s.mu.Lock()
	if s.inflight[id] == t {
		delete(s.inflight, id)
	}
	s.mu.Unlock()
	close(t.done)
}

// record shields the engine from a misbehaving health recorder.
func (s *Supervisor) record(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("health recorder call panicked", "panic", r)
		}
	}()
	fn()
}

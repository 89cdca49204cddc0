// Package dispatch runs the durable task queue. A task is a named unit
// of orchestration work bound to an agent run row; the dispatcher owns
// the run lifecycle (queued, running, waiting, completed, failed) while
// handlers own the semantics. Tasks on the same case execute strictly in
// order; tasks on different cases run concurrently up to the worker
// budget. The pending task spec is persisted in the run's metadata, so a
// restart recovers queued work from the database instead of losing it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/docket/pkg/contracts"
	"github.com/Mindburn-Labs/docket/pkg/store"
)

var (
	// ErrDuplicate means an identical task was already dispatched within
	// the idempotency window. The original run proceeds; the caller gets
	// its id.
	ErrDuplicate = errors.New("dispatch: duplicate task")
	// ErrParked is the target handlers return (via Park) to leave the
	// run occupying its case in waiting instead of finishing it.
	ErrParked = errors.New("dispatch: run parked")
	// ErrNotRunning means the dispatcher was stopped or never started.
	ErrNotRunning = errors.New("dispatch: not running")
	// ErrUnknownTask means no handler is registered for the task type.
	ErrUnknownTask = errors.New("dispatch: unknown task type")
)

type parkedError struct{ threadRef string }

func (e *parkedError) Error() string        { return "dispatch: run parked on " + e.threadRef }
func (e *parkedError) Is(target error) bool { return target == ErrParked }

// Park is returned by a handler that minted a waitpoint and wants the
// run held in waiting until something completes it. ThreadRef is the
// continuation reference recorded on the run.
func Park(threadRef string) error { return &parkedError{threadRef: threadRef} }

// Task is what a handler receives.
type Task struct {
	Type    string
	Run     *contracts.AgentRun
	CaseID  string
	Payload map[string]any
}

// Handler executes one task. Returning Park(ref) leaves the run in
// waiting; any other error fails the run.
type Handler func(ctx context.Context, t *Task) error

// TaskSpec describes a unit of work to enqueue.
type TaskSpec struct {
	// Type selects the registered handler.
	Type   string
	CaseID string
	// Trigger is recorded on the run when a new one is created.
	Trigger contracts.TriggerType
	// RunID adopts an existing run (resume, execute-after-approve)
	// instead of creating a new one. The adopted run must be queued or
	// waiting.
	RunID   string
	Payload map[string]any
	// IdempotencyKey suppresses duplicate dispatches of the same logical
	// task. Empty means no dedup.
	IdempotencyKey string
	// KeyTTL overrides the dispatcher's idempotency window for this key.
	// Zero means the dispatcher default. Date-scoped keys (one per day)
	// need a window longer than the default hour.
	KeyTTL time.Duration
	// Supersede cancels any run still occupying the case before the new
	// run is created.
	Supersede bool
	// Debounce delays enqueue and coalesces bursts sharing DebounceKey;
	// the last spec wins. Zero means immediate.
	Debounce    time.Duration
	DebounceKey string
}

type queueItem struct {
	runID   string
	task    string
	payload map[string]any
}

type caseQueue struct {
	items  []queueItem
	active bool
}

type pendingTask struct {
	timer *time.Timer
	item  queueItem
}

// Observer receives run lifecycle notifications. Implementations must
// be cheap and non-blocking; they run on the worker goroutine.
type Observer interface {
	RunStarted(ctx context.Context, taskType string)
	RunFinished(ctx context.Context, taskType, status string)
}

// Dispatcher is the worker pool.
type Dispatcher struct {
	store    *store.Store
	logger   *slog.Logger
	clock    func() time.Time
	observer Observer

	handlers map[string]Handler
	keyTTL   time.Duration
	workers  int

	mu       sync.Mutex
	queues   map[string]*caseQueue
	pending  map[string]*pendingTask
	inFlight int

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the concurrent case budget. Default 8.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithKeyTTL sets the idempotency window. Default 1h.
func WithKeyTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.keyTTL = ttl
		}
	}
}

// WithClock replaces the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithObserver attaches a run lifecycle observer, typically the metrics
// provider.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// New builds a stopped dispatcher. Register handlers, then Start.
func New(st *store.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		logger:   slog.Default().With("component", "dispatch"),
		clock:    time.Now,
		handlers: make(map[string]Handler),
		keyTTL:   time.Hour,
		workers:  8,
		queues:   make(map[string]*caseQueue),
		pending:  make(map[string]*pendingTask),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a handler to a task type. Registration after Start is
// a programming error.
func (d *Dispatcher) Register(taskType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil {
		panic("dispatch: Register after Start")
	}
	d.handlers[taskType] = h
}

// Start makes the dispatcher accept work.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.sem = make(chan struct{}, d.workers)
}

// Stop drains in-flight work and rejects new enqueues. Pending debounce
// timers are dropped; their runs stay queued in the store and come back
// through Recover on the next boot.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return nil
	}
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
	}
	cancel()
	return ctx.Err()
}

// Enqueue persists and schedules a task, returning the id of the run
// that owns it. With an IdempotencyKey, a duplicate within the window
// returns the original run id and ErrDuplicate.
func (d *Dispatcher) Enqueue(ctx context.Context, spec TaskSpec) (string, error) {
	if spec.Type == "" || spec.CaseID == "" {
		return "", fmt.Errorf("dispatch: task type and case id are required")
	}
	d.mu.Lock()
	running := d.ctx != nil && d.cancel != nil
	_, known := d.handlers[spec.Type]
	d.mu.Unlock()
	if !running {
		return "", ErrNotRunning
	}
	if !known {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, spec.Type)
	}

	runID := spec.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	if spec.IdempotencyKey != "" {
		ttl := spec.KeyTTL
		if ttl <= 0 {
			ttl = d.keyTTL
		}
		claimed, existing, err := d.store.PutDispatchKey(ctx, spec.IdempotencyKey, runID, ttl)
		if err != nil {
			return "", fmt.Errorf("dispatch key %q: %w", spec.IdempotencyKey, err)
		}
		if !claimed {
			return existing, ErrDuplicate
		}
	}

	if spec.RunID == "" {
		if spec.Supersede {
			n, err := d.store.CancelActiveRuns(ctx, spec.CaseID, contracts.ErrorSuperseded)
			if err != nil {
				return "", fmt.Errorf("supersede case %s: %w", spec.CaseID, err)
			}
			if n > 0 {
				_ = d.store.AppendActivity(ctx, spec.CaseID, contracts.ActivityRunSuperseded,
					fmt.Sprintf("superseded %d active run(s)", n),
					map[string]any{"new_run_id": runID, "task": spec.Type})
			}
		}
		run := &contracts.AgentRun{
			ID:          runID,
			CaseID:      spec.CaseID,
			TriggerType: spec.Trigger,
			Status:      contracts.RunQueued,
			Metadata:    taskMetadata(spec.Type, spec.Payload),
			CreatedAt:   d.clock().UTC(),
		}
		if err := d.store.CreateRun(ctx, run); err != nil {
			return "", fmt.Errorf("create run: %w", err)
		}
	} else {
		run, err := d.store.GetRun(ctx, spec.RunID)
		if err != nil {
			return "", fmt.Errorf("adopt run %s: %w", spec.RunID, err)
		}
		if !run.Status.IsActive() {
			return "", fmt.Errorf("dispatch: run %s is %s, not adoptable", run.ID, run.Status)
		}
		if err := d.store.SetRunMetadata(ctx, run.ID, taskMetadata(spec.Type, spec.Payload)); err != nil {
			return "", fmt.Errorf("persist task on run %s: %w", run.ID, err)
		}
	}

	item := queueItem{runID: runID, task: spec.Type, payload: spec.Payload}
	if spec.Debounce > 0 {
		d.debounce(spec.CaseID, debounceKey(spec), spec.Debounce, item)
	} else {
		d.push(spec.CaseID, item)
	}
	return runID, nil
}

// Resume wakes a parked run with a continuation task. The payload is
// persisted on the run before scheduling, so a crash between resume and
// execution is recoverable.
func (d *Dispatcher) Resume(ctx context.Context, runID, taskType string, payload map[string]any) error {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("resume run %s: %w", runID, err)
	}
	if run.Status != contracts.RunWaiting {
		return fmt.Errorf("dispatch: run %s is %s, not waiting", runID, run.Status)
	}
	_, err = d.Enqueue(ctx, TaskSpec{
		Type:    taskType,
		CaseID:  run.CaseID,
		RunID:   runID,
		Payload: payload,
	})
	return err
}

// Recover reschedules runs the store still shows as queued. Called once
// at boot, before traffic.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	runs, err := d.store.ListQueuedRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queued runs: %w", err)
	}
	recovered := 0
	for _, run := range runs {
		taskType, payload, ok := taskFromMetadata(run.Metadata)
		if !ok {
			d.logger.Warn("queued run has no recoverable task", "run_id", run.ID, "case_id", run.CaseID)
			_ = d.store.FailRun(ctx, run.ID, "unrecoverable: no task in metadata")
			continue
		}
		d.mu.Lock()
		_, known := d.handlers[taskType]
		d.mu.Unlock()
		if !known {
			_ = d.store.FailRun(ctx, run.ID, "unrecoverable: no handler for "+taskType)
			continue
		}
		d.push(run.CaseID, queueItem{runID: run.ID, task: taskType, payload: payload})
		recovered++
	}
	if recovered > 0 {
		d.logger.Info("recovered queued runs", "count", recovered)
	}
	return recovered, nil
}

// Quiesce blocks until no task is queued, debounced, or in flight.
// Test and shutdown helper.
func (d *Dispatcher) Quiesce(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		d.mu.Lock()
		idle := d.inFlight == 0 && len(d.pending) == 0
		if idle {
			for _, q := range d.queues {
				if q.active || len(q.items) > 0 {
					idle = false
					break
				}
			}
		}
		d.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func debounceKey(spec TaskSpec) string {
	if spec.DebounceKey != "" {
		return spec.DebounceKey
	}
	return spec.CaseID + "/" + spec.Type
}

// debounce coalesces bursts: the latest item wins, scheduled on the
// trailing edge. The displaced item's run is cancelled as superseded so
// no queued row is left behind.
func (d *Dispatcher) debounce(caseID, key string, delay time.Duration, item queueItem) {
	d.mu.Lock()
	var displaced string
	if p, ok := d.pending[key]; ok && p.timer.Stop() {
		displaced = p.item.runID
	}
	p := &pendingTask{item: item}
	p.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		d.push(caseID, item)
	})
	d.pending[key] = p
	d.mu.Unlock()

	if displaced != "" {
		_ = d.store.CancelRun(context.Background(), displaced, contracts.ErrorSuperseded)
	}
}

// push appends to the case's FIFO queue and wakes a drainer if the case
// is not already being worked.
func (d *Dispatcher) push(caseID string, item queueItem) {
	d.mu.Lock()
	if d.ctx == nil {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[caseID]
	if !ok {
		q = &caseQueue{}
		d.queues[caseID] = q
	}
	q.items = append(q.items, item)
	if q.active {
		d.mu.Unlock()
		return
	}
	q.active = true
	d.inFlight++
	d.wg.Add(1)
	ctx := d.ctx
	d.mu.Unlock()

	go d.drain(ctx, caseID)
}

// drain works one case's queue to empty, one item at a time, holding a
// worker slot for the duration.
func (d *Dispatcher) drain(ctx context.Context, caseID string) {
	defer d.wg.Done()
	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		d.park(caseID)
		return
	}

	for {
		d.mu.Lock()
		q := d.queues[caseID]
		if len(q.items) == 0 {
			q.active = false
			delete(d.queues, caseID)
			d.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		d.mu.Unlock()

		if ctx.Err() != nil {
			d.park(caseID)
			return
		}
		d.execute(ctx, caseID, item)
	}
}

// park marks the case queue inactive without draining; its runs stay
// queued in the store for Recover.
func (d *Dispatcher) park(caseID string) {
	d.mu.Lock()
	if q, ok := d.queues[caseID]; ok {
		q.active = false
		if len(q.items) == 0 {
			delete(d.queues, caseID)
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) execute(ctx context.Context, caseID string, item queueItem) {
	log := d.logger.With("case_id", caseID, "run_id", item.runID, "task", item.task)

	if err := d.store.MarkRunRunning(ctx, item.runID); err != nil {
		if errors.Is(err, store.ErrStale) {
			// Cancelled or superseded between enqueue and execution.
			log.Info("skipping task, run no longer claimable")
			return
		}
		log.Error("claim run", "error", err)
		return
	}

	run, err := d.store.GetRun(ctx, item.runID)
	if err != nil {
		log.Error("load run", "error", err)
		_ = d.store.FailRun(ctx, item.runID, "load run: "+err.Error())
		return
	}

	d.mu.Lock()
	h := d.handlers[item.task]
	d.mu.Unlock()
	if h == nil {
		_ = d.store.FailRun(ctx, item.runID, "no handler for "+item.task)
		return
	}

	if d.observer != nil {
		d.observer.RunStarted(ctx, item.task)
	}
	start := d.clock()
	err = h(ctx, &Task{Type: item.task, Run: run, CaseID: caseID, Payload: item.payload})
	elapsed := d.clock().Sub(start)

	outcome := string(contracts.RunFailed)
	switch {
	case err == nil:
		if cerr := d.store.CompleteRun(ctx, item.runID); cerr != nil && !errors.Is(cerr, store.ErrStale) {
			log.Error("complete run", "error", cerr)
		}
		outcome = string(contracts.RunCompleted)
		log.Info("task completed", "elapsed", elapsed)
	case errors.Is(err, ErrParked):
		ref := ""
		var pe *parkedError
		if errors.As(err, &pe) {
			ref = pe.threadRef
		}
		if werr := d.store.MarkRunWaiting(ctx, item.runID, ref); werr != nil && !errors.Is(werr, store.ErrStale) {
			log.Error("park run", "error", werr)
		}
		outcome = string(contracts.RunWaiting)
		log.Info("task parked", "thread_ref", ref, "elapsed", elapsed)
	default:
		_ = d.store.FailRun(ctx, item.runID, err.Error())
		_ = d.store.AppendActivity(ctx, caseID, contracts.ActivityRunFailed,
			"run failed: "+err.Error(),
			map[string]any{"run_id": item.runID, "task": item.task})
		log.Error("task failed", "error", err, "elapsed", elapsed)
	}
	if d.observer != nil {
		d.observer.RunFinished(ctx, item.task, outcome)
	}
}

func taskMetadata(taskType string, payload map[string]any) map[string]any {
	return map[string]any{
		"task": map[string]any{
			"type":    taskType,
			"payload": payload,
		},
	}
}

func taskFromMetadata(meta map[string]any) (string, map[string]any, bool) {
	task, ok := meta["task"].(map[string]any)
	if !ok {
		return "", nil, false
	}
	taskType, ok := task["type"].(string)
	if !ok || taskType == "" {
		return "", nil, false
	}
	payload, _ := task["payload"].(map[string]any)
	return taskType, payload, true
}

package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/palefire/troupnode/clock"
)

// Runner is a bounded worker pool executing TaskRuns, grounded on
// manager/manager.go's Manager (states map + pidIndex) generalized to
// arbitrary Task implementations, and on troup/tasks.py's TasksRunner
// (ThreadPoolExecutor-style bounded concurrency).
type Runner struct {
	maxWorkers int
	sem        chan struct{}

	mu     sync.Mutex
	active map[string]*TaskRun
	// retained holds finished (DONE/ERROR) runs for a bounded TTL so a
	// late Get still finds them, mirroring a worker-pool eviction
	// policy rather than leaking them forever.
	retained *lru.LRU[string, *TaskRun]

	wg      sync.WaitGroup
	closing chan struct{}
	closed  bool

	sweep *clock.IntervalTimer
}

// Options configures a Runner's retention and concurrency.
type Options struct {
	MaxWorkers int
	RetainTTL  time.Duration // how long a DONE/ERROR run stays gettable
}

// DefaultOptions matches the teacher's own "max_workers=3" default.
var DefaultOptions = Options{MaxWorkers: 3, RetainTTL: 10 * time.Minute}

func NewRunner(opts Options) *Runner {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultOptions.MaxWorkers
	}
	if opts.RetainTTL <= 0 {
		opts.RetainTTL = DefaultOptions.RetainTTL
	}
	return &Runner{
		maxWorkers: opts.MaxWorkers,
		sem:        make(chan struct{}, opts.MaxWorkers),
		active:     make(map[string]*TaskRun),
		retained:   lru.NewLRU[string, *TaskRun](1024, nil, opts.RetainTTL),
		closing:    make(chan struct{}),
	}
}

// StartMaintenance begins a periodic sweep that moves finished runs out
// of the active set (the TTL eviction itself is handled by the
// expirable LRU; this sweep is what performs the active->retained
// handoff promptly instead of waiting for the next lookup to notice).
func (r *Runner) StartMaintenance(c clock.Clock, interval time.Duration) {
	if r.sweep != nil {
		return
	}
	r.sweep = clock.New(c, interval, 0, r.reap)
	r.sweep.Start()
}

func (r *Runner) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, run := range r.active {
		switch run.Status() {
		case Done, Error:
			delete(r.active, id)
			r.retained.Add(id, run)
		}
	}
}

// Run schedules task for execution. Fails if a run with the same id is
// already active (mirroring TasksRunner.run's "Task already running"
// guard) or if the runner is shutting down. Scheduling blocks only long
// enough to acquire a worker slot — it does not wait for the task to
// finish.
func (r *Runner) Run(ctx context.Context, task Task) (*TaskRun, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("tasks: runner is shutting down")
	}
	if _, exists := r.active[task.ID()]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("tasks: task already running %s", task.ID())
	}
	run := NewTaskRun(task)
	r.active[task.ID()] = run
	r.mu.Unlock()

	select {
	case r.sem <- struct{}{}:
	case <-r.closing:
		r.mu.Lock()
		delete(r.active, task.ID())
		r.mu.Unlock()
		return nil, fmt.Errorf("tasks: runner is shutting down")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		if err := run.start(ctx); err != nil {
			return
		}
		select {
		case <-run.Done():
		case <-r.closing:
			// Shutdown may have snapshotted this run before start; stop
			// it here so it is cancelled like every other active run.
			_ = run.stop()
			<-run.Done()
		}
	}()

	return run, nil
}

// Stop removes the active run for id from the active set (into
// retained), then cancels it if it is RUNNING.
func (r *Runner) Stop(id string) error {
	r.mu.Lock()
	run, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("tasks: no task with id %s", id)
	}
	delete(r.active, id)
	r.retained.Add(id, run)
	r.mu.Unlock()

	if run.Status() == Running {
		return run.stop()
	}
	return nil
}

// TaskStat is one task's entry in a Stats snapshot.
type TaskStat struct {
	ID        string
	Status    Status
	StartedAt time.Time
}

// Stats snapshots the runner's current load: total and running active
// task counts, plus a per-id breakdown of every active run.
type Stats struct {
	Total   int
	Running int
	Tasks   []TaskStat
}

// Stats returns a point-in-time snapshot of the active task set.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{Total: len(r.active), Tasks: make([]TaskStat, 0, len(r.active))}
	for id, run := range r.active {
		status := run.Status()
		if status == Running {
			stats.Running++
		}
		stats.Tasks = append(stats.Tasks, TaskStat{ID: id, Status: status, StartedAt: run.StartedAt()})
	}
	return stats
}

// Get returns the TaskRun for id, whether still active or retained
// after completion, and whether it was found at all.
func (r *Runner) Get(id string) (*TaskRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.active[id]; ok {
		return run, true
	}
	return r.retained.Get(id)
}

// Active returns the ids of every run in the active set: scheduled,
// running, or finished but not yet moved to retained by the sweep.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	return out
}

// Shutdown stops accepting new work, cancels every active run, and
// blocks until all worker goroutines have drained, bounded by ctx.
// Draining is fanned out with errgroup so a slow task's stop() doesn't
// serialize behind the others.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.closing)
	runs := make([]*TaskRun, 0, len(r.active))
	for _, run := range r.active {
		runs = append(runs, run)
	}
	r.mu.Unlock()

	if r.sweep != nil {
		r.sweep.Cancel()
	}

	g, _ := errgroup.WithContext(ctx)
	for _, run := range runs {
		run := run
		g.Go(func() error {
			if run.Status() == Running {
				_ = run.stop()
			}
			select {
			case <-run.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	waited := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

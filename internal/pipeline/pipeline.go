package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"MarketCrawler/internal/collector"
	"MarketCrawler/internal/model"
	"MarketCrawler/internal/parser"

	"github.com/google/uuid"
)

// TaskState is the progress of one task inside a run.
type TaskState string

const (
	StatePending    TaskState = "pending"
	StateFetching   TaskState = "fetching"
	StateParsing    TaskState = "parsing"
	StatePersisting TaskState = "persisting"
	StateDone       TaskState = "done"
)

// Persister stores a parsed record.
type Persister interface {
	Persist(ctx context.Context, rec model.Record) error
}

// Options configures an Orchestrator.
type Options struct {
	Fetcher collector.Fetcher
	Parser  *parser.Parser
	Sink    Persister

	// Workers is the size of the task pool (default 4). Request concurrency
	// is bounded separately by the fetcher's governor.
	Workers int
	// Deadline stops dispatching new tasks once the run is this old.
	Deadline time.Duration
	// GracePeriod is how long in-flight tasks may drain after dispatch
	// stops; zero aborts them at once.
	GracePeriod time.Duration

	// OnTransition, if set, is called on every task state change. It must be
	// safe for concurrent use.
	OnTransition func(requestKey string, state TaskState)
	Now          func() time.Time
}

// Orchestrator runs planned tasks through fetch, parse and persist.
type Orchestrator struct {
	opts Options
}

// New validates the wiring. A missing fetcher or sink is fatal.
func New(opts Options) (*Orchestrator, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("pipeline: fetcher is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("pipeline: sink is required")
	}
	if opts.Parser == nil {
		opts.Parser = parser.New()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{opts: opts}, nil
}

// Run processes every task and returns the completed report. Task failures
// are recorded, never returned. Cancelling ctx or hitting the deadline stops
// dispatch; tasks that never started are reported cancelled.
func (o *Orchestrator) Run(ctx context.Context, tasks []model.FetchTask) *model.RunReport {
	report := model.NewRunReport(uuid.NewString(), len(tasks))
	report.Start(o.opts.Now())
	log.Printf("[INFO] run %s started: %d tasks, %d workers, fetcher %s",
		report.RunID, len(tasks), o.opts.Workers, o.opts.Fetcher.Name())

	dispatchCtx, cancelDispatch := ctx, context.CancelFunc(func() {})
	if o.opts.Deadline > 0 {
		dispatchCtx, cancelDispatch = context.WithTimeout(ctx, o.opts.Deadline)
	}
	defer cancelDispatch()

	// In-flight work outlives dispatch by the grace period, but makes no new
	// attempts once dispatch has stopped.
	workCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	defer abort()
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go o.watch(dispatchCtx, stopWatch, abort)

	for _, t := range tasks {
		o.transition(t.RequestKey, StatePending)
	}

	jobs := make(chan model.FetchTask)
	results := make(chan model.TaskResult, o.opts.Workers)

	var wg sync.WaitGroup
	for i := 0; i < o.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range jobs {
				results <- o.process(workCtx, dispatchCtx, task)
			}
		}()
	}

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for res := range results {
			report.Add(res)
		}
	}()

	dispatched := dispatch(dispatchCtx, tasks, jobs)
	wg.Wait()
	close(results)
	<-collected

	if dispatched < len(tasks) {
		log.Printf("[WARN] run %s: dispatch stopped (%v), %d tasks not started",
			report.RunID, context.Cause(dispatchCtx), len(tasks)-dispatched)
		for _, t := range tasks[dispatched:] {
			report.Add(model.TaskResult{RequestKey: t.RequestKey, Status: model.StatusCancelled, Reason: "not dispatched"})
			o.transition(t.RequestKey, StateDone)
		}
	}

	report.Complete(o.opts.Now())
	log.Printf("[INFO] run %s completed in %v: planned=%d persisted=%d parse_failed=%d fetch_failed=%d exhausted=%d persist_failed=%d cancelled=%d",
		report.RunID, report.Duration().Round(time.Millisecond), report.Planned, report.Persisted,
		report.ParseFailed, report.FetchFailed, report.FetchExhausted, report.PersistFailed, report.Cancelled)
	return report
}

// dispatch feeds tasks in plan order until ctx is done and returns how many
// were handed to a worker. It closes jobs.
func dispatch(ctx context.Context, tasks []model.FetchTask, jobs chan<- model.FetchTask) int {
	defer close(jobs)
	for i, t := range tasks {
		if ctx.Err() != nil {
			return i
		}
		select {
		case jobs <- t:
		case <-ctx.Done():
			return i
		}
	}
	return len(tasks)
}

func (o *Orchestrator) watch(dispatchCtx context.Context, stop <-chan struct{}, abort context.CancelFunc) {
	select {
	case <-stop:
		return
	case <-dispatchCtx.Done():
	}
	if o.opts.GracePeriod <= 0 {
		abort()
		return
	}
	t := time.NewTimer(o.opts.GracePeriod)
	defer t.Stop()
	select {
	case <-stop:
	case <-t.C:
		log.Printf("[WARN] grace period %v elapsed, aborting in-flight tasks", o.opts.GracePeriod)
		abort()
	}
}

func (o *Orchestrator) process(ctx, dispatchCtx context.Context, task model.FetchTask) model.TaskResult {
	start := o.opts.Now()
	key := task.RequestKey
	finish := func(status model.TaskStatus, reason string, attempts int) model.TaskResult {
		o.transition(key, StateDone)
		if status != model.StatusPersisted {
			log.Printf("[WARN] task %s %s: %s", key, status, reason)
		}
		return model.TaskResult{
			RequestKey: key,
			Status:     status,
			Reason:     reason,
			Attempts:   attempts,
			Duration:   o.opts.Now().Sub(start),
		}
	}

	o.transition(key, StateFetching)
	payload, err := o.opts.Fetcher.Fetch(collector.WithRetryGate(ctx, dispatchCtx), task)

	var outcome model.FetchOutcome
	if err != nil {
		outcome = fetchFailure(task, err)
	} else {
		o.transition(key, StateParsing)
		outcome = o.opts.Parser.ToOutcome(payload)
	}

	switch outcome.Kind {
	case model.OutcomeFetchFailure:
		switch {
		case outcome.Exhausted:
			return finish(model.StatusFetchExhausted, outcome.Reason, outcome.Attempts)
		case outcome.Retryable && (ctx.Err() != nil || dispatchCtx.Err() != nil):
			return finish(model.StatusCancelled, outcome.Reason, outcome.Attempts)
		default:
			return finish(model.StatusFetchFailed, outcome.Reason, outcome.Attempts)
		}
	case model.OutcomeParseFailure:
		return finish(model.StatusParseFailed, outcome.Reason, outcome.Attempts)
	}

	o.transition(key, StatePersisting)
	if err := o.opts.Sink.Persist(ctx, *outcome.Record); err != nil {
		if ctx.Err() != nil {
			return finish(model.StatusCancelled, err.Error(), outcome.Attempts)
		}
		return finish(model.StatusPersistFailed, err.Error(), outcome.Attempts)
	}
	return finish(model.StatusPersisted, "", outcome.Attempts)
}

func fetchFailure(task model.FetchTask, err error) model.FetchOutcome {
	var fe *collector.FetchError
	if errors.As(err, &fe) {
		return model.FetchFailure(task.RequestKey, fe.Error(), fe.Retryable, fe.Exhausted, fe.Attempts)
	}
	retryable := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	return model.FetchFailure(task.RequestKey, fmt.Sprintf("fetch: %v", err), retryable, false, 1)
}

func (o *Orchestrator) transition(key string, state TaskState) {
	if o.opts.OnTransition != nil {
		o.opts.OnTransition(key, state)
	}
}

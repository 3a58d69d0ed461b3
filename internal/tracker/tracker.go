package tracker

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"campaign-pipeline/internal/errs"
	"campaign-pipeline/internal/events"
	"campaign-pipeline/internal/models"
	"campaign-pipeline/internal/remote"
	"campaign-pipeline/internal/telemetry"
)

// StatusFetcher is the slice of the remote service the tracker needs.
type StatusFetcher interface {
	FetchJobStatus(ctx context.Context, jobID string) (remote.JobStatusReport, error)
}

// Emitter receives tracker events. Calls happen outside the tracker lock.
type Emitter interface {
	JobTransitioned(events.JobTransitioned) error
	BatchSettled(events.BatchSettled) error
}

type nopEmitter struct{}

func (nopEmitter) JobTransitioned(events.JobTransitioned) error { return nil }
func (nopEmitter) BatchSettled(events.BatchSettled) error       { return nil }

// Options tunes polling. Zero values fall back to a 5s interval, a backoff
// cap equal to the interval and 8 concurrent fetches; StallWarnAfter 0
// disables stall warnings.
type Options struct {
	PollInterval   time.Duration
	BackoffMax     time.Duration
	Concurrency    int
	StallWarnAfter int
	Logger         *zap.Logger
	// Now is the clock; tests override it.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.BackoffMax < o.PollInterval {
		o.BackoffMax = o.PollInterval
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type job struct {
	rec      models.JobRecord
	batchID  string
	inFlight bool
	failures int
	nextPoll time.Time
}

type batch struct {
	ids     []string
	settled bool
}

// Tracker polls generation jobs until each reaches a terminal status.
type Tracker struct {
	service StatusFetcher
	emitter Emitter
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	batches map[string]*batch

	wg sync.WaitGroup
}

func New(service StatusFetcher, emitter Emitter, opts Options) *Tracker {
	opts = opts.withDefaults()
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &Tracker{
		service: service,
		emitter: emitter,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("module", "tracker")),
		jobs:    make(map[string]*job),
		batches: make(map[string]*batch),
	}
}

// Seed restores previously observed records so tracking resumes from them
// instead of from Pending. Seeded jobs are polled only once a batch claims them.
func (t *Tracker) Seed(records []models.JobRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		if rec.JobID == "" {
			continue
		}
		if j, ok := t.jobs[rec.JobID]; ok && j.batchID != "" {
			continue
		}
		if !rec.Status.Valid() {
			rec.Status = models.JobPending
		}
		t.jobs[rec.JobID] = &job{rec: rec.Clone()}
	}
}

// Track registers jobIDs under batchID. Ids already tracked are ignored. A
// batch whose jobs are all terminal already settles immediately.
func (t *Tracker) Track(batchID string, jobIDs []string) {
	t.mu.Lock()
	b, ok := t.batches[batchID]
	if !ok {
		b = &batch{}
	}
	for _, id := range jobIDs {
		if id == "" {
			continue
		}
		j, ok := t.jobs[id]
		if ok && j.batchID != "" {
			continue
		}
		if !ok {
			j = &job{rec: models.NewJobRecord(id)}
			t.jobs[id] = j
		}
		j.batchID = batchID
		b.ids = append(b.ids, id)
	}
	if len(b.ids) == 0 {
		t.mu.Unlock()
		return
	}
	t.batches[batchID] = b
	settled, ok := t.settleLocked(batchID)
	t.updateGaugeLocked()
	t.mu.Unlock()

	t.logger.Info("tracking batch", zap.String("batch_id", batchID), zap.Int("jobs", len(b.ids)))
	if ok {
		t.emitSettled(settled)
	}
}

// Run polls on every tick until ctx is cancelled, then waits for the
// fetches it started.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()
	defer t.wg.Wait()

	t.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.dispatch(ctx)
		}
	}
}

// PollOnce runs a single dispatch pass and waits for its fetches.
func (t *Tracker) PollOnce(ctx context.Context) {
	<-t.dispatch(ctx)
}

// Snapshot returns copies of every record, ordered by job id.
func (t *Tracker) Snapshot() []models.JobRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.jobs))
	for id := range t.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]models.JobRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.jobs[id].rec.Clone())
	}
	return out
}

// Batch returns copies of one batch's records in tracking order.
func (t *Tracker) Batch(batchID string) []models.JobRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batchRecordsLocked(batchID)
}

// Pending reports how many tracked jobs are not terminal yet.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingLocked()
}

// dispatch claims every due job and fetches them with bounded concurrency.
// The returned channel closes when all of those fetches resolved.
func (t *Tracker) dispatch(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	due := t.claimDue()
	if len(due) == 0 {
		close(done)
		return done
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(done)
		var g errgroup.Group
		g.SetLimit(t.opts.Concurrency)
		for _, id := range due {
			g.Go(func() error {
				t.poll(ctx, id)
				return nil
			})
		}
		_ = g.Wait()
	}()
	return done
}

func (t *Tracker) claimDue() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.opts.Now()
	var due []string
	for id, j := range t.jobs {
		if j.batchID == "" || j.inFlight || j.rec.Status.Terminal() {
			continue
		}
		if now.Before(j.nextPoll) {
			continue
		}
		j.inFlight = true
		due = append(due, id)
	}
	sort.Strings(due)
	return due
}

func (t *Tracker) poll(ctx context.Context, id string) {
	defer t.release(id)
	if ctx.Err() != nil {
		return
	}

	telemetry.JobPolls.Inc()
	telemetry.PollsInFlight.Inc()
	report, err := t.service.FetchJobStatus(ctx, id)
	telemetry.PollsInFlight.Dec()

	now := t.opts.Now()
	if err != nil {
		if !errs.IsNotFound(err) {
			if ctx.Err() != nil {
				return
			}
			t.recordFailure(id, err, now)
			return
		}
		report = remote.JobStatusReport{JobID: id, Status: models.JobFailed, Error: "job not found"}
	}

	transition, settled, hasSettled := t.resolve(id, report, now)
	if transition != nil {
		if err := t.emitter.JobTransitioned(*transition); err != nil {
			t.logger.Error("emit job transition", zap.String("job_id", id), zap.Error(err))
		}
	}
	if hasSettled {
		t.emitSettled(settled)
	}
}

// release clears the in-flight mark after any events for the fetch were
// emitted, so a job's events never interleave.
func (t *Tracker) release(id string) {
	t.mu.Lock()
	if j, ok := t.jobs[id]; ok {
		j.inFlight = false
	}
	t.mu.Unlock()
}

func (t *Tracker) recordFailure(id string, err error, now time.Time) {
	t.mu.Lock()
	j, ok := t.jobs[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	j.failures++
	failures := j.failures
	j.nextPoll = now.Add(backoffWithJitter(t.opts.PollInterval, t.opts.BackoffMax, failures))
	t.mu.Unlock()

	telemetry.JobPollFailures.Inc()
	fields := []zap.Field{zap.String("job_id", id), zap.Int("failures", failures), zap.Error(err)}
	if t.opts.StallWarnAfter > 0 && failures == t.opts.StallWarnAfter {
		telemetry.JobPollStalls.Inc()
		t.logger.Warn("job status unreachable", fields...)
		return
	}
	t.logger.Debug("job status fetch failed", fields...)
}

// resolve folds a status report into the authoritative record. Only forward
// progress is applied; stale or regressive reports are dropped.
func (t *Tracker) resolve(id string, report remote.JobStatusReport, now time.Time) (*events.JobTransitioned, events.BatchSettled, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok {
		return nil, events.BatchSettled{}, false
	}
	j.failures = 0
	j.nextPoll = time.Time{}
	j.rec.LastPolledAt = now

	cur := j.rec.Status
	if cur.Terminal() {
		return nil, events.BatchSettled{}, false
	}

	next := report.Status
	switch {
	case next.Rank() > cur.Rank():
		j.rec.Status = next
		switch next {
		case models.JobProcessing:
			j.rec.Progress = clampProgress(report.Progress, nil)
		case models.JobCompleted:
			j.rec.Progress = intPtr(100)
			if report.Result != nil {
				res := *report.Result
				j.rec.Result = &res
			}
		case models.JobFailed:
			j.rec.Error = report.Error
			if j.rec.Error == "" {
				j.rec.Error = "generation failed"
			}
		}
	case next == cur && next == models.JobProcessing:
		j.rec.Progress = clampProgress(report.Progress, j.rec.Progress)
		return nil, events.BatchSettled{}, false
	default:
		return nil, events.BatchSettled{}, false
	}

	if j.rec.Status.Terminal() {
		telemetry.JobsTerminal.WithLabelValues(string(j.rec.Status)).Inc()
		t.logger.Info("job finished",
			zap.String("job_id", id),
			zap.String("status", string(j.rec.Status)),
			zap.String("error", j.rec.Error))
	}
	transition := &events.JobTransitioned{
		BatchID: j.batchID,
		From:    cur,
		Record:  j.rec.Clone(),
		At:      now,
	}
	settled, ok := t.settleLocked(j.batchID)
	t.updateGaugeLocked()
	return transition, settled, ok
}

// settleLocked marks the batch settled the first time all of its jobs are terminal.
func (t *Tracker) settleLocked(batchID string) (events.BatchSettled, bool) {
	b, ok := t.batches[batchID]
	if !ok || b.settled {
		return events.BatchSettled{}, false
	}
	for _, id := range b.ids {
		if !t.jobs[id].rec.Status.Terminal() {
			return events.BatchSettled{}, false
		}
	}
	b.settled = true
	return events.BatchSettled{
		BatchID: batchID,
		Records: t.batchRecordsLocked(batchID),
		At:      t.opts.Now(),
	}, true
}

func (t *Tracker) emitSettled(ev events.BatchSettled) {
	t.logger.Info("batch settled", zap.String("batch_id", ev.BatchID), zap.Int("jobs", len(ev.Records)))
	if err := t.emitter.BatchSettled(ev); err != nil {
		t.logger.Error("emit batch settled", zap.String("batch_id", ev.BatchID), zap.Error(err))
	}
}

func (t *Tracker) batchRecordsLocked(batchID string) []models.JobRecord {
	b, ok := t.batches[batchID]
	if !ok {
		return nil
	}
	out := make([]models.JobRecord, 0, len(b.ids))
	for _, id := range b.ids {
		out = append(out, t.jobs[id].rec.Clone())
	}
	return out
}

func (t *Tracker) pendingLocked() int {
	n := 0
	for _, j := range t.jobs {
		if j.batchID != "" && !j.rec.Status.Terminal() {
			n++
		}
	}
	return n
}

func (t *Tracker) updateGaugeLocked() {
	telemetry.JobsTracked.Set(float64(t.pendingLocked()))
}

// clampProgress keeps progress within 0..100 and never below prev.
func clampProgress(p, prev *int) *int {
	if p == nil {
		return prev
	}
	v := *p
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	if prev != nil && v < *prev {
		return prev
	}
	return intPtr(v)
}

func intPtr(v int) *int { return &v }

// backoffWithJitter returns the delay before the attempt-th retry: doubling
// from base, capped at max, with the upper half randomised.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := max
	if exp < float64(max) {
		wait = time.Duration(exp)
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

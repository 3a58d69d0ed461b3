package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"campaign-pipeline/internal/errs"
	"campaign-pipeline/internal/events"
	"campaign-pipeline/internal/models"
	"campaign-pipeline/internal/remote"
	"campaign-pipeline/internal/session"
	"campaign-pipeline/internal/stage"
	"campaign-pipeline/internal/telemetry"
	"campaign-pipeline/internal/tracker"
)

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Store   session.Store
	Service remote.Service
	Bus     *events.Bus
	Logger  *zap.Logger
}

type Options struct {
	VariationsPerIdea int
	Tracker           tracker.Options
	// SaveTimeout bounds persistence triggered by job events.
	SaveTimeout time.Duration
	Now         func() time.Time
}

type tracking struct {
	tr      *tracker.Tracker
	batchID string
	cancel  context.CancelFunc
	done    chan struct{}
}

// Orchestrator is the only writer of the campaign. Stage operations run one
// at a time; job progress arrives through the event bus.
type Orchestrator struct {
	store   session.Store
	audit   session.AuditLog
	service remote.Service
	bus     *events.Bus
	logger  *zap.Logger
	opts    Options

	baseCtx    context.Context
	baseCancel context.CancelFunc
	subDone    <-chan struct{}

	mu           sync.Mutex
	campaign     models.Campaign
	busy         bool
	track        *tracking
	draining     []*tracking
	settled      chan struct{}
	settledFired bool
}

// New wires the orchestrator to its dependencies and subscribes to job events.
// The campaign starts fresh; call Resume to adopt a persisted one.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil || deps.Service == nil || deps.Bus == nil {
		return nil, errors.New("orchestrator: store, service and bus are required")
	}
	if opts.VariationsPerIdea == 0 {
		opts.VariationsPerIdea = 3
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.Tracker.Logger == nil {
		opts.Tracker.Logger = deps.Logger
	}

	o := &Orchestrator{
		store:    deps.Store,
		service:  deps.Service,
		bus:      deps.Bus,
		logger:   deps.Logger.With(zap.String("module", "orchestrator")),
		opts:     opts,
		campaign: models.NewCampaign(opts.Now().UTC()),
		settled:  make(chan struct{}),
	}
	if a, ok := deps.Store.(session.AuditLog); ok {
		o.audit = a
	}

	o.baseCtx, o.baseCancel = context.WithCancel(context.Background())
	done, err := deps.Bus.Subscribe(o.baseCtx, "orchestrator", events.Handlers{
		OnTransition: o.onJobTransitioned,
		OnSettled:    o.onBatchSettled,
	})
	if err != nil {
		o.baseCancel()
		return nil, err
	}
	o.subDone = done
	return o, nil
}

// Campaign returns a copy of the current campaign. While tracking, job records
// reflect the latest polled progress.
func (o *Orchestrator) Campaign() models.Campaign {
	o.mu.Lock()
	defer o.mu.Unlock()
	c := o.campaign.Clone()
	if o.track == nil || o.track.batchID != c.BatchID {
		return c
	}
	for _, rec := range o.track.tr.Batch(o.track.batchID) {
		cur, ok := c.Jobs[rec.JobID]
		if !ok || rec.Status.Rank() < cur.Status.Rank() || cur.Status.Terminal() {
			continue
		}
		c.Jobs[rec.JobID] = rec
	}
	return c
}

// Tracking reports whether a poll loop is running.
func (o *Orchestrator) Tracking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.track != nil
}

// SubmitProductInfo moves Intake to Research with the session the service opens.
func (o *Orchestrator) SubmitProductInfo(ctx context.Context, info models.ProductInfo) (models.Campaign, error) {
	const op = "submit product info"
	cur, err := o.acquire(op, models.StageIntake)
	if err != nil {
		return models.Campaign{}, err
	}
	defer o.release()

	if err := stage.ValidateProductInfo(info); err != nil {
		return models.Campaign{}, err
	}
	res, err := o.service.SubmitStage(ctx, remote.StageProductInfo, info)
	if err != nil {
		return models.Campaign{}, o.failed(op, err)
	}
	return o.commit(ctx, cur, stage.Transition{
		Event:       stage.EventProductInfoSubmitted,
		SessionID:   res.SessionID,
		ProductInfo: &info,
	})
}

// SubmitResearch runs market research and moves Research to Ideas.
func (o *Orchestrator) SubmitResearch(ctx context.Context, in models.ResearchInput) (models.Campaign, error) {
	const op = "submit research"
	cur, err := o.acquire(op, models.StageResearch)
	if err != nil {
		return models.Campaign{}, err
	}
	defer o.release()

	if err := stage.ValidateResearchInput(in); err != nil {
		return models.Campaign{}, err
	}
	res, err := o.service.SubmitStage(ctx, remote.StageResearch, remote.ResearchRequest{
		SessionID:         cur.ID,
		CompanyWebsite:    in.CompanyWebsite,
		AdditionalSources: in.AdditionalSources,
	})
	if err != nil {
		return models.Campaign{}, o.failed(op, err)
	}
	return o.commit(ctx, cur, stage.Transition{
		Event:           stage.EventResearchCompleted,
		ResearchSummary: res.Research,
	})
}

// SkipResearch moves Research to Ideas without research data. No request is made.
func (o *Orchestrator) SkipResearch(ctx context.Context) (models.Campaign, error) {
	cur, err := o.acquire("skip research", models.StageResearch)
	if err != nil {
		return models.Campaign{}, err
	}
	defer o.release()
	return o.commit(ctx, cur, stage.Transition{Event: stage.EventResearchSkipped})
}

// GenerateIdeas fetches candidate ideas for selection. The stage is unchanged
// and the call may be repeated; each call replaces the candidates.
func (o *Orchestrator) GenerateIdeas(ctx context.Context, custom models.Customization) (models.Campaign, error) {
	const op = "generate ideas"
	cur, err := o.acquire(op, models.StageIdeas)
	if err != nil {
		return models.Campaign{}, err
	}
	defer o.release()

	res, err := o.service.SubmitStage(ctx, remote.StageIdeas, remote.GenerateIdeasRequest{
		SessionID:     cur.ID,
		Customization: custom,
	})
	if err != nil {
		return models.Campaign{}, o.failed(op, err)
	}
	if len(res.Ideas) == 0 {
		return models.Campaign{}, errs.Remote(op, 0, "service returned no ideas")
	}

	next := cur.Clone()
	next.Ideas = res.Ideas
	next.Touch(o.opts.Now().UTC())
	if err := o.store.Save(ctx, next.ID, next); err != nil {
		return models.Campaign{}, o.failed(op, fmt.Errorf("save session: %w", err))
	}
	o.adopt(next)
	o.logger.Info("ideas generated", zap.String("session_id", next.ID), zap.Int("ideas", len(next.Ideas)))
	return next.Clone(), nil
}

// SelectIdeas submits the chosen ideas for generation, moves Ideas to
// Generating and starts tracking the returned jobs. Tracking starts before
// the transition slot is released, so no Reset or Resume can interleave.
// If tracking cannot start, the committed campaign is returned with the error.
func (o *Orchestrator) SelectIdeas(ctx context.Context, ideaIDs []string) (models.Campaign, error) {
	const op = "select ideas"
	cur, err := o.acquire(op, models.StageIdeas)
	if err != nil {
		return models.Campaign{}, err
	}
	defer o.release()

	if err := stage.ValidateSelection(ideaIDs, cur.Ideas); err != nil {
		return models.Campaign{}, err
	}
	variations := o.opts.VariationsPerIdea
	if err := stage.ValidateVariations(variations); err != nil {
		return models.Campaign{}, err
	}
	res, err := o.service.SubmitStage(ctx, remote.StageGeneration, remote.GenerateAdsRequest{
		SessionID:         cur.ID,
		SelectedIdeaIDs:   ideaIDs,
		VariationsPerIdea: variations,
	})
	if err != nil {
		return models.Campaign{}, o.failed(op, err)
	}
	o.logger.Info("generation submitted",
		zap.String("session_id", cur.ID),
		zap.Int("jobs", len(res.JobIDs)),
		zap.Int("estimated_seconds", res.EstimatedSeconds))

	next, err := o.commit(ctx, cur, stage.Transition{
		Event:             stage.EventIdeasSelected,
		SelectedIdeas:     ideaIDs,
		VariationsPerIdea: variations,
		BatchID:           uuid.NewString(),
		JobIDs:            res.JobIDs,
	})
	if err != nil {
		return models.Campaign{}, err
	}
	if err := o.BeginGeneration(ctx); err != nil {
		return next, err
	}
	return next, nil
}

// BeginGeneration starts polling the campaign's persisted jobs. It is a no-op
// while a poll loop already runs and never resubmits generation.
func (o *Orchestrator) BeginGeneration(ctx context.Context) error {
	const op = "begin generation"
	o.mu.Lock()
	c := o.campaign
	if c.Stage != models.StageGenerating {
		o.mu.Unlock()
		return o.violation(op, "campaign is in stage %q, not %q", c.Stage, models.StageGenerating)
	}
	if o.track != nil {
		o.mu.Unlock()
		return nil
	}
	records := make([]models.JobRecord, 0, len(c.Jobs))
	for _, id := range c.JobIDs() {
		records = append(records, c.Jobs[id].Clone())
	}
	runCtx, cancel := context.WithCancel(o.baseCtx)
	tk := &tracking{
		tr:      tracker.New(o.service, o.bus, o.opts.Tracker),
		batchID: c.BatchID,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	o.track = tk
	o.mu.Unlock()

	// Track may settle at once when every record is already terminal; that
	// publish needs the lock released.
	tk.tr.Seed(records)
	tk.tr.Track(tk.batchID, c.JobIDs())
	go func() {
		defer close(tk.done)
		tk.tr.Run(runCtx)
	}()

	o.logger.Info("tracking generation",
		zap.String("session_id", c.ID),
		zap.String("batch_id", tk.batchID),
		zap.Int("jobs", len(records)))
	return nil
}

// StopTracking tears the poll loop down. Jobs keep running on the service and
// BeginGeneration picks them up again.
func (o *Orchestrator) StopTracking() {
	o.mu.Lock()
	tk := o.track
	o.track = nil
	draining := o.draining
	o.draining = nil
	o.mu.Unlock()

	if tk != nil {
		draining = append(draining, tk)
	}
	for _, d := range draining {
		d.cancel()
		<-d.done
	}
	if tk != nil {
		o.logger.Info("tracking stopped", zap.String("batch_id", tk.batchID))
	}
}

// Resume adopts the persisted campaign and, when it was generating, resumes
// tracking its jobs without resubmitting anything.
func (o *Orchestrator) Resume(ctx context.Context) (models.Campaign, error) {
	c, err := o.restore(ctx, "resume")
	if err != nil {
		return models.Campaign{}, err
	}
	if c.Stage == models.StageGenerating {
		if err := o.BeginGeneration(ctx); err != nil {
			return models.Campaign{}, err
		}
		return o.Campaign(), nil
	}
	return c, nil
}

// Restore adopts the persisted campaign without starting a poll loop, for
// callers that only read or replace it.
func (o *Orchestrator) Restore(ctx context.Context) (models.Campaign, error) {
	return o.restore(ctx, "restore")
}

func (o *Orchestrator) restore(ctx context.Context, op string) (models.Campaign, error) {
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return models.Campaign{}, o.violation(op, "transition already in progress")
	}
	o.mu.Unlock()

	o.StopTracking()

	snap, err := o.store.Load(ctx)
	if err != nil {
		return models.Campaign{}, fmt.Errorf("load session: %w", err)
	}
	c := models.NewCampaign(o.opts.Now().UTC())
	if snap != nil {
		c = snap.Campaign
	}

	o.mu.Lock()
	o.campaign = c
	if o.settledFired {
		o.settled = make(chan struct{})
		o.settledFired = false
	}
	if c.Stage.Final() {
		o.fireSettledLocked()
	}
	o.mu.Unlock()

	if snap == nil {
		o.logger.Info("no saved session, starting fresh")
		return c.Clone(), nil
	}
	o.logger.Info("session restored",
		zap.String("op", op),
		zap.String("session_id", c.ID),
		zap.String("stage", string(c.Stage)),
		zap.Int("jobs", len(c.Jobs)))
	return c.Clone(), nil
}

// Reset discards the session: tracking stops, the persisted record is cleared
// and the campaign starts over at Intake.
func (o *Orchestrator) Reset(ctx context.Context) error {
	const op = "reset"
	o.mu.Lock()
	if o.busy {
		o.mu.Unlock()
		return o.violation(op, "transition already in progress")
	}
	sessionID := o.campaign.ID
	o.mu.Unlock()

	o.StopTracking()
	if err := o.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}

	o.mu.Lock()
	o.campaign = models.NewCampaign(o.opts.Now().UTC())
	if o.settledFired {
		o.settled = make(chan struct{})
		o.settledFired = false
	}
	o.mu.Unlock()

	if sessionID != "" {
		o.appendAudit(ctx, sessionID, "reset", "")
	}
	o.logger.Info("session reset", zap.String("session_id", sessionID))
	return nil
}

// WaitSettled blocks until the generating campaign reaches Completed or Failed
// and returns it.
func (o *Orchestrator) WaitSettled(ctx context.Context) (models.Campaign, error) {
	o.mu.Lock()
	st := o.campaign.Stage
	ch := o.settled
	o.mu.Unlock()

	if !st.Final() && st != models.StageGenerating {
		return models.Campaign{}, o.violation("wait settled", "campaign is in stage %q, nothing to wait for", st)
	}
	select {
	case <-ch:
		return o.Campaign(), nil
	case <-ctx.Done():
		return models.Campaign{}, ctx.Err()
	}
}

// Close stops tracking and detaches from the event bus.
func (o *Orchestrator) Close() {
	o.StopTracking()
	o.baseCancel()
	<-o.subDone
}

// acquire claims the single transition slot and checks the required stage.
func (o *Orchestrator) acquire(op string, need models.Stage) (models.Campaign, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return models.Campaign{}, o.violation(op, "transition already in progress")
	}
	if o.campaign.Stage != need {
		return models.Campaign{}, o.violation(op, "campaign is in stage %q, not %q", o.campaign.Stage, need)
	}
	o.busy = true
	return o.campaign.Clone(), nil
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

// commit applies t to cur, persists the result and only then adopts it.
func (o *Orchestrator) commit(ctx context.Context, cur models.Campaign, t stage.Transition) (models.Campaign, error) {
	op := string(t.Event)
	next, err := stage.Apply(cur, t, o.opts.Now().UTC())
	if err != nil {
		return models.Campaign{}, o.failed(op, err)
	}
	if err := o.store.Save(ctx, next.ID, next); err != nil {
		return models.Campaign{}, o.failed(op, fmt.Errorf("save session: %w", err))
	}
	o.adopt(next)
	o.recordTransition(ctx, cur.Stage, next, t.Event)
	return next.Clone(), nil
}

func (o *Orchestrator) adopt(next models.Campaign) {
	o.mu.Lock()
	o.campaign = next
	o.mu.Unlock()
}

func (o *Orchestrator) recordTransition(ctx context.Context, from models.Stage, next models.Campaign, ev stage.Event) {
	telemetry.StageTransitions.WithLabelValues(string(ev)).Inc()
	o.logger.Info("stage transition",
		zap.String("session_id", next.ID),
		zap.String("event", string(ev)),
		zap.String("from", string(from)),
		zap.String("to", string(next.Stage)))
	o.appendAudit(ctx, next.ID, string(ev), fmt.Sprintf("%s -> %s", from, next.Stage))
}

func (o *Orchestrator) appendAudit(ctx context.Context, sessionID, event, detail string) {
	if o.audit == nil {
		return
	}
	if err := o.audit.AppendEvent(ctx, sessionID, event, detail); err != nil {
		o.logger.Warn("append audit event", zap.String("event", event), zap.Error(err))
	}
}

func (o *Orchestrator) violation(op, format string, args ...any) error {
	telemetry.StageViolations.Inc()
	err := errs.StageViolation(op, format, args...)
	o.logger.Debug("operation rejected", zap.Error(err))
	return err
}

func (o *Orchestrator) failed(op string, err error) error {
	o.logger.Warn("operation failed",
		zap.String("op", op),
		zap.String("kind", string(errs.KindOf(err))),
		zap.Error(err))
	return err
}

func (o *Orchestrator) onJobTransitioned(ev events.JobTransitioned) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c := o.campaign
	if c.Stage != models.StageGenerating || ev.BatchID != c.BatchID {
		return
	}
	cur, ok := c.Jobs[ev.Record.JobID]
	if !ok || cur.Status.Terminal() || ev.Record.Status.Rank() <= cur.Status.Rank() {
		return
	}

	next := c.Clone()
	next.Jobs[ev.Record.JobID] = ev.Record.Clone()
	next.Touch(o.opts.Now().UTC())

	ctx, cancel := context.WithTimeout(o.baseCtx, o.opts.SaveTimeout)
	defer cancel()
	if err := o.store.Save(ctx, next.ID, next); err != nil {
		o.logger.Warn("persist job update", zap.String("job_id", ev.Record.JobID), zap.Error(err))
		return
	}
	o.campaign = next
}

func (o *Orchestrator) onBatchSettled(ev events.BatchSettled) {
	o.mu.Lock()
	defer o.mu.Unlock()

	c := o.campaign
	if c.Stage != models.StageGenerating || ev.BatchID != c.BatchID {
		return
	}

	merged := make(map[string]models.JobRecord, len(c.Jobs))
	for id, rec := range c.Jobs {
		merged[id] = rec
	}
	for _, rec := range ev.Records {
		if _, ok := merged[rec.JobID]; ok {
			merged[rec.JobID] = rec
		}
	}
	event, ok := stage.SettleEvent(merged)
	if !ok {
		o.logger.Warn("batch settled with non-terminal jobs", zap.String("batch_id", ev.BatchID))
		return
	}

	// The poll loop has nothing left to do. Its goroutine may be the one
	// publishing this event, so it is cancelled here and reaped later.
	if o.track != nil && o.track.batchID == ev.BatchID {
		o.track.cancel()
		o.draining = append(o.draining, o.track)
		o.track = nil
	}

	ctx, cancel := context.WithTimeout(o.baseCtx, o.opts.SaveTimeout)
	defer cancel()
	next, err := stage.Apply(c, stage.Transition{Event: event, Jobs: ev.Records}, o.opts.Now().UTC())
	if err != nil {
		o.logger.Error("apply settlement", zap.String("batch_id", ev.BatchID), zap.Error(err))
		return
	}
	if err := o.store.Save(ctx, next.ID, next); err != nil {
		// Left in Generating; BeginGeneration re-tracks and settles again.
		o.logger.Error("persist settlement", zap.String("batch_id", ev.BatchID), zap.Error(err))
		return
	}
	o.campaign = next
	o.fireSettledLocked()

	telemetry.StageTransitions.WithLabelValues(string(event)).Inc()
	o.logger.Info("generation settled",
		zap.String("session_id", next.ID),
		zap.String("stage", string(next.Stage)),
		zap.Int("ads", len(next.Results())),
		zap.String("failures", strings.Join(failedJobs(next), ",")))
	o.appendAudit(ctx, next.ID, string(event), fmt.Sprintf("%s -> %s", c.Stage, next.Stage))
}

func (o *Orchestrator) fireSettledLocked() {
	if o.settledFired {
		return
	}
	o.settledFired = true
	close(o.settled)
}

func failedJobs(c models.Campaign) []string {
	var out []string
	for _, id := range c.JobIDs() {
		if c.Jobs[id].Status == models.JobFailed {
			out = append(out, id)
		}
	}
	return out
}

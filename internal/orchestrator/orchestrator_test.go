package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campaign-pipeline/internal/errs"
	"campaign-pipeline/internal/events"
	"campaign-pipeline/internal/models"
	"campaign-pipeline/internal/remote"
	"campaign-pipeline/internal/session"
	"campaign-pipeline/internal/tracker"
)

// fakeService answers stage submissions from fixed data and job polls from
// per-job scripts, repeating the last entry.
type fakeService struct {
	mu      sync.Mutex
	submits map[remote.StageName]int
	polls   map[string]int
	scripts map[string][]remote.JobStatusReport
	jobIDs  []string
	ideas   []models.AdIdea

	// When set, submissions of gate (product-info by default) signal entered
	// and wait for release.
	gate    remote.StageName
	entered chan struct{}
	release chan struct{}
}

func newFakeService() *fakeService {
	return &fakeService{
		submits: make(map[remote.StageName]int),
		polls:   make(map[string]int),
		scripts: map[string][]remote.JobStatusReport{
			"j1": {
				{Status: models.JobProcessing, Progress: intp(30)},
				{Status: models.JobCompleted, Result: &models.GeneratedAd{AdID: "ad-1", IdeaID: "idea-1", ImageURL: "http://cdn/ad-1.png"}},
			},
			"j2": {
				{Status: models.JobCompleted, Result: &models.GeneratedAd{AdID: "ad-2", IdeaID: "idea-1", ImageURL: "http://cdn/ad-2.png"}},
			},
		},
		jobIDs: []string{"j1", "j2"},
		ideas: []models.AdIdea{
			{ID: "idea-1", Name: "Stay cold"},
			{ID: "idea-2", Name: "Go green"},
		},
	}
}

func intp(v int) *int { return &v }

func (f *fakeService) SubmitStage(ctx context.Context, st remote.StageName, payload any) (remote.StageResult, error) {
	f.mu.Lock()
	f.submits[st]++
	entered, release, gate := f.entered, f.release, f.gate
	f.mu.Unlock()
	if gate == "" {
		gate = remote.StageProductInfo
	}
	if entered != nil && st == gate {
		entered <- struct{}{}
		<-release
	}

	switch st {
	case remote.StageProductInfo:
		return remote.StageResult{SessionID: "sess-acme"}, nil
	case remote.StageResearch:
		return remote.StageResult{SessionID: "sess-acme", Research: &models.ResearchSummary{
			TrendingInCategory: []string{"reusable", "insulated"},
		}}, nil
	case remote.StageIdeas:
		return remote.StageResult{SessionID: "sess-acme", Ideas: f.ideas}, nil
	case remote.StageGeneration:
		return remote.StageResult{JobIDs: f.jobIDs, EstimatedSeconds: 30}, nil
	}
	return remote.StageResult{}, errs.Remote("submit", 404, "unknown stage")
}

func (f *fakeService) FetchJobStatus(ctx context.Context, id string) (remote.JobStatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script, ok := f.scripts[id]
	if !ok {
		return remote.JobStatusReport{}, errs.Remote("fetch job status", 404, "Job not found")
	}
	n := f.polls[id]
	f.polls[id]++
	if n >= len(script) {
		n = len(script) - 1
	}
	r := script[n]
	r.JobID = id
	return r, nil
}

// setScript replaces a job's poll script and restarts it from the top.
func (f *fakeService) setScript(id string, reports ...remote.JobStatusReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = reports
	f.polls[id] = 0
}

func (f *fakeService) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.polls {
		n += c
	}
	return n
}

func (f *fakeService) submitCount(st remote.StageName) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[st]
}

func (f *fakeService) totalSubmits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.submits {
		n += c
	}
	return n
}

// flakyStore fails saves while failSaves is set.
type flakyStore struct {
	*session.MemoryStore
	mu        sync.Mutex
	failSaves bool
}

func (s *flakyStore) Save(ctx context.Context, sessionID string, c models.Campaign) error {
	s.mu.Lock()
	fail := s.failSaves
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Save(ctx, sessionID, c)
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	s.failSaves = v
	s.mu.Unlock()
}

type harness struct {
	orch  *Orchestrator
	svc   *fakeService
	store session.Store
	bus   *events.Bus
}

func newHarness(t *testing.T, store session.Store, svc *fakeService) *harness {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	orch, err := New(Deps{Store: store, Service: svc, Bus: bus, Logger: zap.NewNop()}, Options{
		VariationsPerIdea: 2,
		Tracker:           tracker.Options{PollInterval: 5 * time.Millisecond, BackoffMax: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		orch.Close()
		_ = bus.Close()
	})
	return &harness{orch: orch, svc: svc, store: store, bus: bus}
}

func acmeInfo() models.ProductInfo {
	return models.ProductInfo{
		CompanyName:      "Acme",
		ProductType:      "Water Bottle",
		AdvertisingFocus: models.FocusProduct,
	}
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAcmeScenario(t *testing.T) {
	store := session.NewMemoryStore("default")
	h := newHarness(t, store, newFakeService())
	ctx := context.Background()

	c, err := h.orch.SubmitProductInfo(ctx, acmeInfo())
	require.NoError(t, err)
	assert.Equal(t, models.StageResearch, c.Stage)
	assert.Equal(t, "sess-acme", c.ID)

	c, err = h.orch.SubmitResearch(ctx, models.ResearchInput{CompanyWebsite: "https://acme.example"})
	require.NoError(t, err)
	assert.Equal(t, models.StageIdeas, c.Stage)
	require.NotNil(t, c.ResearchSummary)

	c, err = h.orch.GenerateIdeas(ctx, models.Customization{PreferredTheme: "summer"})
	require.NoError(t, err)
	assert.Equal(t, models.StageIdeas, c.Stage)
	assert.Len(t, c.Ideas, 2)

	c, err = h.orch.SelectIdeas(ctx, []string{"idea-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StageGenerating, c.Stage)
	assert.Equal(t, []string{"j1", "j2"}, c.JobOrder)
	assert.Equal(t, 2, c.VariationsPerIdea)
	for _, rec := range c.Jobs {
		assert.Equal(t, models.JobPending, rec.Status)
	}

	final, err := h.orch.WaitSettled(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, final.Stage)
	results := final.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "ad-1", results[0].AdID)
	assert.Equal(t, "ad-2", results[1].AdID)
	assert.False(t, h.orch.Tracking())

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, models.StageCompleted, snap.Campaign.Stage)
	assert.Equal(t, 1, h.svc.submitCount(remote.StageGeneration))
}

func storedCampaign(t *testing.T, store session.Store) models.Campaign {
	t.Helper()
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	return snap.Campaign
}

// peekStored is storedCampaign for polling conditions, which must not fail the test.
func peekStored(store session.Store) models.Campaign {
	snap, err := store.Load(context.Background())
	if err != nil || snap == nil {
		return models.Campaign{}
	}
	return snap.Campaign
}

func TestSkipResearchScenarioPersistsEachTick(t *testing.T) {
	store := session.NewMemoryStore("default")
	svc := newFakeService()
	svc.setScript("j1", remote.JobStatusReport{Status: models.JobCompleted, Result: &models.GeneratedAd{AdID: "ad-1", IdeaID: "idea-1"}})
	svc.setScript("j2", remote.JobStatusReport{Status: models.JobProcessing, Progress: intp(40)})
	h := newHarness(t, store, svc)
	ctx := context.Background()

	c, err := h.orch.SubmitProductInfo(ctx, models.ProductInfo{CompanyName: "Acme", ProductType: "Bottle", AdvertisingFocus: models.FocusProduct})
	require.NoError(t, err)
	assert.Equal(t, models.StageResearch, c.Stage)

	c, err = h.orch.SkipResearch(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StageIdeas, c.Stage)
	assert.Nil(t, c.ResearchSummary)

	c, err = h.orch.SelectIdeas(ctx, []string{"idea-1", "idea-2"})
	require.NoError(t, err)
	assert.Equal(t, models.StageGenerating, c.Stage)
	assert.Equal(t, models.JobPending, c.Jobs["j1"].Status)
	assert.Equal(t, models.JobPending, c.Jobs["j2"].Status)

	// j1 done, j2 still running: persisted, stage unchanged.
	require.Eventually(t, func() bool {
		sc := peekStored(store)
		return sc.Jobs["j1"].Status == models.JobCompleted && sc.Jobs["j2"].Status == models.JobProcessing
	}, 2*time.Second, 5*time.Millisecond)
	mid := storedCampaign(t, store)
	assert.Equal(t, models.StageGenerating, mid.Stage)
	require.NotNil(t, mid.Jobs["j2"].Progress)
	assert.Equal(t, 40, *mid.Jobs["j2"].Progress)
	assert.Equal(t, models.StageGenerating, h.orch.Campaign().Stage)

	svc.setScript("j2", remote.JobStatusReport{Status: models.JobCompleted, Result: &models.GeneratedAd{AdID: "ad-2", IdeaID: "idea-2"}})

	final, err := h.orch.WaitSettled(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, final.Stage)
	assert.Equal(t, models.StageCompleted, storedCampaign(t, store).Stage)
	assert.Equal(t, 1, svc.submitCount(remote.StageGeneration))
}

func TestSettlementSaveFailureRecoversOnBeginGeneration(t *testing.T) {
	store := &flakyStore{MemoryStore: session.NewMemoryStore("default")}
	svc := newFakeService()
	svc.setScript("j1", remote.JobStatusReport{Status: models.JobCompleted, Result: &models.GeneratedAd{AdID: "ad-1", IdeaID: "idea-1"}})
	svc.setScript("j2", remote.JobStatusReport{Status: models.JobProcessing, Progress: intp(10)})
	h := newHarness(t, store, svc)
	ctx := context.Background()

	_, err := h.orch.SubmitProductInfo(ctx, acmeInfo())
	require.NoError(t, err)
	_, err = h.orch.SkipResearch(ctx)
	require.NoError(t, err)
	_, err = h.orch.SelectIdeas(ctx, []string{"idea-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return peekStored(store).Jobs["j1"].Status == models.JobCompleted
	}, 2*time.Second, 5*time.Millisecond)

	store.setFail(true)
	svc.setScript("j2", remote.JobStatusReport{Status: models.JobCompleted, Result: &models.GeneratedAd{AdID: "ad-2", IdeaID: "idea-1"}})

	// Settlement could not be saved: still generating, poll loop gone.
	require.Eventually(t, func() bool { return !h.orch.Tracking() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.StageGenerating, h.orch.Campaign().Stage)
	assert.Equal(t, models.StageGenerating, storedCampaign(t, store).Stage)

	store.setFail(false)
	require.NoError(t, h.orch.BeginGeneration(ctx))

	final, err := h.orch.WaitSettled(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, final.Stage)
	assert.Equal(t, models.StageCompleted, storedCampaign(t, store).Stage)
	assert.Equal(t, 1, svc.submitCount(remote.StageGeneration))
}

func TestResubmitIsStageViolationWithoutNetwork(t *testing.T) {
	h := newHarness(t, session.NewMemoryStore("default"), newFakeService())
	ctx := context.Background()

	_, err := h.orch.SubmitProductInfo(ctx, acmeInfo())
	require.NoError(t, err)

	_, err = h.orch.SubmitProductInfo(ctx, acmeInfo())
	assert.True(t, errors.Is(err, errs.ErrStageViolation))
	assert.Equal(t, 1, h.svc.submitCount(remote.StageProductInfo))

	_, err = h.orch.SelectIdeas(ctx, []string{"idea-1"})
	assert.True(t, errors.Is(err, errs.ErrStageViolation))
	assert.Equal(t, 0, h.svc.submitCount(remote.StageGeneration))
	assert.Equal(t, models.StageResearch, h.orch.Campaign().Stage)
}

func TestInvalidIntakeNeverReachesService(t *testing.T) {
	h := newHarness(t, session.NewMemoryStore("default"), newFakeService())
	info := acmeInfo()
	info.AdvertisingFocus = models.FocusOffer

	_, err := h.orch.SubmitProductInfo(context.Background(), info)
	assert.True(t, errors.Is(err, errs.ErrValidation))
	assert.Equal(t, 0, h.svc.totalSubmits())
	assert.Equal(t, models.StageIntake, h.orch.Campaign().Stage)
}

func TestSkipResearchMakesNoRequest(t *testing.T) {
	h := newHarness(t, session.NewMemoryStore("default"), newFakeService())
	ctx := context.Background()
	_, err := h.orch.SubmitProductInfo(ctx, acmeInfo())
	require.NoError(t, err)

	c, err := h.orch.SkipResearch(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StageIdeas, c.Stage)
	assert.True(t, c.ResearchSkipped)
	assert.Nil(t, c.ResearchSummary)
	assert.Equal(t, 0, h.svc.submitCount(remote.StageResearch))
}

func TestSelectionIsValidatedBeforeSubmission(t *testing.T) {
	h := newHarness(t, session.NewMemoryStore("default"), newFakeService())
	ctx := context.Background()
	_, err := h.orch.SubmitProductInfo(ctx, acmeInfo())
	require.NoError(t, err)
	_, err = h.orch.SkipResearch(ctx)
	require.NoError(t, err)
	_, err = h.orch.GenerateIdeas(ctx, models.Customization{})
	require.NoError(t, err)

	_, err = h.orch.SelectIdeas(ctx, nil)
	assert.True(t, errors.Is(err, errs.ErrValidation))
	_, err = h.orch.SelectIdeas(ctx, []string{"idea-9"})
	assert.True(t, errors.Is(err, errs.ErrValidation))
	_, err = h.orch.SelectIdeas(ctx, []string{"idea-1", "idea-1"})
	assert.True(t, errors.Is(err, errs.ErrValidation))

	assert.Equal(t, 0, h.svc.submitCount(remote.StageGeneration))
	assert.Equal(t, models.StageIdeas, h.orch.Campaign().Stage)
}

func TestSaveFailureLeavesCampaignUnchanged(t *testing.T) {
	store := &flakyStore{MemoryStore: session.NewMemoryStore("default")}
	h := newHarness(t, store, newFakeService())
	ctx := context.Background()

	store.setFail(true)
	_, err := h.orch.SubmitProductInfo(ctx, acmeInfo())
	require.Error(t, err)
	c := h.orch.Campaign()
	assert.Equal(t, models.StageIntake, c.Stage)
	assert.Empty(t, c.ID)
	assert.Nil(t, c.ProductInfo)

	// The slot is released and a retry goes through.
	store.setFail(false)
	c, err = h.orch.SubmitProductInfo(ctx, acmeInfo())
	require.NoError(t, err)
	assert.Equal(t, models.StageResearch, c.Stage)
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	svc := newFakeService()
	svc.entered = make(chan struct{})
	svc.release = make(chan struct{})
	h := newHarness(t, session.NewMemoryStore("default"), svc)
	ctx := context.Background()

	firstErr := make(chan error, 1)
	go func() {
		_, err := h.orch.SubmitProductInfo(ctx, acmeInfo())
		firstErr <- err
	}()
	<-svc.entered

	_, err := h.orch.SubmitProductInfo(ctx, acmeInfo())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrStageViolation))
	assert.Contains(t, err.Error(), "in progress")
	assert.Error(t, h.orch.Reset(ctx))

	close(svc.release)
	require.NoError(t, <-firstErr)
	assert.Equal(t, 1, svc.submitCount(remote.StageProductInfo))
	assert.Equal(t, models.StageResearch, h.orch.Campaign().Stage)
}

func generatingSnapshot() models.Campaign {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	info := acmeInfo()
	return models.Campaign{
		ID:                "sess-acme",
		Stage:             models.StageGenerating,
		ProductInfo:       &info,
		ResearchSkipped:   true,
		SelectedIdeas:     []string{"idea-1"},
		VariationsPerIdea: 2,
		BatchID:           "batch-1",
		Jobs: map[string]models.JobRecord{
			"j1": {JobID: "j1", Status: models.JobProcessing, Progress: intp(50)},
			"j2": {JobID: "j2", Status: models.JobPending},
		},
		JobOrder:  []string{"j1", "j2"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestResumeTracksWithoutResubmitting(t *testing.T) {
	store := session.NewMemoryStore("default")
	require.NoError(t, store.Save(context.Background(), "sess-acme", generatingSnapshot()))

	h := newHarness(t, store, newFakeService())
	c, err := h.orch.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.StageGenerating, c.Stage)
	assert.True(t, h.orch.Tracking())

	final, err := h.orch.WaitSettled(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, final.Stage)
	assert.Equal(t, 0, h.svc.totalSubmits(), "resume must never resubmit a stage")
}

func TestRestoreDoesNotPoll(t *testing.T) {
	store := session.NewMemoryStore("default")
	require.NoError(t, store.Save(context.Background(), "sess-acme", generatingSnapshot()))
	svc := newFakeService()

	h := newHarness(t, store, svc)
	ctx := context.Background()
	c, err := h.orch.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StageGenerating, c.Stage)
	assert.Equal(t, 50, *c.Jobs["j1"].Progress)
	assert.False(t, h.orch.Tracking())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, svc.pollCount())
	assert.Equal(t, 0, svc.totalSubmits())

	require.NoError(t, h.orch.Reset(ctx))
	assert.Equal(t, 0, svc.pollCount())
}

func TestSelectIdeasHoldsSlotUntilTracking(t *testing.T) {
	svc := newFakeService()
	h := newHarness(t, session.NewMemoryStore("default"), svc)
	ctx := context.Background()

	_, err := h.orch.SubmitProductInfo(ctx, acmeInfo())
	require.NoError(t, err)
	_, err = h.orch.SkipResearch(ctx)
	require.NoError(t, err)

	svc.mu.Lock()
	svc.gate = remote.StageGeneration
	svc.entered = make(chan struct{})
	svc.release = make(chan struct{})
	svc.mu.Unlock()

	type result struct {
		c   models.Campaign
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := h.orch.SelectIdeas(ctx, []string{"idea-1"})
		done <- result{c, err}
	}()
	<-svc.entered

	err = h.orch.Reset(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrStageViolation))

	close(svc.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, models.StageGenerating, res.c.Stage)
	assert.True(t, h.orch.Tracking() || h.orch.Campaign().Stage.Final())
}

func TestStopAndBeginGenerationAgain(t *testing.T) {
	store := session.NewMemoryStore("default")
	require.NoError(t, store.Save(context.Background(), "sess-acme", generatingSnapshot()))
	svc := newFakeService()
	svc.scripts["j2"] = []remote.JobStatusReport{{Status: models.JobProcessing, Progress: intp(10)}}

	h := newHarness(t, store, svc)
	ctx := context.Background()
	_, err := h.orch.Resume(ctx)
	require.NoError(t, err)

	require.NoError(t, h.orch.BeginGeneration(ctx), "second begin is a no-op")
	h.orch.StopTracking()
	assert.False(t, h.orch.Tracking())

	require.NoError(t, h.orch.BeginGeneration(ctx))
	assert.True(t, h.orch.Tracking())
	assert.Equal(t, 0, svc.totalSubmits())
	assert.Equal(t, models.StageGenerating, h.orch.Campaign().Stage)
}

func TestFailedJobFailsCampaign(t *testing.T) {
	svc := newFakeService()
	svc.jobIDs = []string{"j1", "ghost"}
	h := newHarness(t, session.NewMemoryStore("default"), svc)
	ctx := context.Background()

	_, err := h.orch.SubmitProductInfo(ctx, acmeInfo())
	require.NoError(t, err)
	_, err = h.orch.SkipResearch(ctx)
	require.NoError(t, err)
	_, err = h.orch.SelectIdeas(ctx, []string{"idea-1"})
	require.NoError(t, err)

	final, err := h.orch.WaitSettled(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, models.StageFailed, final.Stage)
	assert.Equal(t, "job not found", final.Jobs["ghost"].Error)
	assert.Equal(t, models.JobCompleted, final.Jobs["j1"].Status)
}

func TestResetStartsOver(t *testing.T) {
	store := session.NewMemoryStore("default")
	h := newHarness(t, store, newFakeService())
	ctx := context.Background()

	_, err := h.orch.SubmitProductInfo(ctx, acmeInfo())
	require.NoError(t, err)
	require.NoError(t, h.orch.Reset(ctx))

	assert.Equal(t, models.StageIntake, h.orch.Campaign().Stage)
	snap, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	c, err := h.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StageIntake, c.Stage)
}

func TestWaitSettledOutsideGeneration(t *testing.T) {
	h := newHarness(t, session.NewMemoryStore("default"), newFakeService())
	_, err := h.orch.WaitSettled(context.Background())
	assert.True(t, errors.Is(err, errs.ErrStageViolation))
}

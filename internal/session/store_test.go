package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaign-pipeline/internal/models"
)

func generatingCampaign() models.Campaign {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	progress := 40
	return models.Campaign{
		ID:    "sess-1",
		Stage: models.StageGenerating,
		ProductInfo: &models.ProductInfo{
			CompanyName:      "Acme",
			ProductType:      "Bottle",
			AdvertisingFocus: models.FocusProduct,
		},
		ResearchSkipped: true,
		SelectedIdeas:   []string{"idea-1", "idea-2"},
		Jobs: map[string]models.JobRecord{
			"j1": {JobID: "j1", Status: models.JobProcessing, Progress: &progress},
			"j2": {JobID: "j2", Status: models.JobPending},
		},
		JobOrder:  []string{"j1", "j2"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// exerciseStore runs the contract every backend must honour.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	snap, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap, "fresh store must report absence")

	c := generatingCampaign()
	require.NoError(t, st.Save(ctx, "sess-1", c))

	snap, err = st.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, SchemaVersion, snap.Version)
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Equal(t, models.StageGenerating, snap.Campaign.Stage)
	assert.Equal(t, []string{"j1", "j2"}, snap.Campaign.JobOrder)
	require.NotNil(t, snap.Campaign.Jobs["j1"].Progress)
	assert.Equal(t, 40, *snap.Campaign.Jobs["j1"].Progress)

	// A second save replaces the first wholesale.
	c.Jobs = map[string]models.JobRecord{"j9": {JobID: "j9", Status: models.JobPending}}
	c.JobOrder = []string{"j9"}
	require.NoError(t, st.Save(ctx, "sess-1", c))
	snap, err = st.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Campaign.Jobs, 1)
	assert.Contains(t, snap.Campaign.Jobs, "j9")

	require.NoError(t, st.Clear(ctx))
	snap, err = st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap, "load after clear must report absence")

	require.NoError(t, st.Clear(ctx), "clearing twice is fine")
	assert.Error(t, st.Save(ctx, "", c), "a session id is required")
}

func TestFileStore(t *testing.T) {
	st := NewFileStore(filepath.Join(t.TempDir(), "nested", "session.json"))
	exerciseStore(t, st)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore("default"))
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedisStore(client, "alice")
	defer st.Close()

	exerciseStore(t, st)

	require.NoError(t, st.Save(context.Background(), "sess-1", generatingCampaign()))
	assert.True(t, mr.Exists("pipeline:session:alice"))
}

func TestProfilesAreIsolated(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	ctx := context.Background()

	a := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "a")
	b := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "b")
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Save(ctx, "sess-1", generatingCampaign()))
	snap, err := b.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestLoadRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "session_id": "s", "campaign": {"stage": "intake"}}`), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	assert.True(t, errors.Is(err, ErrSchemaVersion))
}

func TestLoadUpgradesUnversionedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	legacy := `{"session_id": "sess-7", "campaign": {"stage": "research",
		"product_info": {"company_name": "Acme", "product_type": "Bottle", "advertising_focus": "product"}}}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	snap, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, snap.Version)
	assert.Equal(t, "sess-7", snap.Campaign.ID)
	assert.Equal(t, models.StageResearch, snap.Campaign.Stage)
}

func TestLoadRejectsInconsistentCampaign(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 1, "session_id": "s", "campaign": {"id": "s", "stage": "generating"}}`), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

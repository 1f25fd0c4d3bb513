package trace

import (
	"path/filepath"
	"testing"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/farmchainx/farmchainx-core/lifecycle"
	"github.com/farmchainx/farmchainx-core/repository"
	"github.com/farmchainx/farmchainx-core/repository/models"
)

func newTestService(t *testing.T) (*Service, *lifecycle.Engine, *repository.Repository) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo := repository.NewRepositoryWithDB(db)
	require.NoError(t, repo.Migrate())

	engine := lifecycle.NewEngine(repo, nil, cmtlog.NewNopLogger())
	return NewService(repo), engine, repo
}

func plant(t *testing.T, engine *lifecycle.Engine, farmerID, cropType string, quantity float64) *models.Batch {
	t.Helper()
	batch, repoErr := engine.PlantBatch(lifecycle.Actor{ID: farmerID, Role: "FARMER"}, cropType, quantity, "", "")
	require.Nil(t, repoErr)
	return batch
}

func eventTypes(entries []Entry, batchID string) []string {
	var types []string
	for _, e := range entries {
		if e.BatchID == batchID {
			types = append(types, e.EventType)
		}
	}
	return types
}

func TestGetTraceSingleBatch(t *testing.T) {
	svc, engine, _ := newTestService(t)

	batch := plant(t, engine, "FARM-001", "Tomato", 50)
	actor := lifecycle.Actor{ID: "FARM-001", Role: "FARMER"}
	_, repoErr := engine.UpdateStatus(batch.ID, models.StatusGrowing, actor)
	require.Nil(t, repoErr)

	result, repoErr := svc.GetTrace(batch.ID)
	require.Nil(t, repoErr)

	assert.Equal(t, batch.ID, result.BatchID)
	assert.Equal(t, "FARM-001", result.FarmerID)
	assert.Equal(t, "Tomato", result.CropType)
	assert.Nil(t, result.DistributorID)

	require.Len(t, result.Traces, 2)
	assert.Equal(t, models.EventCreated, result.Traces[0].EventType)
	assert.Equal(t, models.EventStatusChanged, result.Traces[1].EventType)
	assert.Equal(t, int64(1), result.Traces[0].Seq)
	assert.Equal(t, int64(2), result.Traces[1].Seq)
}

func TestGetTraceIncludesSplitAncestry(t *testing.T) {
	svc, engine, _ := newTestService(t)

	origin := plant(t, engine, "FARM-001", "Tomato", 100)
	_, child, repoErr := engine.Split(origin.ID, 40, lifecycle.Actor{ID: "FARM-001", Role: "FARMER"})
	require.Nil(t, repoErr)

	result, repoErr := svc.GetTrace(child.ID)
	require.Nil(t, repoErr)

	// The child's chain reaches back into the origin batch.
	assert.Equal(t, []string{models.EventCreated, models.EventSplit}, eventTypes(result.Traces, origin.ID))
	assert.Equal(t, []string{models.EventSplit}, eventTypes(result.Traces, child.ID))

	// Per-batch sequences stay ordered in the merged view.
	lastSeq := map[string]int64{}
	for _, e := range result.Traces {
		assert.Greater(t, e.Seq, lastSeq[e.BatchID])
		lastSeq[e.BatchID] = e.Seq
	}
}

func TestGetTraceIncludesMergeAncestry(t *testing.T) {
	svc, engine, _ := newTestService(t)

	target := plant(t, engine, "FARM-001", "Wheat", 10)
	srcA := plant(t, engine, "FARM-001", "Wheat", 5)
	srcB := plant(t, engine, "FARM-001", "Wheat", 7)
	_, _, repoErr := engine.Merge(target.ID, []string{srcA.ID, srcB.ID}, lifecycle.Actor{ID: "FARM-001"})
	require.Nil(t, repoErr)

	result, repoErr := svc.GetTrace(target.ID)
	require.Nil(t, repoErr)

	// Both absorbed sources contribute their full histories.
	assert.Equal(t, []string{models.EventCreated, models.EventMerged}, eventTypes(result.Traces, srcA.ID))
	assert.Equal(t, []string{models.EventCreated, models.EventMerged}, eventTypes(result.Traces, srcB.ID))
	assert.Len(t, result.Traces, 6)
}

func TestGetTraceMultiLevelAncestry(t *testing.T) {
	svc, engine, _ := newTestService(t)

	grandparent := plant(t, engine, "FARM-001", "Tomato", 100)
	_, parent, repoErr := engine.Split(grandparent.ID, 60, lifecycle.Actor{ID: "FARM-001"})
	require.Nil(t, repoErr)
	_, child, repoErr := engine.Split(parent.ID, 20, lifecycle.Actor{ID: "FARM-001"})
	require.Nil(t, repoErr)

	result, repoErr := svc.GetTrace(child.ID)
	require.Nil(t, repoErr)

	assert.NotEmpty(t, eventTypes(result.Traces, grandparent.ID))
	assert.NotEmpty(t, eventTypes(result.Traces, parent.ID))
	assert.NotEmpty(t, eventTypes(result.Traces, child.ID))
}

func TestGetTraceNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, repoErr := svc.GetTrace("BAT-missing")
	require.NotNil(t, repoErr)
	assert.Equal(t, repository.ErrCodeNotFound, repoErr.Code)
}

func TestGetTraceSkipsDanglingParent(t *testing.T) {
	svc, engine, repo := newTestService(t)

	batch := plant(t, engine, "FARM-001", "Tomato", 50)

	// Point the batch at a parent that no longer resolves.
	stored, repoErr := repo.GetBatch(batch.ID)
	require.Nil(t, repoErr)
	stored.SetParentBatchIDs([]string{"BAT-gone"})
	require.NoError(t, repo.DB().Save(stored).Error)

	result, repoErr := svc.GetTrace(batch.ID)
	require.Nil(t, repoErr)
	assert.Equal(t, []string{models.EventCreated}, eventTypes(result.Traces, batch.ID))
	assert.Len(t, result.Traces, 1)
}

package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/farmchainx/farmchainx-core/repository/models"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	repo := NewRepositoryWithDB(db)
	require.NoError(t, repo.Migrate())
	return repo
}

func createBatch(t *testing.T, repo *Repository, batch models.Batch) {
	t.Helper()
	require.NoError(t, repo.db.Create(&batch).Error)
}

func TestMigrateIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Migrate())
	require.NoError(t, repo.Migrate())
}

func TestSeedRunsOnce(t *testing.T) {
	repo := newTestRepo(t)

	repo.Seed()

	var batchCount int64
	repo.db.Model(&models.Batch{}).Count(&batchCount)
	assert.Equal(t, int64(2), batchCount)

	batch, repoErr := repo.GetBatch("BAT-demo0001")
	require.Nil(t, repoErr)
	assert.Equal(t, models.StatusPlanted, batch.Status)

	events, repoErr := repo.ListTraceEvents("BAT-demo0001")
	require.Nil(t, repoErr)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventCreated, events[0].EventType)

	// Re-seeding does not duplicate demo data.
	repo.Seed()
	repo.db.Model(&models.Batch{}).Count(&batchCount)
	assert.Equal(t, int64(2), batchCount)
}

func TestGetBatchNotFound(t *testing.T) {
	repo := newTestRepo(t)

	batch, repoErr := repo.GetBatch("BAT-missing")
	assert.Nil(t, batch)
	require.NotNil(t, repoErr)
	assert.Equal(t, ErrCodeNotFound, repoErr.Code)
	assert.Contains(t, repoErr.Detail, "BAT-missing")
}

func TestListBatchesByFarmer(t *testing.T) {
	repo := newTestRepo(t)

	createBatch(t, repo, models.Batch{ID: "BAT-a", FarmerID: "FARM-001", CropType: "Tomato", Quantity: 10, Status: models.StatusPlanted})
	createBatch(t, repo, models.Batch{ID: "BAT-b", FarmerID: "FARM-001", CropType: "Wheat", Quantity: 20, Status: models.StatusGrowing})
	createBatch(t, repo, models.Batch{ID: "BAT-c", FarmerID: "FARM-002", CropType: "Rice", Quantity: 30, Status: models.StatusPlanted})

	batches, repoErr := repo.ListBatchesByFarmer("FARM-001")
	require.Nil(t, repoErr)
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Equal(t, "FARM-001", b.FarmerID)
	}

	empty, repoErr := repo.ListBatchesByFarmer("FARM-none")
	require.Nil(t, repoErr)
	assert.Empty(t, empty)
}

func TestListPendingBatches(t *testing.T) {
	repo := newTestRepo(t)

	distributor := "DIST-001"
	createBatch(t, repo, models.Batch{ID: "BAT-open", FarmerID: "FARM-001", CropType: "Tomato", Quantity: 10, Status: models.StatusListed})
	createBatch(t, repo, models.Batch{ID: "BAT-claimed", FarmerID: "FARM-001", CropType: "Tomato", Quantity: 10, Status: models.StatusListed, DistributorID: &distributor})
	createBatch(t, repo, models.Batch{ID: "BAT-growing", FarmerID: "FARM-001", CropType: "Tomato", Quantity: 10, Status: models.StatusGrowing})

	pending, repoErr := repo.ListPendingBatches()
	require.Nil(t, repoErr)
	require.Len(t, pending, 1)
	assert.Equal(t, "BAT-open", pending[0].ID)
}

func TestListBatchIDsByFarmerAndStatus(t *testing.T) {
	repo := newTestRepo(t)

	createBatch(t, repo, models.Batch{ID: "BAT-b", FarmerID: "FARM-001", CropType: "Tomato", Quantity: 10, Status: models.StatusReadyForHarvest})
	createBatch(t, repo, models.Batch{ID: "BAT-a", FarmerID: "FARM-001", CropType: "Tomato", Quantity: 10, Status: models.StatusReadyForHarvest})
	createBatch(t, repo, models.Batch{ID: "BAT-c", FarmerID: "FARM-001", CropType: "Tomato", Quantity: 10, Status: models.StatusPlanted})

	ids, repoErr := repo.ListBatchIDsByFarmerAndStatus("FARM-001", models.StatusReadyForHarvest)
	require.Nil(t, repoErr)
	assert.Equal(t, []string{"BAT-a", "BAT-b"}, ids)
}

func TestListCropsByBatchRequiresBatch(t *testing.T) {
	repo := newTestRepo(t)

	_, repoErr := repo.ListCropsByBatch("BAT-missing")
	require.NotNil(t, repoErr)
	assert.Equal(t, ErrCodeNotFound, repoErr.Code)

	createBatch(t, repo, models.Batch{ID: "BAT-a", FarmerID: "FARM-001", CropType: "Tomato", Quantity: 10, Status: models.StatusPlanted})
	require.NoError(t, repo.db.Create(&models.Crop{ID: "CRP-1", BatchID: "BAT-a", Name: "Tomato", Variety: "Roma"}).Error)

	crops, repoErr := repo.ListCropsByBatch("BAT-a")
	require.Nil(t, repoErr)
	require.Len(t, crops, 1)
	assert.Equal(t, "Roma", crops[0].Variety)
}

func TestListTraceEventsOrderedBySeq(t *testing.T) {
	repo := newTestRepo(t)

	// Insert out of order; reads must come back seq ascending.
	require.NoError(t, repo.db.Create(&models.TraceEvent{ID: "EVT-2", BatchID: "BAT-a", Seq: 2, EventType: models.EventStatusChanged, ActorID: "FARM-001"}).Error)
	require.NoError(t, repo.db.Create(&models.TraceEvent{ID: "EVT-1", BatchID: "BAT-a", Seq: 1, EventType: models.EventCreated, ActorID: "FARM-001"}).Error)

	events, repoErr := repo.ListTraceEvents("BAT-a")
	require.Nil(t, repoErr)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
}

func TestCountBatchesByStatus(t *testing.T) {
	repo := newTestRepo(t)

	createBatch(t, repo, models.Batch{ID: "BAT-a", FarmerID: "FARM-001", CropType: "Tomato", Quantity: 10, Status: models.StatusPlanted})
	createBatch(t, repo, models.Batch{ID: "BAT-b", FarmerID: "FARM-001", CropType: "Tomato", Quantity: 10, Status: models.StatusPlanted})
	createBatch(t, repo, models.Batch{ID: "BAT-c", FarmerID: "FARM-002", CropType: "Wheat", Quantity: 10, Status: models.StatusSold})

	counts, repoErr := repo.CountBatchesByStatus()
	require.Nil(t, repoErr)
	assert.Equal(t, int64(2), counts[models.StatusPlanted])
	assert.Equal(t, int64(1), counts[models.StatusSold])
	assert.NotContains(t, counts, models.StatusGrowing)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: PgErrUniqueViolation}))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: PgErrForeignKeyViolation}))
	assert.False(t, IsUniqueViolation(errors.New("plain error")))
	assert.False(t, IsUniqueViolation(nil))
}

func TestAnchorTraceEventsWithoutClient(t *testing.T) {
	repo := newTestRepo(t)

	// No consensus node wired in: anchoring is a no-op, never an error.
	result, repoErr := repo.AnchorTraceEvents(context.Background(), []models.TraceEvent{{ID: "EVT-1", BatchID: "BAT-a", Seq: 1}})
	assert.Nil(t, result)
	assert.Nil(t, repoErr)
}

func TestRepositoryErrorFormatting(t *testing.T) {
	repoErr := NotFoundError("BAT-x")
	assert.Contains(t, repoErr.Error(), ErrCodeNotFound)
	assert.Contains(t, repoErr.Error(), "BAT-x")

	terminal := TerminalError("BAT-y", models.StatusSold)
	assert.Equal(t, ErrCodeTerminal, terminal.Code)
	assert.Contains(t, terminal.Detail, models.StatusSold)
}

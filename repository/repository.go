package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	cmtrpc "github.com/cometbft/cometbft/rpc/client/local"
	cmtrpctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/farmchainx/farmchainx-core/repository/models"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgreSQL error codes
const (
	PgErrForeignKeyViolation = "23503"
	PgErrUniqueViolation     = "23505"
)

// TraceAnchor is the transaction payload committed to the consensus chain for
// a group of trace events written in one store transaction.
type TraceAnchor struct {
	BatchID  string    `json:"batch_id"`
	EventIDs []string  `json:"event_ids"`
	Digest   string    `json:"digest"`
	NodeTime time.Time `json:"node_time"`
}

// AnchorResult contains the consensus outcome for an anchored event group.
type AnchorResult struct {
	TxHash      string
	BlockHeight int64
}

// Repository is the durable batch store. It owns the relational database and,
// when a consensus node is wired in, the RPC client used to anchor trace events.
type Repository struct {
	db        *gorm.DB
	rpcClient *cmtrpc.Local
}

// NewRepository creates an unconnected repository; call ConnectDB before use.
func NewRepository() *Repository {
	return &Repository{}
}

// NewRepositoryWithDB wraps an already-open gorm connection. Used by tests
// and by callers that manage their own connection lifecycle.
func NewRepositoryWithDB(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying gorm handle for transactional callers.
func (r *Repository) DB() *gorm.DB {
	return r.db
}

// ConnectDB establishes the PostgreSQL connection and performs migrations.
func (r *Repository) ConnectDB(dsn string) error {
	for i := 0; i < 10; i++ {
		log.Printf("Database connection attempt %d...\n", i+1)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			log.Printf("Connection attempt %d failed: %v\n", i+1, err)
			time.Sleep(2 * time.Second)
			continue
		}
		r.db = db
		log.Println("Connected to database")

		if err := r.Migrate(); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		r.Seed()
		return nil
	}
	return fmt.Errorf("failed to connect to database after 10 attempts")
}

// Migrate performs database schema migrations.
func (r *Repository) Migrate() error {
	log.Println("Running database migrations...")

	migrator := r.db.Migrator()

	// Order matters: trace events and crops reference batches.
	tables := []interface{}{
		&models.Batch{},
		&models.TraceEvent{},
		&models.Crop{},
	}

	for _, table := range tables {
		if !migrator.HasTable(table) {
			if err := migrator.CreateTable(table); err != nil {
				return fmt.Errorf("failed to create table: %w", err)
			}
		}
	}

	log.Println("Database migrations completed")
	return nil
}

// Seed initializes the store with demo data for a fresh deployment.
func (r *Repository) Seed() {
	var batchCount int64
	r.db.Model(&models.Batch{}).Count(&batchCount)
	if batchCount > 0 {
		log.Println("Seed data already exists, skipping...")
		return
	}

	log.Println("Seeding database with demo batches...")

	batches := []models.Batch{
		{
			ID: "BAT-demo0001", FarmerID: "FARM-001", CropType: "Tomato",
			Quantity: 120, Status: models.StatusPlanted, TraceSeq: 1,
			QRCodeURL: "https://farmchainx.example.org/trace/BAT-demo0001",
		},
		{
			ID: "BAT-demo0002", FarmerID: "FARM-001", CropType: "Wheat",
			Quantity: 500, Status: models.StatusGrowing, TraceSeq: 1,
			QRCodeURL: "https://farmchainx.example.org/trace/BAT-demo0002",
		},
	}
	for i := range batches {
		if err := r.db.Create(&batches[i]).Error; err != nil {
			log.Printf("Error seeding batch %s: %v", batches[i].ID, err)
		}
	}

	// Every seeded batch gets its CREATED trace event so provenance chains
	// always start at planting.
	for _, b := range batches {
		event := models.TraceEvent{
			ID: "EVT-seed" + b.ID[len(b.ID)-4:], BatchID: b.ID, Seq: 1,
			EventType: models.EventCreated, ActorID: b.FarmerID, ActorRole: "FARMER",
			Payload: fmt.Sprintf(`{"cropType":%q,"quantity":%g}`, b.CropType, b.Quantity),
		}
		if err := r.db.Create(&event).Error; err != nil {
			log.Printf("Error seeding trace event for %s: %v", b.ID, err)
		}
	}

	crops := []models.Crop{
		{ID: "CRP-demo0001", BatchID: "BAT-demo0001", Name: "Tomato", Variety: "Roma", SoilType: "Loam"},
		{ID: "CRP-demo0002", BatchID: "BAT-demo0002", Name: "Wheat", Variety: "Durum", SoilType: "Clay"},
	}
	for i := range crops {
		if err := r.db.Create(&crops[i]).Error; err != nil {
			log.Printf("Error seeding crop %s: %v", crops[i].ID, err)
		}
	}

	log.Println("Database seeding completed")
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation, so callers can surface a CONFLICT instead of a generic failure.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == PgErrUniqueViolation
	}
	return false
}

// GetBatch retrieves a batch by id.
func (r *Repository) GetBatch(batchID string) (*models.Batch, *RepositoryError) {
	var batch models.Batch
	err := r.db.Where("batch_id = ?", batchID).First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFoundError(batchID)
		}
		return nil, UnavailableError(err.Error())
	}
	return &batch, nil
}

// ListBatchesByFarmer returns all of a farmer's batches ordered by creation.
func (r *Repository) ListBatchesByFarmer(farmerID string) ([]models.Batch, *RepositoryError) {
	var batches []models.Batch
	err := r.db.Where("farmer_id = ?", farmerID).
		Order("created_at asc, batch_id asc").Find(&batches).Error
	if err != nil {
		return nil, UnavailableError(err.Error())
	}
	return batches, nil
}

// ListPendingBatches returns batches awaiting distributor review: LISTED with
// no distributor assigned yet.
func (r *Repository) ListPendingBatches() ([]models.Batch, *RepositoryError) {
	var batches []models.Batch
	err := r.db.Where("status = ? AND distributor_id IS NULL", models.StatusListed).
		Order("created_at asc, batch_id asc").Find(&batches).Error
	if err != nil {
		return nil, UnavailableError(err.Error())
	}
	return batches, nil
}

// ListBatchIDsByFarmerAndStatus returns the ids of a farmer's batches in the
// given status. Used by the harvest processor to snapshot eligible batches.
func (r *Repository) ListBatchIDsByFarmerAndStatus(farmerID, status string) ([]string, *RepositoryError) {
	var ids []string
	err := r.db.Model(&models.Batch{}).
		Where("farmer_id = ? AND status = ?", farmerID, status).
		Order("batch_id asc").Pluck("batch_id", &ids).Error
	if err != nil {
		return nil, UnavailableError(err.Error())
	}
	return ids, nil
}

// ListCropsByBatch returns the crop records attached to a batch.
func (r *Repository) ListCropsByBatch(batchID string) ([]models.Crop, *RepositoryError) {
	if _, repoErr := r.GetBatch(batchID); repoErr != nil {
		return nil, repoErr
	}
	var crops []models.Crop
	err := r.db.Where("batch_id = ?", batchID).Order("crop_id asc").Find(&crops).Error
	if err != nil {
		return nil, UnavailableError(err.Error())
	}
	return crops, nil
}

// ListAllCrops returns every crop record, for the admin view.
func (r *Repository) ListAllCrops() ([]models.Crop, *RepositoryError) {
	var crops []models.Crop
	err := r.db.Order("crop_id asc").Find(&crops).Error
	if err != nil {
		return nil, UnavailableError(err.Error())
	}
	return crops, nil
}

// ListTraceEvents returns a batch's own event sequence in seq order.
func (r *Repository) ListTraceEvents(batchID string) ([]models.TraceEvent, *RepositoryError) {
	var events []models.TraceEvent
	err := r.db.Where("batch_id = ?", batchID).Order("seq asc").Find(&events).Error
	if err != nil {
		return nil, UnavailableError(err.Error())
	}
	return events, nil
}

// CountBatchesByStatus returns batch counts grouped by status, the read-only
// aggregate exposed to reporting.
func (r *Repository) CountBatchesByStatus() (map[string]int64, *RepositoryError) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	err := r.db.Model(&models.Batch{}).
		Select("status, count(*) as total").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, UnavailableError(err.Error())
	}
	counts := make(map[string]int64, len(rows))
	for _, rw := range rows {
		counts[rw.Status] = rw.Total
	}
	return counts, nil
}

// SetupRpcClient wires in the consensus RPC client used for trace anchoring.
func (r *Repository) SetupRpcClient(rpcClient *cmtrpc.Local) {
	r.rpcClient = rpcClient
}

// AnchorTraceEvents commits a digest of freshly written trace events to the
// consensus chain and records the resulting tx hash on each event. Anchoring
// happens after the store transaction commits; a failure here never unwinds
// the mutation, it only leaves the events unanchored.
func (r *Repository) AnchorTraceEvents(ctx context.Context, events []models.TraceEvent) (*AnchorResult, *RepositoryError) {
	if r.rpcClient == nil || len(events) == 0 {
		return nil, nil
	}

	anchor := TraceAnchor{
		BatchID:  events[0].BatchID,
		NodeTime: time.Now(),
	}
	digest := sha256.New()
	for _, e := range events {
		anchor.EventIDs = append(anchor.EventIDs, e.ID)
		digest.Write([]byte(e.ID))
		digest.Write([]byte(e.Payload))
	}
	anchor.Digest = hex.EncodeToString(digest.Sum(nil))

	payloadBytes, err := json.Marshal(anchor)
	if err != nil {
		return nil, &RepositoryError{
			Code:    "SERIALIZATION_ERROR",
			Message: "Failed to serialize trace anchor",
			Detail:  err.Error(),
		}
	}

	consensusTx := cmttypes.Tx(payloadBytes)

	done := make(chan struct {
		result *cmtrpctypes.ResultBroadcastTxCommit
		err    error
	}, 1)

	go func() {
		result, err := r.rpcClient.BroadcastTxCommit(ctx, consensusTx)
		done <- struct {
			result *cmtrpctypes.ResultBroadcastTxCommit
			err    error
		}{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, UnavailableError(ctx.Err().Error())
	case result := <-done:
		if result.err != nil {
			return nil, UnavailableError(result.err.Error())
		}
		if result.result.CheckTx.Code != 0 {
			return nil, UnavailableError(fmt.Sprintf("anchor rejected, CheckTx code: %d", result.result.CheckTx.Code))
		}

		txHash := hex.EncodeToString(result.result.Hash)
		if err := r.markEventsAnchored(anchor.EventIDs, txHash); err != nil {
			return nil, err
		}
		return &AnchorResult{
			TxHash:      txHash,
			BlockHeight: result.result.Height,
		}, nil
	}
}

func (r *Repository) markEventsAnchored(eventIDs []string, txHash string) *RepositoryError {
	err := r.db.Model(&models.TraceEvent{}).
		Where("event_id IN ?", eventIDs).
		Update("anchor_tx_hash", txHash).Error
	if err != nil {
		return UnavailableError(err.Error())
	}
	return nil
}

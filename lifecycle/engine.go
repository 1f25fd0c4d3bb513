package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/farmchainx/farmchainx-core/repository"
	"github.com/farmchainx/farmchainx-core/repository/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// forwardTransitions maps each status to its only permitted successor.
var forwardTransitions = map[string]string{
	models.StatusPlanted:         models.StatusGrowing,
	models.StatusGrowing:         models.StatusReadyForHarvest,
	models.StatusReadyForHarvest: models.StatusHarvested,
	models.StatusHarvested:       models.StatusListed,
	models.StatusListed:          models.StatusSold,
}

var validGrades = map[string]bool{"A": true, "B": true, "C": true}

// Actor is the already-authenticated caller of a lifecycle operation.
// Authentication happens upstream; the engine trusts this pair.
type Actor struct {
	ID   string
	Role string
}

// Config holds lifecycle engine settings.
type Config struct {
	// TraceBaseURL is the public trace viewer base; QR code URLs are
	// derived from it at batch creation.
	TraceBaseURL string
}

// Engine validates and applies batch lifecycle operations. Every mutation and
// its trace events commit in a single store transaction, under per-batch
// locks acquired in canonical order.
type Engine struct {
	db     *gorm.DB
	repo   *repository.Repository
	locks  *lockTable
	config *Config
	logger cmtlog.Logger
}

// NewEngine creates a lifecycle engine over the given batch store.
func NewEngine(repo *repository.Repository, config *Config, logger cmtlog.Logger) *Engine {
	if config == nil {
		config = &Config{}
	}
	if config.TraceBaseURL == "" {
		config.TraceBaseURL = "https://farmchainx.example.org"
	}
	return &Engine{
		db:     repo.DB(),
		repo:   repo,
		locks:  newLockTable(),
		config: config,
		logger: logger,
	}
}

func newBatchID() string {
	return fmt.Sprintf("BAT-%s", uuid.New().String()[:8])
}

func newEventID() string {
	return fmt.Sprintf("EVT-%s", uuid.New().String()[:8])
}

func newCropID() string {
	return fmt.Sprintf("CRP-%s", uuid.New().String()[:8])
}

// loadBatch fetches a batch inside the given transaction.
func loadBatch(dbTx *gorm.DB, batchID string) (*models.Batch, *repository.RepositoryError) {
	var batch models.Batch
	err := dbTx.Where("batch_id = ?", batchID).First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.NotFoundError(batchID)
		}
		return nil, repository.UnavailableError(err.Error())
	}
	return &batch, nil
}

// appendEvent issues the next sequence number for the batch and writes the
// trace event row. The caller saves the batch in the same transaction, so the
// sequence counter and the event commit together.
func appendEvent(dbTx *gorm.DB, batch *models.Batch, eventType string, actor Actor, payload map[string]interface{}) (*models.TraceEvent, error) {
	batch.TraceSeq++

	payloadJSON := ""
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		payloadJSON = string(buf)
	}

	event := models.TraceEvent{
		ID:        newEventID(),
		BatchID:   batch.ID,
		Seq:       batch.TraceSeq,
		EventType: eventType,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Payload:   payloadJSON,
	}
	if err := dbTx.Create(&event).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// anchor pushes committed trace events to the consensus chain, best effort.
func (e *Engine) anchor(events []models.TraceEvent) {
	if len(events) == 0 {
		return
	}
	if _, repoErr := e.repo.AnchorTraceEvents(context.Background(), events); repoErr != nil {
		e.logger.Error("Trace anchoring failed", "batch_id", events[0].BatchID, "err", repoErr)
	}
}

// PlantBatch creates a new batch in PLANTED state with an empty lineage and
// writes its CREATED trace event. A crop record is attached when variety or
// soil details accompany the planting.
func (e *Engine) PlantBatch(actor Actor, cropType string, quantity float64, variety, soilType string) (*models.Batch, *repository.RepositoryError) {
	if actor.ID == "" || cropType == "" {
		return nil, &repository.RepositoryError{
			Code:    repository.ErrCodeInvalidArgument,
			Message: "farmerId and cropType are required",
			Detail:  "planting requires an owning farmer and a crop type",
		}
	}
	if quantity <= 0 {
		return nil, &repository.RepositoryError{
			Code:    repository.ErrCodeInvalidQuantity,
			Message: "Quantity must be positive",
			Detail:  fmt.Sprintf("got %g", quantity),
		}
	}

	batch := models.Batch{
		ID:       newBatchID(),
		FarmerID: actor.ID,
		CropType: cropType,
		Quantity: quantity,
		Status:   models.StatusPlanted,
	}
	batch.QRCodeURL = fmt.Sprintf("%s/trace/%s", e.config.TraceBaseURL, batch.ID)

	var events []models.TraceEvent

	dbTx := e.db.Begin()
	if dbTx.Error != nil {
		return nil, repository.UnavailableError(dbTx.Error.Error())
	}

	if err := dbTx.Create(&batch).Error; err != nil {
		dbTx.Rollback()
		if repository.IsUniqueViolation(err) {
			return nil, &repository.RepositoryError{
				Code:    repository.ErrCodeConflict,
				Message: "Batch id collision",
				Detail:  err.Error(),
			}
		}
		return nil, repository.UnavailableError(err.Error())
	}

	event, err := appendEvent(dbTx, &batch, models.EventCreated, actor, map[string]interface{}{
		"cropType": cropType,
		"quantity": quantity,
	})
	if err != nil {
		dbTx.Rollback()
		return nil, repository.UnavailableError(err.Error())
	}
	events = append(events, *event)

	if err := dbTx.Save(&batch).Error; err != nil {
		dbTx.Rollback()
		return nil, repository.UnavailableError(err.Error())
	}

	if variety != "" || soilType != "" {
		crop := models.Crop{
			ID:        newCropID(),
			BatchID:   batch.ID,
			Name:      cropType,
			Variety:   variety,
			SoilType:  soilType,
			PlantedAt: batch.CreatedAt,
		}
		if err := dbTx.Create(&crop).Error; err != nil {
			dbTx.Rollback()
			return nil, repository.UnavailableError(err.Error())
		}
	}

	if err := dbTx.Commit().Error; err != nil {
		return nil, repository.UnavailableError(err.Error())
	}

	e.anchor(events)
	return &batch, nil
}

// UpdateStatus advances a batch to the immediate successor of its current
// status in the forward sequence. Any other jump is an invalid transition.
func (e *Engine) UpdateStatus(batchID, newStatus string, actor Actor) (*models.Batch, *repository.RepositoryError) {
	release := e.locks.acquire(batchID)
	defer release()

	var events []models.TraceEvent

	dbTx := e.db.Begin()
	if dbTx.Error != nil {
		return nil, repository.UnavailableError(dbTx.Error.Error())
	}

	batch, repoErr := loadBatch(dbTx, batchID)
	if repoErr != nil {
		dbTx.Rollback()
		return nil, repoErr
	}

	if batch.IsTerminal() {
		dbTx.Rollback()
		return nil, repository.TerminalError(batch.ID, batch.Status)
	}

	if forwardTransitions[batch.Status] != newStatus {
		dbTx.Rollback()
		return nil, &repository.RepositoryError{
			Code:    repository.ErrCodeInvalidTransition,
			Message: "Status change not permitted",
			Detail:  fmt.Sprintf("cannot move batch %s from %s to %s", batch.ID, batch.Status, newStatus),
		}
	}

	oldStatus := batch.Status
	batch.Status = newStatus

	event, err := appendEvent(dbTx, batch, models.EventStatusChanged, actor, map[string]interface{}{
		"oldStatus": oldStatus,
		"newStatus": newStatus,
	})
	if err != nil {
		dbTx.Rollback()
		return nil, repository.UnavailableError(err.Error())
	}
	events = append(events, *event)

	if err := dbTx.Save(batch).Error; err != nil {
		dbTx.Rollback()
		return nil, repository.UnavailableError(err.Error())
	}
	if err := dbTx.Commit().Error; err != nil {
		return nil, repository.UnavailableError(err.Error())
	}

	e.anchor(events)
	return batch, nil
}

// UpdateQuality records a quality grade and optional confidence. The batch
// keeps its forward lifecycle position; the update is visible only as a
// QUALITY_UPDATED trace event and the new grade on the batch.
func (e *Engine) UpdateQuality(batchID, grade string, confidence *float64, actor Actor) (*models.Batch, *repository.RepositoryError) {
	if !validGrades[grade] {
		return nil, &repository.RepositoryError{
			Code:    repository.ErrCodeInvalidArgument,
			Message: "Quality grade must be A, B, or C",
			Detail:  fmt.Sprintf("got %q", grade),
		}
	}
	if confidence != nil && (*confidence < 0 || *confidence > 1) {
		return nil, &repository.RepositoryError{
			Code:    repository.ErrCodeInvalidArgument,
			Message: "Confidence must be in [0,1]",
			Detail:  fmt.Sprintf("got %g", *confidence),
		}
	}

	release := e.locks.acquire(batchID)
	defer release()

	var events []models.TraceEvent

	dbTx := e.db.Begin()
	if dbTx.Error != nil {
		return nil, repository.UnavailableError(dbTx.Error.Error())
	}

	batch, repoErr := loadBatch(dbTx, batchID)
	if repoErr != nil {
		dbTx.Rollback()
		return nil, repoErr
	}
	if batch.IsTerminal() {
		dbTx.Rollback()
		return nil, repository.TerminalError(batch.ID, batch.Status)
	}

	batch.QualityGrade = &grade
	batch.Confidence = confidence

	payload := map[string]interface{}{"grade": grade}
	if confidence != nil {
		payload["confidence"] = *confidence
	}
	event, err := appendEvent(dbTx, batch, models.EventQualityUpdated, actor, payload)
	if err != nil {
		dbTx.Rollback()
		return nil, repository.UnavailableError(err.Error())
	}
	events = append(events, *event)

	if err := dbTx.Save(batch).Error; err != nil {
		dbTx.Rollback()
		return nil, repository.UnavailableError(err.Error())
	}
	if err := dbTx.Commit().Error; err != nil {
		return nil, repository.UnavailableError(err.Error())
	}

	e.anchor(events)
	return batch, nil
}

// Split removes quantity from the source batch and creates one new batch
// carrying it, sharing lineage. The source stays active with its residual
// quantity; a split consuming the whole source is rejected.
func (e *Engine) Split(batchID string, quantity float64, actor Actor) (*models.Batch, *models.Batch, *repository.RepositoryError) {
	release := e.locks.acquire(batchID)
	defer release()

	var events []models.TraceEvent

	dbTx := e.db.Begin()
	if dbTx.Error != nil {
		return nil, nil, repository.UnavailableError(dbTx.Error.Error())
	}

	source, repoErr := loadBatch(dbTx, batchID)
	if repoErr != nil {
		dbTx.Rollback()
		return nil, nil, repoErr
	}
	if source.IsTerminal() {
		dbTx.Rollback()
		return nil, nil, repository.TerminalError(source.ID, source.Status)
	}
	if quantity <= 0 || quantity >= source.Quantity {
		dbTx.Rollback()
		return nil, nil, &repository.RepositoryError{
			Code:    repository.ErrCodeInvalidQuantity,
			Message: "Split quantity must leave both sides non-empty",
			Detail:  fmt.Sprintf("batch %s holds %g, requested %g", source.ID, source.Quantity, quantity),
		}
	}

	child := models.Batch{
		ID:           newBatchID(),
		FarmerID:     source.FarmerID,
		CropType:     source.CropType,
		Quantity:     quantity,
		QualityGrade: source.QualityGrade,
		Confidence:   source.Confidence,
		Status:       source.Status,
	}
	child.SetParentBatchIDs([]string{source.ID})
	child.QRCodeURL = fmt.Sprintf("%s/trace/%s", e.config.TraceBaseURL, child.ID)

	source.Quantity -= quantity
	source.AddChildBatchID(child.ID)

	if err := dbTx.Create(&child).Error; err != nil {
		dbTx.Rollback()
		return nil, nil, repository.UnavailableError(err.Error())
	}

	sourceEvent, err := appendEvent(dbTx, source, models.EventSplit, actor, map[string]interface{}{
		"splitQuantity":     quantity,
		"childBatchId":      child.ID,
		"remainingQuantity": source.Quantity,
	})
	if err != nil {
		dbTx.Rollback()
		return nil, nil, repository.UnavailableError(err.Error())
	}
	childEvent, err := appendEvent(dbTx, &child, models.EventSplit, actor, map[string]interface{}{
		"splitQuantity": quantity,
		"parentBatchId": source.ID,
	})
	if err != nil {
		dbTx.Rollback()
		return nil, nil, repository.UnavailableError(err.Error())
	}
	events = append(events, *sourceEvent, *childEvent)

	if err := dbTx.Save(source).Error; err != nil {
		dbTx.Rollback()
		return nil, nil, repository.UnavailableError(err.Error())
	}
	if err := dbTx.Save(&child).Error; err != nil {
		dbTx.Rollback()
		return nil, nil, repository.UnavailableError(err.Error())
	}
	if err := dbTx.Commit().Error; err != nil {
		return nil, nil, repository.UnavailableError(err.Error())
	}

	e.anchor(events)
	return source, &child, nil
}

// Merge absorbs the source batches into the target. The target gains the sum
// of all source quantities and the sources in its lineage; each source ends
// MERGED with zero quantity and a child pointer to the target. Either every
// participant updates or none do.
func (e *Engine) Merge(targetBatchID string, sourceBatchIDs []string, actor Actor) (*models.Batch, []models.Batch, *repository.RepositoryError) {
	if len(sourceBatchIDs) == 0 {
		return nil, nil, &repository.RepositoryError{
			Code:    repository.ErrCodeInvalidArgument,
			Message: "Merge needs at least one source batch",
			Detail:  "sourceBatchIds is empty",
		}
	}
	seen := map[string]bool{}
	for _, id := range sourceBatchIDs {
		if id == targetBatchID {
			return nil, nil, &repository.RepositoryError{
				Code:    repository.ErrCodeInvalidArgument,
				Message: "Target cannot be merged into itself",
				Detail:  fmt.Sprintf("batch %s appears as both target and source", targetBatchID),
			}
		}
		if seen[id] {
			return nil, nil, &repository.RepositoryError{
				Code:    repository.ErrCodeInvalidArgument,
				Message: "Duplicate source batch",
				Detail:  fmt.Sprintf("batch %s listed more than once", id),
			}
		}
		seen[id] = true
	}

	locked := append([]string{targetBatchID}, sourceBatchIDs...)
	release := e.locks.acquire(locked...)
	defer release()

	var events []models.TraceEvent

	dbTx := e.db.Begin()
	if dbTx.Error != nil {
		return nil, nil, repository.UnavailableError(dbTx.Error.Error())
	}

	target, repoErr := loadBatch(dbTx, targetBatchID)
	if repoErr != nil {
		dbTx.Rollback()
		return nil, nil, repoErr
	}
	if target.IsTerminal() {
		dbTx.Rollback()
		return nil, nil, repository.TerminalError(target.ID, target.Status)
	}

	sources := make([]*models.Batch, 0, len(sourceBatchIDs))
	for _, id := range sourceBatchIDs {
		src, repoErr := loadBatch(dbTx, id)
		if repoErr != nil {
			dbTx.Rollback()
			return nil, nil, repoErr
		}
		if src.IsTerminal() {
			dbTx.Rollback()
			return nil, nil, repository.TerminalError(src.ID, src.Status)
		}
		sources = append(sources, src)
	}

	mergedQuantity := 0.0
	for _, src := range sources {
		mergedQuantity += src.Quantity
	}
	target.Quantity += mergedQuantity
	target.AddParentBatchIDs(sourceBatchIDs)

	targetEvent, err := appendEvent(dbTx, target, models.EventMerged, actor, map[string]interface{}{
		"sourceBatchIds": sourceBatchIDs,
		"mergedQuantity": mergedQuantity,
	})
	if err != nil {
		dbTx.Rollback()
		return nil, nil, repository.UnavailableError(err.Error())
	}
	events = append(events, *targetEvent)

	for _, src := range sources {
		absorbed := src.Quantity
		src.Quantity = 0
		src.Status = models.StatusMerged
		src.AddChildBatchID(target.ID)

		srcEvent, err := appendEvent(dbTx, src, models.EventMerged, actor, map[string]interface{}{
			"targetBatchId":    target.ID,
			"absorbedQuantity": absorbed,
		})
		if err != nil {
			dbTx.Rollback()
			return nil, nil, repository.UnavailableError(err.Error())
		}
		events = append(events, *srcEvent)

		if err := dbTx.Save(src).Error; err != nil {
			dbTx.Rollback()
			return nil, nil, repository.UnavailableError(err.Error())
		}
	}

	if err := dbTx.Save(target).Error; err != nil {
		dbTx.Rollback()
		return nil, nil, repository.UnavailableError(err.Error())
	}
	if err := dbTx.Commit().Error; err != nil {
		return nil, nil, repository.UnavailableError(err.Error())
	}

	e.anchor(events)

	out := make([]models.Batch, len(sources))
	for i, src := range sources {
		out[i] = *src
	}
	return target, out, nil
}

// DistributorApprove assigns the distributor to a LISTED batch and records
// the approval. A batch already claimed by a distributor cannot be approved
// again.
func (e *Engine) DistributorApprove(batchID, distributorID string) (*models.Batch, *repository.RepositoryError) {
	return e.distributorReview(batchID, distributorID, true)
}

// DistributorReject records a rejection and leaves the batch in its prior
// status, unassigned, for farmer correction.
func (e *Engine) DistributorReject(batchID, distributorID string) (*models.Batch, *repository.RepositoryError) {
	return e.distributorReview(batchID, distributorID, false)
}

func (e *Engine) distributorReview(batchID, distributorID string, approve bool) (*models.Batch, *repository.RepositoryError) {
	release := e.locks.acquire(batchID)
	defer release()

	var events []models.TraceEvent

	dbTx := e.db.Begin()
	if dbTx.Error != nil {
		return nil, repository.UnavailableError(dbTx.Error.Error())
	}

	batch, repoErr := loadBatch(dbTx, batchID)
	if repoErr != nil {
		dbTx.Rollback()
		return nil, repoErr
	}
	if batch.IsTerminal() {
		dbTx.Rollback()
		return nil, repository.TerminalError(batch.ID, batch.Status)
	}
	if batch.Status != models.StatusListed {
		dbTx.Rollback()
		return nil, &repository.RepositoryError{
			Code:    repository.ErrCodeInvalidTransition,
			Message: "Batch is not open for distributor review",
			Detail:  fmt.Sprintf("batch %s is %s, review requires %s", batch.ID, batch.Status, models.StatusListed),
		}
	}

	actor := Actor{ID: distributorID, Role: "DISTRIBUTOR"}
	eventType := models.EventRejected
	if approve {
		if batch.DistributorID != nil {
			dbTx.Rollback()
			return nil, &repository.RepositoryError{
				Code:    repository.ErrCodeConflict,
				Message: "Batch already has a distributor",
				Detail:  fmt.Sprintf("batch %s is assigned to %s", batch.ID, *batch.DistributorID),
			}
		}
		batch.DistributorID = &distributorID
		eventType = models.EventApproved
	}

	event, err := appendEvent(dbTx, batch, eventType, actor, map[string]interface{}{
		"distributorId": distributorID,
	})
	if err != nil {
		dbTx.Rollback()
		return nil, repository.UnavailableError(err.Error())
	}
	events = append(events, *event)

	if err := dbTx.Save(batch).Error; err != nil {
		dbTx.Rollback()
		return nil, repository.UnavailableError(err.Error())
	}
	if err := dbTx.Commit().Error; err != nil {
		return nil, repository.UnavailableError(err.Error())
	}

	e.anchor(events)
	return batch, nil
}

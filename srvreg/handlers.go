package srvreg

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/farmchainx/farmchainx-core/lifecycle"
	"github.com/farmchainx/farmchainx-core/repository"
	"github.com/farmchainx/farmchainx-core/repository/models"
)

// statusForCode maps repository error codes to HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case repository.ErrCodeNotFound:
		return http.StatusNotFound
	case repository.ErrCodeInvalidQuantity, repository.ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case repository.ErrCodeInvalidTransition:
		return http.StatusUnprocessableEntity
	case repository.ErrCodeTerminal, repository.ErrCodeConflict:
		return http.StatusConflict
	case repository.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorResponse(repoErr *repository.RepositoryError) *Response {
	body, _ := json.Marshal(map[string]string{
		"error":  repoErr.Message,
		"code":   repoErr.Code,
		"detail": repoErr.Detail,
	})
	return &Response{
		StatusCode: statusForCode(repoErr.Code),
		Headers:    defaultHeaders,
		Body:       string(body),
	}
}

func badRequest(message string) *Response {
	return &Response{
		StatusCode: http.StatusBadRequest,
		Headers:    defaultHeaders,
		Body:       fmt.Sprintf(`{"error":%q}`, message),
	}
}

func jsonResponse(statusCode int, v interface{}) *Response {
	body, _ := json.Marshal(v)
	return &Response{
		StatusCode: statusCode,
		Headers:    defaultHeaders,
		Body:       string(body),
	}
}

func idsOrEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// batchJSON renders a batch snapshot with decoded lineage pointers.
func batchJSON(b *models.Batch) map[string]interface{} {
	return map[string]interface{}{
		"batchId":        b.ID,
		"farmerId":       b.FarmerID,
		"distributorId":  b.DistributorID,
		"cropType":       b.CropType,
		"quantity":       b.Quantity,
		"qualityGrade":   b.QualityGrade,
		"confidence":     b.Confidence,
		"status":         b.Status,
		"parentBatchIds": idsOrEmpty(b.ParentBatchIDs()),
		"childBatchIds":  idsOrEmpty(b.ChildBatchIDs()),
		"qrCodeUrl":      b.QRCodeURL,
		"createdAt":      b.CreatedAt,
		"updatedAt":      b.UpdatedAt,
	}
}

func batchListJSON(batches []models.Batch) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(batches))
	for i := range batches {
		out = append(out, batchJSON(&batches[i]))
	}
	return out
}

// InfoHandler returns node information.
func (sr *ServiceRegistry) InfoHandler(req *Request) (*Response, error) {
	return jsonResponse(http.StatusOK, map[string]interface{}{
		"service": "farmchainx-core",
		"type":    "batch lifecycle and traceability node",
		"status":  "active",
	}), nil
}

// PlantBatchHandler creates a new batch at planting.
func (sr *ServiceRegistry) PlantBatchHandler(req *Request) (*Response, error) {
	var body struct {
		FarmerID string  `json:"farmerId"`
		CropType string  `json:"cropType"`
		Quantity float64 `json:"quantity"`
		Variety  string  `json:"variety"`
		SoilType string  `json:"soilType"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return badRequest(fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}

	actor := lifecycle.Actor{ID: body.FarmerID, Role: "FARMER"}
	batch, repoErr := sr.engine.PlantBatch(actor, body.CropType, body.Quantity, body.Variety, body.SoilType)
	if repoErr != nil {
		return errorResponse(repoErr), nil
	}

	return jsonResponse(http.StatusCreated, batchJSON(batch)), nil
}

// ListFarmerBatchesHandler returns all batches owned by a farmer.
func (sr *ServiceRegistry) ListFarmerBatchesHandler(req *Request) (*Response, error) {
	farmerID := pathSegment(req.Path, 3)
	if farmerID == "" {
		return badRequest("farmerId is required"), nil
	}

	batches, repoErr := sr.repo.ListBatchesByFarmer(farmerID)
	if repoErr != nil {
		return errorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, batchListJSON(batches)), nil
}

// ListPendingBatchesHandler returns batches awaiting distributor review.
func (sr *ServiceRegistry) ListPendingBatchesHandler(req *Request) (*Response, error) {
	batches, repoErr := sr.repo.ListPendingBatches()
	if repoErr != nil {
		return errorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, batchListJSON(batches)), nil
}

// ListBatchCropsHandler returns the crop records attached to a batch.
func (sr *ServiceRegistry) ListBatchCropsHandler(req *Request) (*Response, error) {
	batchID := pathSegment(req.Path, 2)

	crops, repoErr := sr.repo.ListCropsByBatch(batchID)
	if repoErr != nil {
		return errorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, crops), nil
}

// UpdateStatusHandler advances a batch's lifecycle status. A request carrying
// status QUALITY_UPDATED is the quality annotation path: it records the grade
// without moving the batch forward.
func (sr *ServiceRegistry) UpdateStatusHandler(req *Request) (*Response, error) {
	batchID := pathSegment(req.Path, 2)

	var body struct {
		Status       string   `json:"status"`
		UserID       string   `json:"userId"`
		QualityGrade string   `json:"qualityGrade"`
		Confidence   *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return badRequest(fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}
	if body.Status == "" {
		return badRequest("status is required"), nil
	}

	actor := lifecycle.Actor{ID: body.UserID, Role: "FARMER"}

	if body.Status == models.EventQualityUpdated {
		batch, repoErr := sr.engine.UpdateQuality(batchID, body.QualityGrade, body.Confidence, actor)
		if repoErr != nil {
			return errorResponse(repoErr), nil
		}
		return jsonResponse(http.StatusOK, batchJSON(batch)), nil
	}

	batch, repoErr := sr.engine.UpdateStatus(batchID, body.Status, actor)
	if repoErr != nil {
		return errorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, batchJSON(batch)), nil
}

// SplitBatchHandler splits a quantity off a batch into a new batch.
func (sr *ServiceRegistry) SplitBatchHandler(req *Request) (*Response, error) {
	batchID := pathSegment(req.Path, 2)

	var body struct {
		Quantity float64 `json:"quantity"`
		UserID   string  `json:"userId"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return badRequest(fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}

	actor := lifecycle.Actor{ID: body.UserID, Role: "FARMER"}
	source, child, repoErr := sr.engine.Split(batchID, body.Quantity, actor)
	if repoErr != nil {
		return errorResponse(repoErr), nil
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"message":  "Batch split successfully",
		"source":   batchJSON(source),
		"newBatch": batchJSON(child),
	}), nil
}

// MergeBatchHandler merges source batches into the target batch.
func (sr *ServiceRegistry) MergeBatchHandler(req *Request) (*Response, error) {
	targetID := pathSegment(req.Path, 3)

	var body struct {
		SourceBatchIDs []string `json:"sourceBatchIds"`
		UserID         string   `json:"userId"`
	}
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		return badRequest(fmt.Sprintf("Invalid request body: %s", err.Error())), nil
	}

	actor := lifecycle.Actor{ID: body.UserID, Role: "FARMER"}
	target, sources, repoErr := sr.engine.Merge(targetID, body.SourceBatchIDs, actor)
	if repoErr != nil {
		return errorResponse(repoErr), nil
	}

	return jsonResponse(http.StatusOK, map[string]interface{}{
		"message": "Batches merged successfully",
		"target":  batchJSON(target),
		"sources": batchListJSON(sources),
	}), nil
}

// DistributorApproveHandler assigns a distributor to a listed batch.
func (sr *ServiceRegistry) DistributorApproveHandler(req *Request) (*Response, error) {
	batchID := pathSegment(req.Path, 4)
	distributorID := pathSegment(req.Path, 5)
	if batchID == "" || distributorID == "" {
		return badRequest("batchId and distributorId are required"), nil
	}

	batch, repoErr := sr.engine.DistributorApprove(batchID, distributorID)
	if repoErr != nil {
		return errorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, batchJSON(batch)), nil
}

// DistributorRejectHandler records a distributor rejection.
func (sr *ServiceRegistry) DistributorRejectHandler(req *Request) (*Response, error) {
	batchID := pathSegment(req.Path, 4)
	distributorID := pathSegment(req.Path, 5)
	if batchID == "" || distributorID == "" {
		return badRequest("batchId and distributorId are required"), nil
	}

	batch, repoErr := sr.engine.DistributorReject(batchID, distributorID)
	if repoErr != nil {
		return errorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, batchJSON(batch)), nil
}

// ProcessDailyHarvestHandler runs the daily bulk harvest for a farmer.
func (sr *ServiceRegistry) ProcessDailyHarvestHandler(req *Request) (*Response, error) {
	farmerID := pathSegment(req.Path, 3)
	if farmerID == "" {
		return badRequest("farmerId is required"), nil
	}

	result, repoErr := sr.engine.ProcessDailyHarvest(farmerID)
	if repoErr != nil {
		return errorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, result), nil
}

// GetTraceHandler returns the full provenance chain for a batch.
func (sr *ServiceRegistry) GetTraceHandler(req *Request) (*Response, error) {
	batchID := pathSegment(req.Path, 2)

	result, repoErr := sr.traceSvc.GetTrace(batchID)
	if repoErr != nil {
		return errorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, result), nil
}

// AdminListCropsHandler returns every crop record for the admin view.
func (sr *ServiceRegistry) AdminListCropsHandler(req *Request) (*Response, error) {
	crops, repoErr := sr.repo.ListAllCrops()
	if repoErr != nil {
		return errorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, crops), nil
}

// BatchStatusReportHandler returns batch counts grouped by status.
func (sr *ServiceRegistry) BatchStatusReportHandler(req *Request) (*Response, error) {
	counts, repoErr := sr.repo.CountBatchesByStatus()
	if repoErr != nil {
		return errorResponse(repoErr), nil
	}
	return jsonResponse(http.StatusOK, counts), nil
}

package srvreg

import (
	"fmt"
	"net/http"
	"strings"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/farmchainx/farmchainx-core/lifecycle"
	"github.com/farmchainx/farmchainx-core/repository"
	"github.com/farmchainx/farmchainx-core/trace"
)

// Request represents an incoming HTTP request.
type Request struct {
	Method string
	Path   string
	Body   string
}

// Response represents an HTTP response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string
}

// HandlerFunc is a function that handles a request.
type HandlerFunc func(*Request) (*Response, error)

// ServiceRegistry manages all service handlers.
type ServiceRegistry struct {
	handlers map[string]map[string]HandlerFunc
	repo     *repository.Repository
	engine   *lifecycle.Engine
	traceSvc *trace.Service
	logger   cmtlog.Logger
}

var defaultHeaders = map[string]string{
	"Content-Type": "application/json",
}

// NewServiceRegistry creates a new service registry.
func NewServiceRegistry(repo *repository.Repository, engine *lifecycle.Engine, traceSvc *trace.Service, logger cmtlog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		handlers: make(map[string]map[string]HandlerFunc),
		repo:     repo,
		engine:   engine,
		traceSvc: traceSvc,
		logger:   logger,
	}
}

// RegisterHandler registers a handler for a specific method and path.
func (sr *ServiceRegistry) RegisterHandler(method, path string, handler HandlerFunc) {
	if sr.handlers[method] == nil {
		sr.handlers[method] = make(map[string]HandlerFunc)
	}
	sr.handlers[method][path] = handler
	sr.logger.Info("Registered handler", "method", method, "path", path)
}

// GetHandlerForPath finds the handler for a given method and path.
func (sr *ServiceRegistry) GetHandlerForPath(method, path string) (HandlerFunc, bool) {
	methodHandlers, exists := sr.handlers[method]
	if !exists {
		return nil, false
	}

	// Try exact match first
	if handler, exists := methodHandlers[path]; exists {
		return handler, true
	}

	// Try pattern matching for paths with parameters. Several patterns
	// can match the same path (e.g. "farmer/:id" and ":id/trace" both
	// match "/api/batches/farmer/trace"); the most specific one wins so
	// resolution never depends on map iteration order.
	var bestPattern string
	var bestHandler HandlerFunc
	for pattern, handler := range methodHandlers {
		if !matchPath(pattern, path) {
			continue
		}
		if bestHandler == nil || moreSpecific(pattern, bestPattern) {
			bestPattern = pattern
			bestHandler = handler
		}
	}
	if bestHandler != nil {
		return bestHandler, true
	}

	return nil, false
}

// moreSpecific reports whether pattern a should be preferred over b when both
// match a path: literal segments beat parameters left to right, with pattern
// order as the final tie break.
func moreSpecific(a, b string) bool {
	aParts := strings.Split(a, "/")
	bParts := strings.Split(b, "/")
	for i := 0; i < len(aParts) && i < len(bParts); i++ {
		aParam := strings.HasPrefix(aParts[i], ":")
		bParam := strings.HasPrefix(bParts[i], ":")
		if aParam != bParam {
			return bParam
		}
	}
	return a < b
}

// matchPath checks if a path matches a pattern with parameters.
// It supports patterns like "/api/batches/:id/trace" matching
// "/api/batches/BAT-123/trace".
func matchPath(pattern, path string) bool {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")

	if len(patternParts) != len(pathParts) {
		return false
	}

	for i := 0; i < len(patternParts); i++ {
		if strings.HasPrefix(patternParts[i], ":") {
			// This is a parameter, it matches anything
			continue
		}
		if patternParts[i] != pathParts[i] {
			return false
		}
	}

	return true
}

// pathSegment extracts the idx-th segment of a path, zero based after the
// leading slash.
func pathSegment(path string, idx int) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if idx < 0 || idx >= len(parts) {
		return ""
	}
	return parts[idx]
}

// RegisterDefaultServices sets up all batch lifecycle endpoints.
func (sr *ServiceRegistry) RegisterDefaultServices() {
	sr.logger.Info("Registering batch lifecycle services...")

	// Batch lifecycle endpoints
	sr.RegisterHandler("POST", "/api/batches", sr.PlantBatchHandler)
	sr.RegisterHandler("GET", "/api/batches/farmer/:id", sr.ListFarmerBatchesHandler)
	sr.RegisterHandler("GET", "/api/batches/pending", sr.ListPendingBatchesHandler)
	sr.RegisterHandler("GET", "/api/batches/:id/crops", sr.ListBatchCropsHandler)
	sr.RegisterHandler("PUT", "/api/batches/:id/status", sr.UpdateStatusHandler)
	sr.RegisterHandler("POST", "/api/batches/:id/split", sr.SplitBatchHandler)
	sr.RegisterHandler("POST", "/api/batches/merge/:targetId", sr.MergeBatchHandler)
	sr.RegisterHandler("PUT", "/api/batches/distributor/approve/:batchId/:distributorId", sr.DistributorApproveHandler)
	sr.RegisterHandler("PUT", "/api/batches/distributor/reject/:batchId/:distributorId", sr.DistributorRejectHandler)
	sr.RegisterHandler("POST", "/api/batches/process-daily-harvest/:farmerId", sr.ProcessDailyHarvestHandler)
	sr.RegisterHandler("GET", "/api/batches/:id/trace", sr.GetTraceHandler)

	// Admin read-only endpoints
	sr.RegisterHandler("GET", "/api/admin/crops", sr.AdminListCropsHandler)
	sr.RegisterHandler("GET", "/api/admin/reports/batch-status", sr.BatchStatusReportHandler)

	// Info endpoint
	sr.RegisterHandler("GET", "/info", sr.InfoHandler)

	sr.logger.Info("All services registered")
}

// GenerateResponse executes the request and generates a response.
func (req *Request) GenerateResponse(services *ServiceRegistry) (*Response, error) {
	handler, found := services.GetHandlerForPath(req.Method, req.Path)

	if !found {
		return &Response{
			StatusCode: http.StatusNotFound,
			Headers:    defaultHeaders,
			Body:       fmt.Sprintf(`{"error":"Service not found for %s %s"}`, req.Method, req.Path),
		}, nil
	}

	return handler(req)
}

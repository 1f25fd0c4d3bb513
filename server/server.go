package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/farmchainx/farmchainx-core/srvreg"
)

// WebServer handles HTTP requests for the batch lifecycle node.
type WebServer struct {
	httpAddr        string
	server          *http.Server
	serviceRegistry *srvreg.ServiceRegistry
	logger          cmtlog.Logger
	startTime       time.Time
}

// NewWebServer creates the lifecycle web server.
func NewWebServer(httpPort string, serviceRegistry *srvreg.ServiceRegistry, logger cmtlog.Logger) *WebServer {
	mux := http.NewServeMux()

	ws := &WebServer{
		httpAddr: ":" + httpPort,
		server: &http.Server{
			Addr:    ":" + httpPort,
			Handler: mux,
		},
		serviceRegistry: serviceRegistry,
		logger:          logger,
		startTime:       time.Now(),
	}

	// Register routes
	mux.HandleFunc("/", ws.handleRoot)
	mux.HandleFunc("/info", ws.handleRegistry)
	mux.HandleFunc("/api/", ws.handleRegistry)

	return ws
}

// Start starts the web server.
func (ws *WebServer) Start() error {
	ws.logger.Info("Starting batch lifecycle web server", "addr", ws.httpAddr)

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.Error("Web server error", "err", err)
		}
	}()

	ws.logger.Info("Web server started")
	return nil
}

// Shutdown gracefully shuts down the web server.
func (ws *WebServer) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down web server...")
	return ws.server.Shutdown(ctx)
}

// handleRoot shows a plain service summary.
func (ws *WebServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(ws.startTime).Round(time.Second)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"service":"farmchainx-core","status":"active","uptime":%q}`, uptime.String())
}

// handleRegistry routes a request through the service registry.
func (ws *WebServer) handleRegistry(w http.ResponseWriter, r *http.Request) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	req := &srvreg.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Body:   string(bodyBytes),
	}

	response, err := req.GenerateResponse(ws.serviceRegistry)
	if err != nil {
		ws.logger.Error("Error generating response", "path", r.URL.Path, "err", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeResponse(w, response)
}

// writeResponse writes a Response to http.ResponseWriter.
func writeResponse(w http.ResponseWriter, resp *srvreg.Response) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write([]byte(resp.Body))
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := map[string]string{
		"error": message,
	}
	json.NewEncoder(w).Encode(errorResp)
}

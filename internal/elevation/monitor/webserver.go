// Package monitor serves the published elevation map and the pipeline's
// counters over HTTP.
package monitor

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/banshee-data/elevation.map/internal/elevation/export"
	"github.com/banshee-data/elevation.map/internal/elevation/grid"
	"github.com/banshee-data/elevation.map/internal/elevation/storage/sqlite"
	"github.com/banshee-data/elevation.map/internal/monitoring"
)

//go:embed status.html
var statusFS embed.FS

var statusTemplate = template.Must(template.ParseFS(statusFS, "status.html"))

// Source yields the most recently published snapshot. *export.Latest
// implements it.
type Source interface {
	Snapshot() (grid.Snapshot, bool)
}

// History lists and loads persisted snapshots. *sqlite.SnapshotStore
// implements it.
type History interface {
	SessionID() string
	List(ctx context.Context, sessionID string) ([]*sqlite.SnapshotRecord, error)
	LoadMessage(ctx context.Context, snapshotID string) (export.Message, error)
}

// AdminRoutes mounts extra debug handlers, e.g. the SQLite browser.
type AdminRoutes interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

// StatusFunc reports one component's counters for /api/status.
type StatusFunc func() any

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address string
	Source  Source
	// History is optional; the snapshot routes answer 404 without it.
	History History
	Admin   AdminRoutes
	// PNGDir is the directory PNG exports are written to, served under /png/.
	PNGDir string
	Status map[string]StatusFunc
}

// WebServer handles the HTTP interface for the elevation map.
type WebServer struct {
	address string
	source  Source
	history History
	admin   AdminRoutes
	pngDir  string
	status  map[string]StatusFunc
	server  *http.Server
	started time.Time
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address: config.Address,
		source:  config.Source,
		history: config.History,
		admin:   config.Admin,
		pngDir:  config.PNGDir,
		status:  config.Status,
		started: time.Now(),
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("[HTTP] listening on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	monitoring.Logf("[HTTP] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("[HTTP] shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Logf("[HTTP] force close error: %v", err)
		}
	}
	monitoring.Logf("[HTTP] stopped")
	return nil
}

// Handler returns the route table.
func (ws *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/{$}", ws.handleIndex)
	mux.HandleFunc("/api/status", ws.handleStatus)

	mux.HandleFunc("/map.json", ws.handleMapJSON)
	mux.HandleFunc("/map.yaml", ws.handleMapYAML)
	mux.HandleFunc("/map.html", ws.handleMapHTML)
	mux.HandleFunc("/map.png", ws.handleMapPNG)
	mux.HandleFunc("/map.pb", ws.handleMapWire)

	mux.HandleFunc("/api/snapshots", ws.handleSnapshots)
	mux.HandleFunc("/api/snapshots/{id}", ws.handleSnapshot)
	mux.HandleFunc("/png/{name}", ws.handlePNGFile)

	if ws.admin != nil {
		ws.admin.AttachAdminRoutes(mux)
	}
	return mux
}

package monitor

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/elevation.map/internal/elevation/export"
	"github.com/banshee-data/elevation.map/internal/elevation/grid"
	"github.com/banshee-data/elevation.map/internal/elevation/storage/sqlite"
	"github.com/banshee-data/elevation.map/internal/httputil"
	"github.com/banshee-data/elevation.map/internal/security"
	"github.com/banshee-data/elevation.map/internal/version"
)

const (
	defaultPNGPixels = 600
	minPNGPixels     = 64
	maxPNGPixels     = 4096
)

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
}

func (ws *WebServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	data := struct {
		Version string
		GitSHA  string
		Map     *export.MapInfo
		History bool
	}{Version: version.Version, GitSHA: version.GitSHA, History: ws.history != nil}
	if snap, ok := ws.source.Snapshot(); ok {
		info := export.InfoFromSnapshot(snap)
		data.Map = &info
	}

	err := httputil.Render(w, "text/html; charset=utf-8", func(out io.Writer) error {
		return statusTemplate.Execute(out, data)
	})
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render status page: %v", err))
	}
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	resp := map[string]any{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
		"uptime":     time.Since(ws.started).Round(time.Second).String(),
	}
	if snap, ok := ws.source.Snapshot(); ok {
		resp["map"] = export.InfoFromSnapshot(snap)
	}
	for name, fn := range ws.status {
		resp[name] = fn()
	}
	httputil.WriteJSONOK(w, resp)
}

// latest returns the current snapshot or writes 503 before the first.
func (ws *WebServer) latest(w http.ResponseWriter, r *http.Request) (grid.Snapshot, bool) {
	if !httputil.RequireGET(w, r) {
		return grid.Snapshot{}, false
	}
	snap, ok := ws.source.Snapshot()
	if !ok {
		httputil.ServiceUnavailable(w, "no map published yet")
	}
	return snap, ok
}

func (ws *WebServer) handleMapJSON(w http.ResponseWriter, r *http.Request) {
	if snap, ok := ws.latest(w, r); ok {
		writeSnapshot(w, r, snap, "json")
	}
}

func (ws *WebServer) handleMapYAML(w http.ResponseWriter, r *http.Request) {
	if snap, ok := ws.latest(w, r); ok {
		writeSnapshot(w, r, snap, "yaml")
	}
}

func (ws *WebServer) handleMapHTML(w http.ResponseWriter, r *http.Request) {
	if snap, ok := ws.latest(w, r); ok {
		writeSnapshot(w, r, snap, "html")
	}
}

func (ws *WebServer) handleMapPNG(w http.ResponseWriter, r *http.Request) {
	if snap, ok := ws.latest(w, r); ok {
		writeSnapshot(w, r, snap, "png")
	}
}

func (ws *WebServer) handleMapWire(w http.ResponseWriter, r *http.Request) {
	if snap, ok := ws.latest(w, r); ok {
		writeSnapshot(w, r, snap, "pb")
	}
}

// handleSnapshots lists the persisted snapshots of a session.
// Query params:
//
//	session (optional, defaults to the running session)
func (ws *WebServer) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if ws.history == nil {
		httputil.NotFound(w, "no database configured for snapshot history")
		return
	}
	session := r.URL.Query().Get("session")
	if session == "" {
		session = ws.history.SessionID()
	}
	recs, err := ws.history.List(r.Context(), session)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("list snapshots: %v", err))
		return
	}
	if recs == nil {
		recs = []*sqlite.SnapshotRecord{}
	}
	httputil.WriteJSONOK(w, map[string]any{"session_id": session, "snapshots": recs})
}

// handleSnapshot renders one persisted snapshot.
// Query params:
//
//	format (optional: json, yaml, html, png or pb; default json)
//	size (optional, png pixels)
func (ws *WebServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if ws.history == nil {
		httputil.NotFound(w, "no database configured for snapshot history")
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if !validFormat(format) {
		httputil.BadRequest(w, fmt.Sprintf("unknown format %q", format))
		return
	}
	id := r.PathValue("id")
	msg, err := ws.history.LoadMessage(r.Context(), id)
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("snapshot %s: %v", id, err))
		return
	}
	snap, err := msg.Snapshot()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("decode snapshot %s: %v", id, err))
		return
	}
	writeSnapshot(w, r, snap, format)
}

// handlePNGFile serves a file written by the PNG exporter.
func (ws *WebServer) handlePNGFile(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireGET(w, r) {
		return
	}
	if ws.pngDir == "" {
		httputil.NotFound(w, "png export is disabled")
		return
	}
	path, err := security.FileInDirectory(ws.pngDir, r.PathValue("name"), ".png")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	http.ServeFile(w, r, path)
}

func validFormat(f string) bool {
	switch f {
	case "json", "yaml", "html", "png", "pb":
		return true
	}
	return false
}

// writeSnapshot renders snap in the given format. Renderers that need at
// least one observed cell answer 404 on an empty map.
func writeSnapshot(w http.ResponseWriter, r *http.Request, snap grid.Snapshot, format string) {
	var (
		contentType string
		render      func(io.Writer) error
	)
	switch format {
	case "json":
		httputil.WriteJSONOK(w, export.FromSnapshot(snap))
		return
	case "yaml":
		contentType = "application/yaml"
		render = func(out io.Writer) error { return export.WriteYAML(out, snap) }
	case "html":
		contentType = "text/html; charset=utf-8"
		render = func(out io.Writer) error { return export.WriteHTML(out, snap) }
	case "png":
		px, err := pngPixels(r)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		contentType = "image/png"
		render = func(out io.Writer) error { return export.WritePNG(out, snap, vg.Length(px)*vg.Inch/96) }
	case "pb":
		contentType = "application/x-protobuf"
		render = func(out io.Writer) error {
			b, err := export.MarshalWire(export.FromSnapshot(snap))
			if err != nil {
				return err
			}
			_, err = out.Write(b)
			return err
		}
	default:
		httputil.BadRequest(w, fmt.Sprintf("unknown format %q", format))
		return
	}

	err := httputil.Render(w, contentType, render)
	switch {
	case errors.Is(err, export.ErrNothingObserved):
		httputil.NotFound(w, "map has no observed cells")
	case err != nil:
		httputil.InternalServerError(w, fmt.Sprintf("render %s: %v", format, err))
	}
}

// pngPixels reads the optional size query parameter.
func pngPixels(r *http.Request) (int, error) {
	s := strings.TrimSpace(r.URL.Query().Get("size"))
	if s == "" {
		return defaultPNGPixels, nil
	}
	px, err := strconv.Atoi(s)
	if err != nil || px < minPNGPixels || px > maxPNGPixels {
		return 0, fmt.Errorf("size must be an integer between %d and %d", minPNGPixels, maxPNGPixels)
	}
	return px, nil
}

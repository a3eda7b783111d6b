package sqlite

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/elevation.map/internal/elevation/export"
	"github.com/banshee-data/elevation.map/internal/elevation/grid"
)

// SnapshotRecord is the metadata row of one exported map.
type SnapshotRecord struct {
	SnapshotID     string   `json:"snapshot_id"`
	SessionID      string   `json:"session_id"`
	TakenUnixNanos int64    `json:"taken_unix_nanos"`
	StampUnixNanos int64    `json:"stamp_unix_nanos"`
	Rows           int      `json:"rows"`
	Cols           int      `json:"cols"`
	Length         float64  `json:"length"`
	Width          float64  `json:"width"`
	OriginX        float64  `json:"origin_x"`
	OriginY        float64  `json:"origin_y"`
	OriginZ        float64  `json:"origin_z"`
	OriginYaw      float64  `json:"origin_yaw"`
	ObservedCells  int      `json:"observed_cells"`
	HeightMin      *float64 `json:"height_min,omitempty"`
	HeightMax      *float64 `json:"height_max,omitempty"`
}

// SnapshotStore appends exported snapshots to one session. It implements
// export.Exporter.
type SnapshotStore struct {
	db        *DB
	sessionID string
	now       func() time.Time
}

// NewSnapshotStore registers a new session for a map described by md.
// configJSON is stored verbatim for later reference and may be nil.
func NewSnapshotStore(db *DB, md grid.Metadata, configJSON []byte) (*SnapshotStore, error) {
	s := &SnapshotStore{db: db, sessionID: uuid.New().String(), now: time.Now}

	var cfg interface{}
	if len(configJSON) > 0 {
		cfg = string(configJSON)
	}
	err := retryOnBusy(func() error {
		_, err := db.Exec(`
			INSERT INTO elevation_sessions (
				session_id, started_unix_nanos, parent_frame_id, map_frame_id, resolution, config_json
			) VALUES (?, ?, ?, ?, ?, ?)`,
			s.sessionID, s.now().UnixNano(), string(md.ParentFrame), string(md.MapFrame), md.Resolution, cfg,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// SessionID returns the id of the session this store writes to.
func (s *SnapshotStore) SessionID() string { return s.sessionID }

// Export implements export.Exporter by inserting the snapshot.
func (s *SnapshotStore) Export(ctx context.Context, snap grid.Snapshot) error {
	_, err := s.Insert(ctx, snap)
	return err
}

// Insert stores snap and returns the new snapshot id.
func (s *SnapshotStore) Insert(ctx context.Context, snap grid.Snapshot) (string, error) {
	blob, err := encodeGrid(export.FromSnapshot(snap))
	if err != nil {
		return "", err
	}

	info := export.InfoFromSnapshot(snap)
	var stamp int64
	if !snap.LastUpdate.IsZero() {
		stamp = snap.LastUpdate.UnixNano()
	}
	var hMin, hMax interface{}
	if info.HeightMin != nil {
		hMin, hMax = *info.HeightMin, *info.HeightMax
	}

	id := uuid.New().String()
	err = retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO elevation_snapshots (
				snapshot_id, session_id, taken_unix_nanos, stamp_unix_nanos,
				grid_rows, grid_cols, length, width,
				origin_x, origin_y, origin_z, origin_yaw,
				observed_cells, height_min, height_max, grid_blob
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, s.sessionID, s.now().UnixNano(), stamp,
			snap.Rows, snap.Cols, snap.Length, snap.Width,
			info.Origin.X, info.Origin.Y, info.Origin.Z, info.Origin.Yaw,
			info.ObservedCells, hMin, hMax, blob,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}
	return id, nil
}

// List returns the snapshot metadata of a session, oldest first.
func (s *SnapshotStore) List(ctx context.Context, sessionID string) ([]*SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_id, session_id, taken_unix_nanos, stamp_unix_nanos,
		       grid_rows, grid_cols, length, width,
		       origin_x, origin_y, origin_z, origin_yaw,
		       observed_cells, height_min, height_max
		FROM elevation_snapshots
		WHERE session_id = ?
		ORDER BY taken_unix_nanos ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []*SnapshotRecord
	for rows.Next() {
		var r SnapshotRecord
		var hMin, hMax sql.NullFloat64
		if err := rows.Scan(
			&r.SnapshotID, &r.SessionID, &r.TakenUnixNanos, &r.StampUnixNanos,
			&r.Rows, &r.Cols, &r.Length, &r.Width,
			&r.OriginX, &r.OriginY, &r.OriginZ, &r.OriginYaw,
			&r.ObservedCells, &hMin, &hMax,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if hMin.Valid {
			r.HeightMin = &hMin.Float64
		}
		if hMax.Valid {
			r.HeightMax = &hMax.Float64
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// LoadMessage decodes the stored grid of one snapshot.
func (s *SnapshotStore) LoadMessage(ctx context.Context, snapshotID string) (export.Message, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT grid_blob FROM elevation_snapshots WHERE snapshot_id = ?`, snapshotID,
	).Scan(&blob)
	if err != nil {
		return export.Message{}, fmt.Errorf("load snapshot %s: %w", snapshotID, err)
	}
	return decodeGrid(blob)
}

// encodeGrid compresses the wire-encoded map.
func encodeGrid(m export.Message) ([]byte, error) {
	raw, err := export.MarshalWire(m)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeGrid reverses encodeGrid.
func decodeGrid(blob []byte) (export.Message, error) {
	if len(blob) == 0 {
		return export.Message{}, fmt.Errorf("empty grid blob")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return export.Message{}, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return export.Message{}, fmt.Errorf("failed to decompress grid: %w", err)
	}
	return export.UnmarshalWire(raw)
}

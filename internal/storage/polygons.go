package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const polygonCols = `id, page_id, polygon_key, vertices, total_vertices, sync_id, synced_at, updated_at`

func scanPolygon(row rowScanner) (*Polygon, error) {
	var p Polygon
	var syncID sql.NullInt64
	var syncedAt sql.NullString
	var updatedAt string
	err := row.Scan(&p.ID, &p.PageID, &p.PolygonKey, &p.Vertices, &p.TotalVertices,
		&syncID, &syncedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if syncID.Valid {
		p.SyncID = &syncID.Int64
	}
	if syncedAt.Valid {
		t := parseSQLiteTime(syncedAt.String)
		p.SyncedAt = &t
	}
	p.UpdatedAt = parseSQLiteTime(updatedAt)
	return &p, nil
}

// CreatePolygon inserts a polygon on a page. Keys are unique per page and
// identify the polygon across local edits and upstream pushes.
func (db *DB) CreatePolygon(pageID int64, key, verticesJSON string, totalVertices int) (*Polygon, error) {
	result, err := db.Exec(`
		INSERT INTO polygons (page_id, polygon_key, vertices, total_vertices)
		VALUES (?, ?, ?, ?)
	`, pageID, key, verticesJSON, totalVertices)
	if err != nil {
		return nil, err
	}
	id, _ := result.LastInsertId()
	return &Polygon{
		ID:            id,
		PageID:        pageID,
		PolygonKey:    key,
		Vertices:      verticesJSON,
		TotalVertices: totalVertices,
		UpdatedAt:     time.Now(),
	}, nil
}

// UpdatePolygonVertices replaces a polygon's geometry and marks it dirty
func (db *DB) UpdatePolygonVertices(id int64, verticesJSON string, totalVertices int) error {
	result, err := db.Exec(`UPDATE polygons SET vertices = ?, total_vertices = ?, updated_at = ? WHERE id = ?`,
		verticesJSON, totalVertices, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("polygon %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeletePolygon removes a polygon and dirties its page, so the next
// sync of the workspace diffs the page's keys and sweeps the upstream
// copy.
func (db *DB) DeletePolygon(id int64) error {
	result, err := db.Exec(`
		UPDATE pages SET updated_at = ?
		WHERE id = (SELECT page_id FROM polygons WHERE id = ?)
	`, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("polygon %d: %w", id, ErrNotFound)
	}
	_, err = db.Exec(`DELETE FROM polygons WHERE id = ?`, id)
	return err
}

// ListPolygons returns all polygons on a page in key order
func (db *DB) ListPolygons(pageID int64) ([]Polygon, error) {
	rows, err := db.Query(`SELECT `+polygonCols+` FROM polygons WHERE page_id = ? ORDER BY polygon_key`, pageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Polygon
	for rows.Next() {
		p, err := scanPolygon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// MarkPolygonSynced binds the polygon to its upstream row and stamps the
// sync time
func (db *DB) MarkPolygonSynced(id, syncID int64, at time.Time) error {
	result, err := db.Exec(`UPDATE polygons SET sync_id = ?, synced_at = ? WHERE id = ?`,
		syncID, formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("polygon %d: %w", id, ErrNotFound)
	}
	return nil
}

// PolygonsNeedingSync returns polygons on a page never pushed upstream or
// modified since their last push
func (db *DB) PolygonsNeedingSync(pageID int64) ([]Polygon, error) {
	rows, err := db.Query(`
		SELECT `+polygonCols+` FROM polygons
		WHERE page_id = ?
		  AND (sync_id IS NULL OR synced_at IS NULL OR updated_at > synced_at)
		ORDER BY polygon_key
	`, pageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Polygon
	for rows.Next() {
		p, err := scanPolygon(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

package storage

import (
	"database/sql"
	"fmt"
	"time"
)

const pageCols = `id, workspace_id, page_number, image_path, width, height, scale_ratio, scale_unit, sync_id, synced_at, updated_at`

func scanPage(row rowScanner) (*Page, error) {
	var p Page
	var scaleRatio sql.NullFloat64
	var scaleUnit sql.NullString
	var syncID sql.NullInt64
	var syncedAt sql.NullString
	var updatedAt string
	err := row.Scan(&p.ID, &p.WorkspaceID, &p.PageNumber, &p.ImagePath, &p.Width, &p.Height,
		&scaleRatio, &scaleUnit, &syncID, &syncedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if scaleRatio.Valid {
		p.ScaleRatio = &scaleRatio.Float64
	}
	if scaleUnit.Valid {
		p.ScaleUnit = scaleUnit.String
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

// CreatePage inserts a page for a workspace. Page numbers are unique per
// workspace.
func (db *DB) CreatePage(workspaceID int64, pageNumber int, imagePath string, width, height int) (*Page, error) {
	result, err := db.Exec(`
		INSERT INTO pages (workspace_id, page_number, image_path, width, height)
		VALUES (?, ?, ?, ?, ?)
	`, workspaceID, pageNumber, imagePath, width, height)
	if err != nil {
		return nil, err
	}
	id, _ := result.LastInsertId()
	return &Page{
		ID:          id,
		WorkspaceID: workspaceID,
		PageNumber:  pageNumber,
		ImagePath:   imagePath,
		Width:       width,
		Height:      height,
		UpdatedAt:   time.Now(),
	}, nil
}

// GetPage returns a page by ID
func (db *DB) GetPage(id int64) (*Page, error) {
	p, err := scanPage(db.QueryRow(`SELECT `+pageCols+` FROM pages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("page %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPages returns all pages of a workspace in page order
func (db *DB) ListPages(workspaceID int64) ([]Page, error) {
	rows, err := db.Query(`SELECT `+pageCols+` FROM pages WHERE workspace_id = ? ORDER BY page_number`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SetPageScale records a calibration for the page and marks it dirty
func (db *DB) SetPageScale(id int64, ratio float64, unit string) error {
	result, err := db.Exec(`UPDATE pages SET scale_ratio = ?, scale_unit = ?, updated_at = ? WHERE id = ?`,
		ratio, unit, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("page %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkPageSynced binds the page to its upstream row and stamps the sync time
func (db *DB) MarkPageSynced(id, syncID int64, at time.Time) error {
	result, err := db.Exec(`UPDATE pages SET sync_id = ?, synced_at = ? WHERE id = ?`,
		syncID, formatTime(at), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("page %d: %w", id, ErrNotFound)
	}
	return nil
}

// PagesNeedingSync returns pages never pushed upstream or modified since
// their last push. String comparison is safe because all timestamps share
// one format.
func (db *DB) PagesNeedingSync(workspaceID int64) ([]Page, error) {
	rows, err := db.Query(`
		SELECT `+pageCols+` FROM pages
		WHERE workspace_id = ?
		  AND (sync_id IS NULL OR synced_at IS NULL OR updated_at > synced_at)
		ORDER BY page_number
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CountUnsyncedTree counts dirty pages plus dirty polygons under a
// workspace. Zero with a bound sync_id means the tree is clean and the
// executor can skip the push entirely.
func (db *DB) CountUnsyncedTree(workspaceID int64) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT
		  (SELECT COUNT(*) FROM pages
		   WHERE workspace_id = ?1
		     AND (sync_id IS NULL OR synced_at IS NULL OR updated_at > synced_at))
		+ (SELECT COUNT(*) FROM polygons p
		   JOIN pages pg ON p.page_id = pg.id
		   WHERE pg.workspace_id = ?1
		     AND (p.sync_id IS NULL OR p.synced_at IS NULL OR p.updated_at > p.synced_at))
	`, workspaceID).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

package tto

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSchemaVersion is the TTO table layout this build expects.
const PGSchemaVersion = 1

const pgSchemaName = "tto"

//go:embed schemas/tto_v1.sql
var pgSchemaSQL string

// PGConfig tunes the connection pool behind a PGStore.
type PGConfig struct {
	ConnectTimeout  time.Duration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPGConfig returns settings suitable for a daemon that syncs a
// handful of workspaces at a time.
func DefaultPGConfig() PGConfig {
	return PGConfig{
		ConnectTimeout:  5 * time.Second,
		MaxConns:        4,
		MinConns:        0,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// PGStore implements API against a self-hosted TTO Postgres database,
// for deployments that skip the hosted Logic Apps endpoints entirely.
type PGStore struct {
	pool       *pgxpool.Pool
	userEmail  string
	actorEmail string
}

// NewPGStore connects to Postgres and pins every connection to the tto
// schema. The schema is created on first contact if it does not exist.
func NewPGStore(ctx context.Context, connString, userEmail, actorEmail string, cfg PGConfig) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		ident := pgx.Identifier{pgSchemaName}.Sanitize()
		if _, err := conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
			return fmt.Errorf("create schema %s: %w", pgSchemaName, err)
		}
		if _, err := conn.Exec(ctx, "SET search_path TO "+ident); err != nil {
			return fmt.Errorf("set search_path: %w", err)
		}
		return nil
	}

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PGStore{pool: pool, userEmail: userEmail, actorEmail: actorEmail}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	for _, stmt := range pgSchemaStatements() {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply tto schema: %w", err)
		}
	}
	var version int
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version == 0 {
		if _, err := s.pool.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, PGSchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	}
	if version != PGSchemaVersion {
		return fmt.Errorf("tto schema version %d, this build expects %d", version, PGSchemaVersion)
	}
	return nil
}

// pgSchemaStatements splits the embedded schema into single statements,
// skipping chunks that are only comments or whitespace.
func pgSchemaStatements() []string {
	var stmts []string
	for _, chunk := range strings.Split(pgSchemaSQL, ";") {
		clean := false
		for _, line := range strings.Split(chunk, "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "--") {
				clean = true
				break
			}
		}
		if clean {
			stmts = append(stmts, chunk)
		}
	}
	return stmts
}

// ListProjectsByUser returns the caller's live projects.
func (s *PGStore) ListProjectsByUser(ctx context.Context) ([]RemoteProject, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_id, project_name, file_link
		FROM projects
		WHERE user_email = $1 AND deleted_at IS NULL
		ORDER BY project_id
	`, s.userEmail)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []RemoteProject
	for rows.Next() {
		var p RemoteProject
		if err := rows.Scan(&p.ProjectID, &p.ProjectName, &p.FileLink); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// CreateProject inserts a project owned by the configured user.
func (s *PGStore) CreateProject(ctx context.Context, name, fileLink string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO projects (project_name, file_link, user_email, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING project_id
	`, name, fileLink, s.userEmail, s.actorEmail).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create project: %w", err)
	}
	return id, nil
}

// UpdateProject renames a project or changes its status. Empty fields
// keep their current value, matching the hosted endpoint's behavior.
func (s *PGStore) UpdateProject(ctx context.Context, projectID int64, name, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE projects SET
			project_name = COALESCE(NULLIF($2, ''), project_name),
			project_status = COALESCE(NULLIF($3, ''), project_status),
			modified_by = $4,
			modified_at = NOW()
		WHERE project_id = $1 AND deleted_at IS NULL
	`, projectID, name, status, s.actorEmail)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update project: project %d not found", projectID)
	}
	return nil
}

// ListPagesForProject returns the pages recorded under a project.
func (s *PGStore) ListPagesForProject(ctx context.Context, projectID int64) ([]RemotePage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT page_id, project_id, page_nb
		FROM pages
		WHERE project_id = $1
		ORDER BY page_nb
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []RemotePage
	for rows.Next() {
		var p RemotePage
		if err := rows.Scan(&p.PageID, &p.ProjectID, &p.PageNB); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// CreatePage inserts a page under its project.
func (s *PGStore) CreatePage(ctx context.Context, up PageUpload) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO pages (project_id, page_nb, picture_link, scale, confirmed_scale,
			unit, image_height, image_width, pdf_height, pdf_width, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING page_id
	`, up.ProjectID, up.PageNB, up.PictureLink, up.Scale, confirmedScale(up.Scale),
		up.Unit, up.ImageHeight, up.ImageWidth, up.PDFHeight, up.PDFWidth, s.actorEmail).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create page: %w", err)
	}
	return id, nil
}

// UpdatePage rewrites a page's attributes in place.
func (s *PGStore) UpdatePage(ctx context.Context, pageID int64, up PageUpload) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pages SET
			page_nb = $2,
			picture_link = $3,
			scale = $4,
			confirmed_scale = $5,
			unit = $6,
			image_height = $7,
			image_width = $8,
			pdf_height = $9,
			pdf_width = $10,
			modified_by = $11,
			modified_at = NOW()
		WHERE page_id = $1
	`, pageID, up.PageNB, up.PictureLink, up.Scale, confirmedScale(up.Scale),
		up.Unit, up.ImageHeight, up.ImageWidth, up.PDFHeight, up.PDFWidth, s.actorEmail)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update page: page %d not found", pageID)
	}
	return nil
}

// ListPolygonsForPage returns the polygons recorded under a page.
func (s *PGStore) ListPolygonsForPage(ctx context.Context, pageID int64) ([]RemotePolygon, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT polygon_id, project_id, page_id, poly_id
		FROM polygons
		WHERE page_id = $1
		ORDER BY polygon_id
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list polygons: %w", err)
	}
	defer rows.Close()

	var polys []RemotePolygon
	for rows.Next() {
		var p RemotePolygon
		if err := rows.Scan(&p.PolygonID, &p.ProjectID, &p.PageID, &p.PolyID); err != nil {
			return nil, fmt.Errorf("scan polygon: %w", err)
		}
		polys = append(polys, p)
	}
	return polys, rows.Err()
}

// CreatePolygon inserts a polygon under its page.
func (s *PGStore) CreatePolygon(ctx context.Context, up PolygonUpload) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO polygons (project_id, page_id, poly_id, vertices, total_vertices, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING polygon_id
	`, up.ProjectID, up.PageID, up.PolyID, up.Vertices, up.TotalVertices, s.actorEmail).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create polygon: %w", err)
	}
	return id, nil
}

// UpdatePolygon rewrites a polygon's geometry in place.
func (s *PGStore) UpdatePolygon(ctx context.Context, polygonID int64, up PolygonUpload) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE polygons SET
			poly_id = $2,
			vertices = $3,
			total_vertices = $4,
			modified_by = $5,
			modified_at = NOW()
		WHERE polygon_id = $1
	`, polygonID, up.PolyID, up.Vertices, up.TotalVertices, s.actorEmail)
	if err != nil {
		return fmt.Errorf("update polygon: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update polygon: polygon %d not found", polygonID)
	}
	return nil
}

// DeletePolygons removes the referenced polygons in one statement.
// References that no longer exist are ignored.
func (s *PGStore) DeletePolygons(ctx context.Context, refs []PolygonRef) error {
	if len(refs) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.PolygonID)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM polygons WHERE polygon_id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete polygons: %w", err)
	}
	return nil
}

func confirmedScale(scale string) string {
	if scale != "" {
		return "Yes"
	}
	return "No"
}

// Package tto talks to the upstream TTO takeoff system. Two
// implementations exist: Client posts JSON to the hosted HTTP
// endpoints, PGStore writes to a self-hosted Postgres database.
// Executor drives either through the API interface.
package tto

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// FlexID is a remote row ID. The hosted endpoints sometimes quote
// numbers or send them as floats, so decoding is tolerant.
type FlexID int64

func (f *FlexID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("parse id %q: %w", s, err)
		}
		n = int64(fl)
	}
	*f = FlexID(n)
	return nil
}

// RemoteProject is a project row as the upstream system reports it
type RemoteProject struct {
	ProjectID   FlexID `json:"project_id"`
	ProjectName string `json:"project_name"`
	FileLink    string `json:"file_link"`
}

// RemotePage is a page row as the upstream system reports it
type RemotePage struct {
	PageID    FlexID `json:"page_id"`
	ProjectID FlexID `json:"project_id"`
	PageNB    int    `json:"page_nb"`
}

// RemotePolygon is a polygon row as the upstream system reports it
type RemotePolygon struct {
	PolygonID FlexID `json:"polygon_id"`
	ProjectID FlexID `json:"project_id"`
	PageID    FlexID `json:"page_id"`
	PolyID    string `json:"poly_id"`
}

// PageUpload carries the page fields pushed on create and update
type PageUpload struct {
	ProjectID   int64
	PageNB      int
	PictureLink string
	Scale       string
	Unit        string
	ImageHeight int
	ImageWidth  int
	PDFHeight   int
	PDFWidth    int
}

// PolygonUpload carries the polygon fields pushed on create and update
type PolygonUpload struct {
	ProjectID     int64
	PageID        int64
	PolyID        string
	Vertices      string // JSON array of [x,y] pairs
	TotalVertices int
}

// PolygonRef identifies a remote polygon for deletion
type PolygonRef struct {
	PolygonID int64  `json:"polygon_id"`
	ProjectID int64  `json:"project_id"`
	PageID    int64  `json:"page_id"`
	PolyID    string `json:"poly_id"`
}

// API is the upstream surface the executor needs. List calls return nil
// when the upstream has no matching rows.
type API interface {
	ListProjectsByUser(ctx context.Context) ([]RemoteProject, error)
	CreateProject(ctx context.Context, name, fileLink string) (int64, error)
	UpdateProject(ctx context.Context, projectID int64, name, status string) error

	ListPagesForProject(ctx context.Context, projectID int64) ([]RemotePage, error)
	CreatePage(ctx context.Context, page PageUpload) (int64, error)
	UpdatePage(ctx context.Context, pageID int64, page PageUpload) error

	ListPolygonsForPage(ctx context.Context, pageID int64) ([]RemotePolygon, error)
	CreatePolygon(ctx context.Context, poly PolygonUpload) (int64, error)
	UpdatePolygon(ctx context.Context, polygonID int64, poly PolygonUpload) error
	DeletePolygons(ctx context.Context, refs []PolygonRef) error
}

// SyncReport summarizes what one workspace sync did at each level
type SyncReport struct {
	WorkspaceID int64
	ProjectID   int64
	Clean       bool // tree was already synced, no remote calls made

	ProjectBound   bool
	ProjectCreated bool
	ProjectUpdated bool

	PagesBound   int
	PagesCreated int
	PagesUpdated int

	PolygonsBound   int
	PolygonsCreated int
	PolygonsUpdated int
	PolygonsDeleted int
}

// Summary renders the report as a single log line
func (r *SyncReport) Summary() string {
	if r.Clean {
		return fmt.Sprintf("workspace %d clean, nothing to push", r.WorkspaceID)
	}
	project := "bound"
	if r.ProjectCreated {
		project = "created"
	}
	if r.ProjectUpdated {
		project += "+updated"
	}
	return fmt.Sprintf("workspace %d -> project %d (%s), pages %d bound / %d created / %d updated, polygons %d bound / %d created / %d updated / %d deleted",
		r.WorkspaceID, r.ProjectID, project,
		r.PagesBound, r.PagesCreated, r.PagesUpdated,
		r.PolygonsBound, r.PolygonsCreated, r.PolygonsUpdated, r.PolygonsDeleted)
}

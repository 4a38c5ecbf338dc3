package tto

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
)

// Progress receives human-readable sync progress lines. The worker
// captures them into per-job transcripts.
type Progress func(format string, args ...interface{})

// Executor pushes a workspace tree upstream through an API
// implementation. It binds local rows to existing remote rows where it
// can, creates what is missing, updates what changed since the last
// push, and sweeps remote polygons that no longer exist locally.
// Terminal workspace status is not its business; the caller settles
// that from the returned report or error.
type Executor struct {
	db  *storage.DB
	api API
}

// NewExecutor creates an executor over the local store and an upstream
func NewExecutor(db *storage.DB, api API) *Executor {
	return &Executor{db: db, api: api}
}

// SyncWorkspace pushes one workspace tree upstream. A tree with a bound
// project and nothing dirty returns a clean report without touching the
// upstream at all.
func (e *Executor) SyncWorkspace(ctx context.Context, workspaceID int64, progress Progress) (*SyncReport, error) {
	if progress == nil {
		progress = func(string, ...interface{}) {}
	}

	ws, err := e.db.GetWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	if ws.SoftDeleted {
		return nil, fmt.Errorf("workspace %d is deleted", workspaceID)
	}

	report := &SyncReport{WorkspaceID: ws.ID}

	needBind := ws.SyncID == nil
	needUpdate := ws.SyncedAt == nil || ws.UpdatedAt.After(*ws.SyncedAt)
	dirty, err := e.db.CountUnsyncedTree(ws.ID)
	if err != nil {
		return nil, fmt.Errorf("scan tree: %w", err)
	}
	if !needBind && !needUpdate && dirty == 0 {
		report.Clean = true
		report.ProjectID = *ws.SyncID
		progress("workspace %d already synced, nothing to push", ws.ID)
		return report, nil
	}

	projectID, err := e.syncProject(ctx, ws, needBind, needUpdate, report, progress)
	if err != nil {
		return nil, err
	}
	report.ProjectID = projectID

	pushedPages, err := e.syncPages(ctx, ws.ID, projectID, report, progress)
	if err != nil {
		return nil, err
	}

	if err := e.syncPolygons(ctx, ws.ID, projectID, pushedPages, report, progress); err != nil {
		return nil, err
	}

	progress("%s", report.Summary())
	return report, nil
}

// syncProject resolves the upstream project for the workspace. A
// workspace without a binding is matched to an existing project by name
// before a new one is created.
func (e *Executor) syncProject(ctx context.Context, ws *storage.Workspace, needBind, needUpdate bool, report *SyncReport, progress Progress) (int64, error) {
	if !needBind {
		projectID := *ws.SyncID
		if needUpdate {
			if err := e.api.UpdateProject(ctx, projectID, ws.Name, ""); err != nil {
				return 0, fmt.Errorf("update project: %w", err)
			}
			if err := e.db.MarkWorkspaceSynced(ws.ID, time.Now()); err != nil {
				return 0, fmt.Errorf("stamp workspace: %w", err)
			}
			report.ProjectUpdated = true
			progress("updated project %d metadata", projectID)
		}
		return projectID, nil
	}

	remote, err := e.api.ListProjectsByUser(ctx)
	if err != nil {
		return 0, fmt.Errorf("list projects: %w", err)
	}
	progress("remote projects for user: %d", len(remote))

	var projectID int64
	for i := range remote {
		if remote[i].ProjectName == ws.Name {
			projectID = int64(remote[i].ProjectID)
			break
		}
	}
	if projectID != 0 {
		report.ProjectBound = true
		progress("bound workspace %q to existing project %d", ws.Name, projectID)
	} else {
		projectID, err = e.api.CreateProject(ctx, ws.Name, ws.PDFPath)
		if err != nil {
			return 0, fmt.Errorf("create project: %w", err)
		}
		report.ProjectCreated = true
		progress("created project %d for workspace %q", projectID, ws.Name)
	}
	if err := e.db.BindWorkspaceSync(ws.ID, projectID, time.Now()); err != nil {
		return 0, fmt.Errorf("bind workspace: %w", err)
	}
	return projectID, nil
}

// syncPages pushes dirty pages and returns the set of page IDs touched
func (e *Executor) syncPages(ctx context.Context, workspaceID, projectID int64, report *SyncReport, progress Progress) (map[int64]bool, error) {
	pages, err := e.db.PagesNeedingSync(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list dirty pages: %w", err)
	}
	progress("pages needing push: %d", len(pages))
	pushed := make(map[int64]bool, len(pages))

	// One remote listing covers every unbound page
	needBind := false
	for i := range pages {
		if pages[i].SyncID == nil {
			needBind = true
			break
		}
	}
	remoteByNB := make(map[int]RemotePage)
	if needBind {
		remotePages, err := e.api.ListPagesForProject(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("list pages: %w", err)
		}
		progress("remote pages listed: %d", len(remotePages))
		for _, rp := range remotePages {
			remoteByNB[rp.PageNB] = rp
		}
	}

	for i := range pages {
		pg := &pages[i]
		pushed[pg.ID] = true
		now := time.Now()

		if pg.SyncID == nil {
			if rp, ok := remoteByNB[pg.PageNumber]; ok {
				remoteID := int64(rp.PageID)
				if err := e.db.MarkPageSynced(pg.ID, remoteID, now); err != nil {
					return nil, fmt.Errorf("bind page %d: %w", pg.PageNumber, err)
				}
				pg.SyncID = &remoteID
				report.PagesBound++
				progress("bound page %d to remote page %d", pg.PageNumber, remoteID)
			} else {
				remoteID, err := e.api.CreatePage(ctx, pageUpload(projectID, pg))
				if err != nil {
					return nil, fmt.Errorf("create page %d: %w", pg.PageNumber, err)
				}
				if err := e.db.MarkPageSynced(pg.ID, remoteID, now); err != nil {
					return nil, fmt.Errorf("bind page %d: %w", pg.PageNumber, err)
				}
				pg.SyncID = &remoteID
				report.PagesCreated++
				progress("created remote page %d for page %d", remoteID, pg.PageNumber)
			}
			continue
		}

		if err := e.api.UpdatePage(ctx, *pg.SyncID, pageUpload(projectID, pg)); err != nil {
			return nil, fmt.Errorf("update page %d: %w", pg.PageNumber, err)
		}
		if err := e.db.MarkPageSynced(pg.ID, *pg.SyncID, now); err != nil {
			return nil, fmt.Errorf("stamp page %d: %w", pg.PageNumber, err)
		}
		report.PagesUpdated++
		progress("updated remote page %d", *pg.SyncID)
	}
	return pushed, nil
}

// syncPolygons pushes dirty polygons page by page, then diffs keys on
// every page touched this run and deletes remote orphans. Cleanup
// failures are logged, not fatal; the orphans get another chance the
// next time the page is pushed.
func (e *Executor) syncPolygons(ctx context.Context, workspaceID, projectID int64, pushedPages map[int64]bool, report *SyncReport, progress Progress) error {
	allPages, err := e.db.ListPages(workspaceID)
	if err != nil {
		return fmt.Errorf("list pages: %w", err)
	}

	for i := range allPages {
		pg := &allPages[i]
		if pg.SyncID == nil {
			continue
		}
		remotePageID := *pg.SyncID

		polys, err := e.db.PolygonsNeedingSync(pg.ID)
		if err != nil {
			return fmt.Errorf("list dirty polygons for page %d: %w", pg.PageNumber, err)
		}

		if len(polys) > 0 {
			needBind := false
			for j := range polys {
				if polys[j].SyncID == nil {
					needBind = true
					break
				}
			}
			remoteByKey := make(map[string]RemotePolygon)
			if needBind {
				remotePolys, err := e.api.ListPolygonsForPage(ctx, remotePageID)
				if err != nil {
					return fmt.Errorf("list polygons for page %d: %w", pg.PageNumber, err)
				}
				for _, rp := range remotePolys {
					remoteByKey[rp.PolyID] = rp
				}
			}

			for j := range polys {
				poly := &polys[j]
				now := time.Now()
				upload := PolygonUpload{
					ProjectID:     projectID,
					PageID:        remotePageID,
					PolyID:        poly.PolygonKey,
					Vertices:      poly.Vertices,
					TotalVertices: poly.TotalVertices,
				}

				if poly.SyncID == nil {
					if rp, ok := remoteByKey[poly.PolygonKey]; ok {
						remoteID := int64(rp.PolygonID)
						if err := e.db.MarkPolygonSynced(poly.ID, remoteID, now); err != nil {
							return fmt.Errorf("bind polygon %s: %w", poly.PolygonKey, err)
						}
						report.PolygonsBound++
						progress("bound polygon %s to remote %d", poly.PolygonKey, remoteID)
					} else {
						remoteID, err := e.api.CreatePolygon(ctx, upload)
						if err != nil {
							return fmt.Errorf("create polygon %s: %w", poly.PolygonKey, err)
						}
						if err := e.db.MarkPolygonSynced(poly.ID, remoteID, now); err != nil {
							return fmt.Errorf("bind polygon %s: %w", poly.PolygonKey, err)
						}
						report.PolygonsCreated++
						progress("created remote polygon %d for %s", remoteID, poly.PolygonKey)
					}
					continue
				}

				if err := e.api.UpdatePolygon(ctx, *poly.SyncID, upload); err != nil {
					return fmt.Errorf("update polygon %s: %w", poly.PolygonKey, err)
				}
				if err := e.db.MarkPolygonSynced(poly.ID, *poly.SyncID, now); err != nil {
					return fmt.Errorf("stamp polygon %s: %w", poly.PolygonKey, err)
				}
				report.PolygonsUpdated++
				progress("updated remote polygon %d", *poly.SyncID)
			}
		}

		if len(polys) == 0 && !pushedPages[pg.ID] {
			continue
		}
		if err := e.cleanupPage(ctx, projectID, pg, report, progress); err != nil {
			progress("cleanup failed for page %d: %v", pg.PageNumber, err)
		}
	}
	return nil
}

// cleanupPage deletes remote polygons on the page whose keys no longer
// exist locally
func (e *Executor) cleanupPage(ctx context.Context, projectID int64, pg *storage.Page, report *SyncReport, progress Progress) error {
	local, err := e.db.ListPolygons(pg.ID)
	if err != nil {
		return err
	}
	localKeys := make(map[string]bool, len(local))
	for _, lp := range local {
		localKeys[lp.PolygonKey] = true
	}

	remotePolys, err := e.api.ListPolygonsForPage(ctx, *pg.SyncID)
	if err != nil {
		return err
	}

	var orphans []PolygonRef
	for _, rp := range remotePolys {
		if rp.PolyID == "" || rp.PolygonID == 0 {
			continue
		}
		if localKeys[rp.PolyID] {
			continue
		}
		ref := PolygonRef{
			PolygonID: int64(rp.PolygonID),
			ProjectID: int64(rp.ProjectID),
			PageID:    int64(rp.PageID),
			PolyID:    rp.PolyID,
		}
		// Some listings omit the parent IDs; fill them from what we
		// listed by
		if ref.ProjectID == 0 {
			ref.ProjectID = projectID
		}
		if ref.PageID == 0 {
			ref.PageID = *pg.SyncID
		}
		orphans = append(orphans, ref)
	}
	if len(orphans) == 0 {
		return nil
	}

	if err := e.api.DeletePolygons(ctx, orphans); err != nil {
		return err
	}
	report.PolygonsDeleted += len(orphans)
	progress("deleted %d orphaned remote polygons on page %d", len(orphans), pg.PageNumber)
	return nil
}

func pageUpload(projectID int64, pg *storage.Page) PageUpload {
	scale := ""
	if pg.ScaleRatio != nil {
		scale = strconv.FormatFloat(*pg.ScaleRatio, 'f', -1, 64)
	}
	return PageUpload{
		ProjectID:   projectID,
		PageNB:      pg.PageNumber,
		PictureLink: pg.ImagePath,
		Scale:       scale,
		Unit:        pg.ScaleUnit,
		ImageHeight: pg.Height,
		ImageWidth:  pg.Width,
		PDFHeight:   pg.Height,
		PDFWidth:    pg.Width,
	}
}

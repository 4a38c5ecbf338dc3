package tto

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
)

func newTestExecutor(t *testing.T) (*Executor, *storage.DB, *TestAPI) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "workspaces.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	api := NewTestAPI()
	return NewExecutor(db, api), db, api
}

// seedTree creates a workspace with two pages and polygons room-1 and
// room-2 on the first page.
func seedTree(t *testing.T, db *storage.DB, name string) (*storage.Workspace, []storage.Page) {
	t.Helper()
	ws, err := db.CreateWorkspace(name, "/plans/"+name+".pdf", "estimator@example.com")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	p1, err := db.CreatePage(ws.ID, 1, "/plans/p1.png", 800, 600)
	if err != nil {
		t.Fatalf("create page 1: %v", err)
	}
	p2, err := db.CreatePage(ws.ID, 2, "/plans/p2.png", 800, 600)
	if err != nil {
		t.Fatalf("create page 2: %v", err)
	}
	if _, err := db.CreatePolygon(p1.ID, "room-1", `[[0,0],[1,0],[1,1]]`, 3); err != nil {
		t.Fatalf("create polygon room-1: %v", err)
	}
	if _, err := db.CreatePolygon(p1.ID, "room-2", `[[2,2],[3,2],[3,3]]`, 3); err != nil {
		t.Fatalf("create polygon room-2: %v", err)
	}
	return ws, []storage.Page{*p1, *p2}
}

func totalCalls(api *TestAPI) int {
	n := 0
	for _, op := range []string{
		opListProjects, opCreateProject, opUpdateProject,
		opListPages, opCreatePage, opUpdatePage,
		opListPolygons, opCreatePolygon, opUpdatePolygon, opDeletePolygon,
	} {
		n += api.CallCount(op)
	}
	return n
}

func TestSyncFreshTreeCreatesEverything(t *testing.T) {
	exec, db, api := newTestExecutor(t)
	ws, _ := seedTree(t, db, "Office Tower")

	report, err := exec.SyncWorkspace(context.Background(), ws.ID, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Clean {
		t.Error("fresh tree reported clean")
	}
	if !report.ProjectCreated || report.ProjectBound {
		t.Errorf("expected project created, got created=%v bound=%v", report.ProjectCreated, report.ProjectBound)
	}
	if report.PagesCreated != 2 || report.PolygonsCreated != 2 {
		t.Errorf("expected 2 pages and 2 polygons created, got %d and %d",
			report.PagesCreated, report.PolygonsCreated)
	}
	if report.ProjectID == 0 {
		t.Fatal("report has no project ID")
	}

	got, err := db.GetWorkspace(ws.ID)
	if err != nil {
		t.Fatalf("get workspace: %v", err)
	}
	if got.SyncID == nil || *got.SyncID != report.ProjectID {
		t.Errorf("workspace binding = %v, want %d", got.SyncID, report.ProjectID)
	}
	if got.SyncedAt == nil {
		t.Error("workspace synced_at not stamped")
	}

	pages, err := db.ListPages(ws.ID)
	if err != nil {
		t.Fatalf("list pages: %v", err)
	}
	for _, pg := range pages {
		if pg.SyncID == nil {
			t.Errorf("page %d not bound after sync", pg.PageNumber)
		}
	}
	polys, err := db.ListPolygons(pages[0].ID)
	if err != nil {
		t.Fatalf("list polygons: %v", err)
	}
	for _, poly := range polys {
		if poly.SyncID == nil {
			t.Errorf("polygon %s not bound after sync", poly.PolygonKey)
		}
	}

	if len(api.Projects) != 1 || api.Projects[0].ProjectName != "Office Tower" {
		t.Errorf("remote projects = %+v", api.Projects)
	}
	if api.Projects[0].FileLink != "/plans/Office Tower.pdf" {
		t.Errorf("remote file link = %q", api.Projects[0].FileLink)
	}
	if len(api.Pages[report.ProjectID]) != 2 {
		t.Errorf("remote pages = %d, want 2", len(api.Pages[report.ProjectID]))
	}

	dirty, err := db.CountUnsyncedTree(ws.ID)
	if err != nil {
		t.Fatalf("count unsynced: %v", err)
	}
	if dirty != 0 {
		t.Errorf("tree still has %d unsynced rows after full sync", dirty)
	}
}

func TestSyncCleanShortCircuit(t *testing.T) {
	exec, db, api := newTestExecutor(t)
	ws, _ := seedTree(t, db, "Depot")

	if _, err := exec.SyncWorkspace(context.Background(), ws.ID, nil); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	before := totalCalls(api)

	report, err := exec.SyncWorkspace(context.Background(), ws.ID, nil)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !report.Clean {
		t.Error("second sync not reported clean")
	}
	if report.ProjectID == 0 {
		t.Error("clean report should still carry the project binding")
	}
	if after := totalCalls(api); after != before {
		t.Errorf("clean sync made %d remote calls", after-before)
	}
}

func TestSyncBindsToExistingRemote(t *testing.T) {
	exec, db, api := newTestExecutor(t)

	projID := api.SeedProject("Warehouse")
	pageID := api.SeedPage(projID, 1)
	polyID := api.SeedPolygon(projID, pageID, "room-1")

	ws, err := db.CreateWorkspace("Warehouse", "/plans/warehouse.pdf", "estimator@example.com")
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	pg, err := db.CreatePage(ws.ID, 1, "/plans/w1.png", 800, 600)
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	if _, err := db.CreatePolygon(pg.ID, "room-1", `[[0,0],[1,1],[2,0]]`, 3); err != nil {
		t.Fatalf("create polygon: %v", err)
	}
	if _, err := db.CreatePolygon(pg.ID, "room-2", `[[5,5],[6,6],[7,5]]`, 3); err != nil {
		t.Fatalf("create polygon: %v", err)
	}

	report, err := exec.SyncWorkspace(context.Background(), ws.ID, nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !report.ProjectBound || report.ProjectCreated {
		t.Errorf("expected bind to existing project, got bound=%v created=%v",
			report.ProjectBound, report.ProjectCreated)
	}
	if report.PagesBound != 1 || report.PagesCreated != 0 {
		t.Errorf("pages bound=%d created=%d, want 1 and 0", report.PagesBound, report.PagesCreated)
	}
	if report.PolygonsBound != 1 || report.PolygonsCreated != 1 {
		t.Errorf("polygons bound=%d created=%d, want 1 and 1",
			report.PolygonsBound, report.PolygonsCreated)
	}
	if api.CallCount(opCreateProject) != 0 || api.CallCount(opCreatePage) != 0 {
		t.Error("bind path should not create remote rows that already exist")
	}

	got := mustWorkspace(t, db, ws.ID)
	if got.SyncID == nil || *got.SyncID != projID {
		t.Errorf("workspace bound to %v, want %d", got.SyncID, projID)
	}
	pages, _ := db.ListPages(ws.ID)
	if pages[0].SyncID == nil || *pages[0].SyncID != pageID {
		t.Errorf("page bound to %v, want %d", pages[0].SyncID, pageID)
	}
	polys, _ := db.ListPolygons(pg.ID)
	for _, poly := range polys {
		if poly.PolygonKey == "room-1" {
			if poly.SyncID == nil || *poly.SyncID != polyID {
				t.Errorf("room-1 bound to %v, want %d", poly.SyncID, polyID)
			}
		}
	}
}

func TestSyncPushesMetadataUpdate(t *testing.T) {
	exec, db, _ := newTestExecutor(t)
	ws, _ := seedTree(t, db, "Annex")

	if _, err := exec.SyncWorkspace(context.Background(), ws.ID, nil); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := db.TouchWorkspace(ws.ID); err != nil {
		t.Fatalf("touch workspace: %v", err)
	}

	report, err := exec.SyncWorkspace(context.Background(), ws.ID, nil)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !report.ProjectUpdated {
		t.Error("touched workspace did not push a project update")
	}
	if report.PagesUpdated != 0 || report.PolygonsUpdated != 0 {
		t.Errorf("unexpected child pushes: pages=%d polygons=%d",
			report.PagesUpdated, report.PolygonsUpdated)
	}

	report, err = exec.SyncWorkspace(context.Background(), ws.ID, nil)
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if !report.Clean {
		t.Error("workspace still dirty after metadata push")
	}
}

func TestSyncPushesPageAndPolygonEdits(t *testing.T) {
	exec, db, api := newTestExecutor(t)
	ws, _ := seedTree(t, db, "Retrofit")

	if _, err := exec.SyncWorkspace(context.Background(), ws.ID, nil); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	pages, _ := db.ListPages(ws.ID)
	if err := db.SetPageScale(pages[0].ID, 0.05, "m"); err != nil {
		t.Fatalf("set scale: %v", err)
	}
	polys, _ := db.ListPolygons(pages[0].ID)
	if err := db.UpdatePolygonVertices(polys[0].ID, `[[0,0],[9,0],[9,9],[0,9]]`, 4); err != nil {
		t.Fatalf("update vertices: %v", err)
	}

	report, err := exec.SyncWorkspace(context.Background(), ws.ID, nil)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if report.PagesUpdated != 1 {
		t.Errorf("pages updated = %d, want 1", report.PagesUpdated)
	}
	if report.PolygonsUpdated != 1 {
		t.Errorf("polygons updated = %d, want 1", report.PolygonsUpdated)
	}
	if report.PagesCreated != 0 || report.PolygonsCreated != 0 || report.PolygonsDeleted != 0 {
		t.Errorf("unexpected creates or deletes in %s", report.Summary())
	}
	if api.CallCount(opDeletePolygon) != 0 {
		t.Error("no orphans existed, nothing should have been deleted")
	}
}

func TestSyncSweepsDeletedPolygons(t *testing.T) {
	exec, db, api := newTestExecutor(t)
	ws, _ := seedTree(t, db, "Teardown")

	if _, err := exec.SyncWorkspace(context.Background(), ws.ID, nil); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	pages, _ := db.ListPages(ws.ID)
	polys, _ := db.ListPolygons(pages[0].ID)
	var doomed int64
	for _, poly := range polys {
		if poly.PolygonKey == "room-2" {
			doomed = poly.ID
		}
	}
	if err := db.DeletePolygon(doomed); err != nil {
		t.Fatalf("delete polygon: %v", err)
	}

	report, err := exec.SyncWorkspace(context.Background(), ws.ID, nil)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if report.PolygonsDeleted != 1 {
		t.Errorf("polygons deleted = %d, want 1", report.PolygonsDeleted)
	}
	if len(api.Deleted) != 1 || api.Deleted[0].PolyID != "room-2" {
		t.Errorf("remote deletions = %+v, want room-2", api.Deleted)
	}
	remotePageID := api.Deleted[0].PageID
	if remaining := api.Polygons[remotePageID]; len(remaining) != 1 || remaining[0].PolyID != "room-1" {
		t.Errorf("remote polygons after sweep = %+v", remaining)
	}

	report, err = exec.SyncWorkspace(context.Background(), ws.ID, nil)
	if err != nil {
		t.Fatalf("third sync: %v", err)
	}
	if !report.Clean {
		t.Error("tree still dirty after sweep")
	}
}

func TestSyncCleanupFailureIsNotFatal(t *testing.T) {
	exec, db, api := newTestExecutor(t)
	ws, _ := seedTree(t, db, "Flaky")

	if _, err := exec.SyncWorkspace(context.Background(), ws.ID, nil); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	pages, _ := db.ListPages(ws.ID)
	polys, _ := db.ListPolygons(pages[0].ID)
	if err := db.DeletePolygon(polys[0].ID); err != nil {
		t.Fatalf("delete polygon: %v", err)
	}

	api.FailOn[opDeletePolygon] = errors.New("upstream choked")
	var lines []string
	progress := func(format string, args ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, args...))
	}

	report, err := exec.SyncWorkspace(context.Background(), ws.ID, progress)
	if err != nil {
		t.Fatalf("sync should survive cleanup failure, got %v", err)
	}
	if report.PolygonsDeleted != 0 {
		t.Errorf("polygons deleted = %d despite failure", report.PolygonsDeleted)
	}
	found := false
	for _, line := range lines {
		if strings.Contains(line, "cleanup failed") {
			found = true
		}
	}
	if !found {
		t.Errorf("cleanup failure not reported in progress: %q", lines)
	}

	// The orphan survives upstream until the page is pushed again.
	delete(api.FailOn, opDeletePolygon)
	time.Sleep(5 * time.Millisecond)
	if err := db.SetPageScale(pages[0].ID, 0.1, "ft"); err != nil {
		t.Fatalf("set scale: %v", err)
	}
	report, err = exec.SyncWorkspace(context.Background(), ws.ID, nil)
	if err != nil {
		t.Fatalf("retry sync: %v", err)
	}
	if report.PolygonsDeleted != 1 {
		t.Errorf("orphan not swept on retry, report %s", report.Summary())
	}
}

func TestSyncFailurePropagates(t *testing.T) {
	exec, db, api := newTestExecutor(t)
	ws, _ := seedTree(t, db, "Doomed")

	api.FailOn[opCreateProject] = errors.New("quota exceeded")
	_, err := exec.SyncWorkspace(context.Background(), ws.ID, nil)
	if err == nil {
		t.Fatal("expected sync error")
	}
	if !strings.Contains(err.Error(), "create project") {
		t.Errorf("error %q does not name the failing step", err)
	}

	got := mustWorkspace(t, db, ws.ID)
	if got.SyncID != nil {
		t.Error("failed create should leave the workspace unbound")
	}
}

func TestSyncPartialProgressSurvivesFailure(t *testing.T) {
	exec, db, api := newTestExecutor(t)
	ws, _ := seedTree(t, db, "Resumable")

	api.FailOn[opCreatePage] = errors.New("gateway timeout")
	if _, err := exec.SyncWorkspace(context.Background(), ws.ID, nil); err == nil {
		t.Fatal("expected page create to fail")
	}

	// The project binding persisted, so the retry picks up where the
	// first attempt stopped.
	got := mustWorkspace(t, db, ws.ID)
	if got.SyncID == nil {
		t.Fatal("project binding lost on page failure")
	}

	delete(api.FailOn, opCreatePage)
	report, err := exec.SyncWorkspace(context.Background(), ws.ID, nil)
	if err != nil {
		t.Fatalf("retry sync: %v", err)
	}
	if report.ProjectCreated || report.ProjectBound {
		t.Error("retry should reuse the existing project binding")
	}
	if api.CallCount(opCreateProject) != 1 {
		t.Errorf("create_project called %d times, want 1", api.CallCount(opCreateProject))
	}
	if report.PagesCreated != 2 {
		t.Errorf("pages created on retry = %d, want 2", report.PagesCreated)
	}
}

func TestSyncRefusesDeletedWorkspace(t *testing.T) {
	exec, db, _ := newTestExecutor(t)
	ws, _ := seedTree(t, db, "Gone")

	if err := db.SoftDeleteWorkspace(ws.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	_, err := exec.SyncWorkspace(context.Background(), ws.ID, nil)
	if err == nil || !strings.Contains(err.Error(), "deleted") {
		t.Errorf("expected deleted-workspace error, got %v", err)
	}
}

func TestSyncUnknownWorkspace(t *testing.T) {
	exec, _, _ := newTestExecutor(t)
	_, err := exec.SyncWorkspace(context.Background(), 999, nil)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func mustWorkspace(t *testing.T, db *storage.DB, id int64) *storage.Workspace {
	t.Helper()
	ws, err := db.GetWorkspace(id)
	if err != nil {
		t.Fatalf("get workspace %d: %v", id, err)
	}
	return ws
}

package tto

import (
	"context"
	"fmt"
	"sync"
)

// TestAPI is an in-memory API implementation for executor and worker
// tests. Failures are scripted per operation name and every call is
// counted.
type TestAPI struct {
	mu     sync.Mutex
	nextID int64

	Projects []RemoteProject
	Pages    map[int64][]RemotePage    // keyed by project ID
	Polygons map[int64][]RemotePolygon // keyed by page ID
	Deleted  []PolygonRef

	Calls  map[string]int
	FailOn map[string]error // operation name -> error to return
}

// NewTestAPI creates an empty in-memory upstream
func NewTestAPI() *TestAPI {
	return &TestAPI{
		nextID:   1000,
		Pages:    make(map[int64][]RemotePage),
		Polygons: make(map[int64][]RemotePolygon),
		Calls:    make(map[string]int),
		FailOn:   make(map[string]error),
	}
}

// call counts the operation and returns its scripted failure, if any.
// Callers must hold the lock.
func (a *TestAPI) call(op string) error {
	a.Calls[op]++
	return a.FailOn[op]
}

// CallCount returns how many times the operation was invoked
func (a *TestAPI) CallCount(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Calls[op]
}

// SeedProject adds a remote project and returns its ID
func (a *TestAPI) SeedProject(name string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.Projects = append(a.Projects, RemoteProject{ProjectID: FlexID(a.nextID), ProjectName: name})
	return a.nextID
}

// SeedPage adds a remote page under a project and returns its ID
func (a *TestAPI) SeedPage(projectID int64, pageNB int) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.Pages[projectID] = append(a.Pages[projectID], RemotePage{
		PageID:    FlexID(a.nextID),
		ProjectID: FlexID(projectID),
		PageNB:    pageNB,
	})
	return a.nextID
}

// SeedPolygon adds a remote polygon on a page and returns its ID
func (a *TestAPI) SeedPolygon(projectID, pageID int64, polyID string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.Polygons[pageID] = append(a.Polygons[pageID], RemotePolygon{
		PolygonID: FlexID(a.nextID),
		ProjectID: FlexID(projectID),
		PageID:    FlexID(pageID),
		PolyID:    polyID,
	})
	return a.nextID
}

func (a *TestAPI) ListProjectsByUser(ctx context.Context) ([]RemoteProject, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(opListProjects); err != nil {
		return nil, err
	}
	return append([]RemoteProject(nil), a.Projects...), nil
}

func (a *TestAPI) CreateProject(ctx context.Context, name, fileLink string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(opCreateProject); err != nil {
		return 0, err
	}
	a.nextID++
	a.Projects = append(a.Projects, RemoteProject{
		ProjectID:   FlexID(a.nextID),
		ProjectName: name,
		FileLink:    fileLink,
	})
	return a.nextID, nil
}

func (a *TestAPI) UpdateProject(ctx context.Context, projectID int64, name, status string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(opUpdateProject); err != nil {
		return err
	}
	for i := range a.Projects {
		if int64(a.Projects[i].ProjectID) == projectID {
			if name != "" {
				a.Projects[i].ProjectName = name
			}
			return nil
		}
	}
	return fmt.Errorf("project %d not found", projectID)
}

func (a *TestAPI) ListPagesForProject(ctx context.Context, projectID int64) ([]RemotePage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(opListPages); err != nil {
		return nil, err
	}
	return append([]RemotePage(nil), a.Pages[projectID]...), nil
}

func (a *TestAPI) CreatePage(ctx context.Context, page PageUpload) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(opCreatePage); err != nil {
		return 0, err
	}
	a.nextID++
	a.Pages[page.ProjectID] = append(a.Pages[page.ProjectID], RemotePage{
		PageID:    FlexID(a.nextID),
		ProjectID: FlexID(page.ProjectID),
		PageNB:    page.PageNB,
	})
	return a.nextID, nil
}

func (a *TestAPI) UpdatePage(ctx context.Context, pageID int64, page PageUpload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(opUpdatePage); err != nil {
		return err
	}
	for projectID := range a.Pages {
		for i := range a.Pages[projectID] {
			if int64(a.Pages[projectID][i].PageID) == pageID {
				a.Pages[projectID][i].PageNB = page.PageNB
				return nil
			}
		}
	}
	return fmt.Errorf("page %d not found", pageID)
}

func (a *TestAPI) ListPolygonsForPage(ctx context.Context, pageID int64) ([]RemotePolygon, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(opListPolygons); err != nil {
		return nil, err
	}
	return append([]RemotePolygon(nil), a.Polygons[pageID]...), nil
}

func (a *TestAPI) CreatePolygon(ctx context.Context, poly PolygonUpload) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(opCreatePolygon); err != nil {
		return 0, err
	}
	a.nextID++
	a.Polygons[poly.PageID] = append(a.Polygons[poly.PageID], RemotePolygon{
		PolygonID: FlexID(a.nextID),
		ProjectID: FlexID(poly.ProjectID),
		PageID:    FlexID(poly.PageID),
		PolyID:    poly.PolyID,
	})
	return a.nextID, nil
}

func (a *TestAPI) UpdatePolygon(ctx context.Context, polygonID int64, poly PolygonUpload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(opUpdatePolygon); err != nil {
		return err
	}
	for pageID := range a.Polygons {
		for i := range a.Polygons[pageID] {
			if int64(a.Polygons[pageID][i].PolygonID) == polygonID {
				return nil
			}
		}
	}
	return fmt.Errorf("polygon %d not found", polygonID)
}

func (a *TestAPI) DeletePolygons(ctx context.Context, refs []PolygonRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.call(opDeletePolygon); err != nil {
		return err
	}
	for _, ref := range refs {
		polys := a.Polygons[ref.PageID]
		for i := range polys {
			if int64(polys[i].PolygonID) == ref.PolygonID {
				a.Polygons[ref.PageID] = append(polys[:i], polys[i+1:]...)
				break
			}
		}
		a.Deleted = append(a.Deleted, ref)
	}
	return nil
}

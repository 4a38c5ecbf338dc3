package tto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Operation names double as the path segment under the base URL, so a
// deployment maps each one to its hosted workflow.
const (
	opListProjects  = "list_projects_by_user"
	opCreateProject = "create_project"
	opUpdateProject = "update_project"
	opListPages     = "list_pages_for_project"
	opCreatePage    = "create_page"
	opUpdatePage    = "update_page"
	opListPolygons  = "list_polygons_for_page"
	opCreatePolygon = "create_polygon"
	opUpdatePolygon = "update_polygon"
	opDeletePolygon = "delete_polygon"
)

// Client posts JSON to the hosted TTO endpoints. Every payload carries
// the shared auth code; list calls are scoped to userEmail and writes
// are attributed to actorEmail.
type Client struct {
	baseURL    string
	authCode   string
	userEmail  string
	actorEmail string
	httpClient *http.Client

	retries int
	backoff time.Duration
}

// NewClient creates a TTO HTTP client
func NewClient(baseURL, authCode, userEmail, actorEmail string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authCode:   authCode,
		userEmail:  userEmail,
		actorEmail: actorEmail,
		httpClient: &http.Client{Timeout: timeout},
		retries:    3,
		backoff:    500 * time.Millisecond,
	}
}

func (c *Client) endpoint(op string) string {
	return c.baseURL + "/" + op
}

// post sends one operation with retries. Transport failures and 5xx
// responses retry with doubling backoff; 4xx responses fail fast since
// resending the same payload cannot fix them.
func (c *Client) post(ctx context.Context, op string, payload map[string]interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal payload: %w", op, err)
	}

	var lastErr error
	backoff := c.backoff
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(op), bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server returned %s", resp.Status)
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("%s: server returned %s: %s", op, resp.Status, strings.TrimSpace(string(data)))
		}
		return data, nil
	}
	return nil, fmt.Errorf("%s: %w", op, lastErr)
}

// decodeList normalizes the shapes the hosted endpoints use for list
// responses: empty body, a {"message": "No records found"} object, a
// bare object standing in for a one-element list, or any of those
// wrapped in a JSON string. out must be a pointer to a slice; it is
// left nil when there are no rows.
func decodeList(data []byte, out interface{}) error {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil
	}
	if strings.HasPrefix(text, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(text), &inner); err != nil {
			return nil
		}
		return decodeList([]byte(inner), out)
	}
	if strings.HasPrefix(text, "{") {
		var probe struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(text), &probe); err == nil && probe.Message != "" {
			return nil
		}
		return json.Unmarshal([]byte("["+text+"]"), out)
	}
	if strings.HasPrefix(text, "[") {
		return json.Unmarshal([]byte(text), out)
	}
	return nil
}

// decodeNewID extracts the new row ID from a create response
func decodeNewID(op string, data []byte) (int64, error) {
	var resp struct {
		NewID FlexID `json:"new_id"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(data), &resp); err != nil {
		return 0, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if resp.NewID == 0 {
		return 0, fmt.Errorf("%s: response missing new_id", op)
	}
	return int64(resp.NewID), nil
}

func (c *Client) ListProjectsByUser(ctx context.Context) ([]RemoteProject, error) {
	data, err := c.post(ctx, opListProjects, map[string]interface{}{
		"user_email": c.userEmail,
		"auth_code":  c.authCode,
	})
	if err != nil {
		return nil, err
	}
	var projects []RemoteProject
	if err := decodeList(data, &projects); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", opListProjects, err)
	}
	return projects, nil
}

func (c *Client) CreateProject(ctx context.Context, name, fileLink string) (int64, error) {
	data, err := c.post(ctx, opCreateProject, map[string]interface{}{
		"project_name": name,
		"file_link":    fileLink,
		"created_by":   c.actorEmail,
		"auth_code":    c.authCode,
	})
	if err != nil {
		return 0, err
	}
	return decodeNewID(opCreateProject, data)
}

func (c *Client) UpdateProject(ctx context.Context, projectID int64, name, status string) error {
	_, err := c.post(ctx, opUpdateProject, map[string]interface{}{
		"project_id":     projectID,
		"project_name":   name,
		"project_status": status,
		"modified_by":    c.actorEmail,
		"auth_code":      c.authCode,
	})
	return err
}

func (c *Client) ListPagesForProject(ctx context.Context, projectID int64) ([]RemotePage, error) {
	data, err := c.post(ctx, opListPages, map[string]interface{}{
		"project_id": projectID,
		"user_email": c.userEmail,
		"auth_code":  c.authCode,
	})
	if err != nil {
		return nil, err
	}
	var pages []RemotePage
	if err := decodeList(data, &pages); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", opListPages, err)
	}
	return pages, nil
}

func (c *Client) CreatePage(ctx context.Context, page PageUpload) (int64, error) {
	data, err := c.post(ctx, opCreatePage, map[string]interface{}{
		"project_id":   page.ProjectID,
		"page_nb":      page.PageNB,
		"picture_link": page.PictureLink,
		"scale":        page.Scale,
		"unit":         page.Unit,
		"image_height": page.ImageHeight,
		"image_width":  page.ImageWidth,
		"pdf_height":   page.PDFHeight,
		"pdf_width":    page.PDFWidth,
		"json":         "",
		"created_by":   c.actorEmail,
		"auth_code":    c.authCode,
	})
	if err != nil {
		return 0, err
	}
	return decodeNewID(opCreatePage, data)
}

func (c *Client) UpdatePage(ctx context.Context, pageID int64, page PageUpload) error {
	_, err := c.post(ctx, opUpdatePage, map[string]interface{}{
		"page_id":         pageID,
		"page_nb":         page.PageNB,
		"picture_link":    page.PictureLink,
		"scale":           page.Scale,
		"confirmed_scale": confirmedScale(page.Scale),
		"unit":            page.Unit,
		"image_height":    page.ImageHeight,
		"image_width":     page.ImageWidth,
		"pdf_height":      page.PDFHeight,
		"pdf_width":       page.PDFWidth,
		"json":            "",
		"modified_by":     c.actorEmail,
		"auth_code":       c.authCode,
	})
	return err
}

func (c *Client) ListPolygonsForPage(ctx context.Context, pageID int64) ([]RemotePolygon, error) {
	data, err := c.post(ctx, opListPolygons, map[string]interface{}{
		"page_id":    pageID,
		"user_email": c.userEmail,
		"auth_code":  c.authCode,
	})
	if err != nil {
		return nil, err
	}
	var polys []RemotePolygon
	if err := decodeList(data, &polys); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", opListPolygons, err)
	}
	return polys, nil
}

func (c *Client) CreatePolygon(ctx context.Context, poly PolygonUpload) (int64, error) {
	// The create workflow expects polyID/totalVertices; update expects
	// poly_id/total_vertices. The casing difference is upstream's.
	data, err := c.post(ctx, opCreatePolygon, map[string]interface{}{
		"project_id":    poly.ProjectID,
		"page_id":       poly.PageID,
		"polyID":        poly.PolyID,
		"vertices":      poly.Vertices,
		"totalVertices": poly.TotalVertices,
		"created_by":    c.actorEmail,
		"auth_code":     c.authCode,
	})
	if err != nil {
		return 0, err
	}
	return decodeNewID(opCreatePolygon, data)
}

func (c *Client) UpdatePolygon(ctx context.Context, polygonID int64, poly PolygonUpload) error {
	_, err := c.post(ctx, opUpdatePolygon, map[string]interface{}{
		"polygon_id":     polygonID,
		"poly_id":        poly.PolyID,
		"vertices":       poly.Vertices,
		"total_vertices": poly.TotalVertices,
		"modified_by":    c.actorEmail,
		"auth_code":      c.authCode,
	})
	return err
}

func (c *Client) DeletePolygons(ctx context.Context, refs []PolygonRef) error {
	if len(refs) == 0 {
		return nil
	}
	_, err := c.post(ctx, opDeletePolygon, map[string]interface{}{
		"polygon_array": refs,
		"deleted_by":    c.actorEmail,
		"auth_code":     c.authCode,
	})
	return err
}

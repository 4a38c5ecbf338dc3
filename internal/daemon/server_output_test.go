package daemon

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
	"github.com/jordan-lee502/polygon-editor-back/internal/testutil"
)

// enqueueLogTestJob publishes a sync job for a fresh workspace and
// returns it still queued.
func enqueueLogTestJob(t *testing.T, db *storage.DB, name string) *storage.SyncJob {
	t.Helper()
	ws := testutil.CreateTestWorkspace(t, db, name)
	job, err := db.EnqueueJob(storage.EnqueueRequest{
		Kind:        storage.KindSync,
		WorkspaceID: &ws.ID,
	})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return job
}

// writeTranscript writes transcript content for a job, creating the
// log directory the way the worker would.
func writeTranscript(t *testing.T, jobID int64, content string) {
	t.Helper()
	if err := os.MkdirAll(JobLogDir(), 0700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(JobLogPath(jobID), []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func requestJobLog(server *Server, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	server.handleJobLog(w, req)
	return w
}

func TestHandleJobLog(t *testing.T) {
	server, db := newTestServer(t)
	job := enqueueLogTestJob(t, db, "transcript-ws")

	t.Run("missing id returns 400", func(t *testing.T) {
		w := requestJobLog(server, "/api/jobs/log")
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("non-numeric id returns 400", func(t *testing.T) {
		w := requestJobLog(server, "/api/jobs/log?id=notanumber")
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("nonexistent job returns 404", func(t *testing.T) {
		w := requestJobLog(server, "/api/jobs/log?id=99999")
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("no transcript returns 404", func(t *testing.T) {
		w := requestJobLog(server, fmt.Sprintf("/api/jobs/log?id=%d", job.ID))
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("returns transcript with headers", func(t *testing.T) {
		content := "2026-08-25T10:00:00Z sync workspace 1 \"transcript-ws\" attempt 1/5\n" +
			"2026-08-25T10:00:01Z pushed 3 polygons on page 1\n"
		writeTranscript(t, job.ID, content)

		w := requestJobLog(server, fmt.Sprintf("/api/jobs/log?id=%d", job.ID))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		if ct := w.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
			t.Errorf("expected Content-Type text/plain, got %q", ct)
		}
		if js := w.Header().Get("X-Job-Status"); js != "queued" {
			t.Errorf("expected X-Job-Status queued, got %q", js)
		}
		if w.Body.String() != content {
			t.Errorf("expected transcript %q, got %q", content, w.Body.String())
		}
	})

	t.Run("running job with no transcript returns empty 200", func(t *testing.T) {
		// Claim the queued job to move it to running, then remove the
		// transcript to simulate the window before the first write.
		claimed, err := db.ClaimJob("worker-test", nil, time.Minute)
		if err != nil {
			t.Fatalf("ClaimJob: %v", err)
		}
		if claimed == nil || claimed.ID != job.ID {
			t.Fatalf("claimed = %+v, want job %d", claimed, job.ID)
		}
		os.Remove(JobLogPath(claimed.ID))

		w := requestJobLog(server, fmt.Sprintf("/api/jobs/log?id=%d", claimed.ID))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		if js := w.Header().Get("X-Job-Status"); js != "running" {
			t.Errorf("expected X-Job-Status running, got %q", js)
		}
		if w.Body.Len() != 0 {
			t.Errorf("expected empty body, got %q", w.Body.String())
		}
	})

	t.Run("POST returns 405", func(t *testing.T) {
		req := httptest.NewRequest(
			http.MethodPost,
			fmt.Sprintf("/api/jobs/log?id=%d", job.ID),
			nil,
		)
		w := httptest.NewRecorder()
		server.handleJobLog(w, req)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected 405, got %d", w.Code)
		}
	})
}

func TestHandleJobLogOffset(t *testing.T) {
	server, db := newTestServer(t)
	job := enqueueLogTestJob(t, db, "offset-ws")

	line1 := "2026-08-25T10:00:00Z sync workspace 1 \"offset-ws\" attempt 1/5\n"
	line2 := "2026-08-25T10:00:02Z done: pushed 14 polygons across 3 pages\n"
	content := line1 + line2
	writeTranscript(t, job.ID, content)

	t.Run("offset=0 returns full content", func(t *testing.T) {
		w := requestJobLog(server,
			fmt.Sprintf("/api/jobs/log?id=%d&offset=0", job.ID))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if w.Body.String() != content {
			t.Errorf("expected full content, got %q", w.Body.String())
		}

		// X-Log-Offset should equal file size.
		offsetStr := w.Header().Get("X-Log-Offset")
		offset, err := strconv.ParseInt(offsetStr, 10, 64)
		if err != nil {
			t.Fatalf("parse X-Log-Offset %q: %v", offsetStr, err)
		}
		if offset != int64(len(content)) {
			t.Errorf("X-Log-Offset = %d, want %d", offset, len(content))
		}
	})

	t.Run("offset returns partial content", func(t *testing.T) {
		w := requestJobLog(server,
			fmt.Sprintf("/api/jobs/log?id=%d&offset=%d", job.ID, len(line1)))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if w.Body.String() != line2 {
			t.Errorf("expected second line only, got %q", w.Body.String())
		}
	})

	t.Run("offset at end returns empty", func(t *testing.T) {
		w := requestJobLog(server,
			fmt.Sprintf("/api/jobs/log?id=%d&offset=%d", job.ID, len(content)))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if w.Body.Len() != 0 {
			t.Errorf("expected empty body, got %q", w.Body.String())
		}
	})

	t.Run("negative offset returns 400", func(t *testing.T) {
		w := requestJobLog(server,
			fmt.Sprintf("/api/jobs/log?id=%d&offset=-1", job.ID))
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("offset beyond file resets to 0", func(t *testing.T) {
		w := requestJobLog(server,
			fmt.Sprintf("/api/jobs/log?id=%d&offset=999999", job.ID))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		// Full content again since the offset was clamped.
		if w.Body.String() != content {
			t.Errorf("expected full content after clamp, got %q", w.Body.String())
		}
	})

	t.Run("running job snaps to newline boundary", func(t *testing.T) {
		job2 := enqueueLogTestJob(t, db, "snap-ws")

		// Drain the first queued job so the next claim picks up job2.
		if _, err := db.ClaimJob("worker-drain", nil, time.Minute); err != nil {
			t.Fatalf("ClaimJob (drain): %v", err)
		}
		claimed, err := db.ClaimJob("worker-test2", nil, time.Minute)
		if err != nil {
			t.Fatalf("ClaimJob: %v", err)
		}
		if claimed == nil || claimed.ID != job2.ID {
			t.Fatalf("claimed = %+v, want job %d", claimed, job2.ID)
		}

		// A complete line plus a partial line still being written.
		completeLine := "2026-08-25T10:01:00Z sync workspace 2 \"snap-ws\" attempt 1/5\n"
		partialLine := "2026-08-25T10:01:01Z pushed 2 polygo"
		writeTranscript(t, job2.ID, completeLine+partialLine)

		w := requestJobLog(server, fmt.Sprintf("/api/jobs/log?id=%d", job2.ID))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		// Only up to the newline, not the partial tail.
		if w.Body.String() != completeLine {
			t.Errorf("expected only complete line, got %q", w.Body.String())
		}

		// X-Log-Offset should point past the newline.
		offsetStr := w.Header().Get("X-Log-Offset")
		offset, err := strconv.ParseInt(offsetStr, 10, 64)
		if err != nil {
			t.Fatalf("parse X-Log-Offset: %v", err)
		}
		if offset != int64(len(completeLine)) {
			t.Errorf("X-Log-Offset = %d, want %d", offset, len(completeLine))
		}
	})
}

func TestJobLogSafeEnd(t *testing.T) {
	t.Run("empty file", func(t *testing.T) {
		f := writeTempFile(t, []byte{})
		if got := jobLogSafeEnd(f, 0); got != 0 {
			t.Errorf("expected 0, got %d", got)
		}
	})

	t.Run("ends with newline", func(t *testing.T) {
		data := []byte("line1\nline2\n")
		f := writeTempFile(t, data)
		if got := jobLogSafeEnd(f, int64(len(data))); got != int64(len(data)) {
			t.Errorf("expected %d, got %d", len(data), got)
		}
	})

	t.Run("partial line at end", func(t *testing.T) {
		data := []byte("line1\npartial")
		f := writeTempFile(t, data)
		got := jobLogSafeEnd(f, int64(len(data)))
		if got != 6 { // "line1\n" is 6 bytes
			t.Errorf("expected 6, got %d", got)
		}
	})

	t.Run("no newlines at all", func(t *testing.T) {
		data := []byte("no-newlines-here")
		f := writeTempFile(t, data)
		if got := jobLogSafeEnd(f, int64(len(data))); got != 0 {
			t.Errorf("expected 0, got %d", got)
		}
	})

	t.Run("large partial beyond one scan chunk", func(t *testing.T) {
		// A complete line followed by a partial line larger than the
		// 64KB scan window; the backward scan must cross chunks.
		completeLine := "line1\n"
		partial := strings.Repeat("x", 100*1024) // 100KB
		data := []byte(completeLine + partial)
		f := writeTempFile(t, data)
		got := jobLogSafeEnd(f, int64(len(data)))
		want := int64(len(completeLine))
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	})
}

func writeTempFile(t *testing.T, data []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "logtest-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return f
}

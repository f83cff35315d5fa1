package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/stretchr/testify/require"
)

func dealsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") == "" {
			fmt.Fprint(w, `{"results": [
				{"id": "1", "properties": {"dealname": "Alpha", "amount": "10.5"}},
				{"id": "2", "properties": {"dealname": "Beta"}}
			], "paging": {"next": {"after": "2"}}}`)
			return
		}
		fmt.Fprint(w, `{"results": [{"id": "3", "properties": {"dealname": "Gamma"}}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func setupEnv(t *testing.T, baseURL string) {
	t.Helper()
	t.Setenv("PAGESYNC_CONFIG", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SOURCE_ACCESS_TOKEN", "test-token")
	t.Setenv("PAGESYNC_STORE_DRIVER", "sqlite")
	t.Setenv("PAGESYNC_STORE_DSN", filepath.Join(t.TempDir(), "pagesync.db"))
	t.Setenv("PAGESYNC_LOAD_DRIVER", "none")
	t.Setenv("PAGESYNC_SOURCE_BASE_URL", baseURL)
	t.Setenv("PAGESYNC_MAPPINGS_DIR", filepath.Join("..", "..", "configs"))
	t.Setenv("PAGESYNC_LOGGING_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRunAndStatus(t *testing.T) {
	setupEnv(t, dealsServer(t).URL)

	out, err := execute(t, "run", "--source", "hubspot_deals", "--job-id", "job-1", "--tenant", "acme")
	require.NoError(t, err)

	var result outcomeJSON
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	require.Equal(t, "job-1", result.JobID)
	require.Equal(t, models.StatusCompleted, result.Status)
	require.EqualValues(t, 3, result.RecordsProcessed)
	require.Equal(t, 2, result.Pages)
	require.Equal(t, models.PhaseCompleted, result.Checkpoint.Phase)

	out, err = execute(t, "status", "job-1", "--history")
	require.NoError(t, err)
	var report struct {
		Job        models.Job          `json:"job"`
		Checkpoint models.Checkpoint   `json:"checkpoint"`
		History    []models.Checkpoint `json:"history"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, models.StatusCompleted, report.Job.Status)
	require.Equal(t, "acme", report.Job.TenantID)
	require.EqualValues(t, 3, report.Job.TotalRecords)
	require.Len(t, report.History, 1)
	require.Equal(t, models.PhaseCompleted, report.History[0].Phase)

	// A completed job does not run again.
	_, err = execute(t, "resume", "job-1")
	require.Error(t, err)

	out, err = execute(t, "jobs", "--status", "completed")
	require.NoError(t, err)
	require.Contains(t, out, "job-1")
	require.Contains(t, out, "hubspot_deals")
}

func TestSubmitAndCancel(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")

	out, err := execute(t, "submit", "--source", "hubspot_deals")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.NotEmpty(t, id)

	_, err = execute(t, "pause", id)
	require.Error(t, err)

	_, err = execute(t, "cancel", id)
	require.NoError(t, err)

	out, err = execute(t, "jobs", "--status", "cancelled")
	require.NoError(t, err)
	require.Contains(t, out, id)

	_, err = execute(t, "jobs", "--status", "finished")
	require.Error(t, err)
}

func TestRunUnknownMappingFails(t *testing.T) {
	setupEnv(t, "http://127.0.0.1:1")

	out, err := execute(t, "run", "--source", "no_such_mapping", "--job-id", "job-x")
	require.Error(t, err)
	require.Contains(t, out, `"status": "failed"`)
}

func TestWriteJobTable(t *testing.T) {
	var buf bytes.Buffer
	created := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	require.NoError(t, writeJobTable(&buf, []*models.Job{
		{ID: "job-1", TenantID: "acme", Source: "hubspot_deals", Status: models.StatusFailed, CreatedAt: created,
			TotalRecords: 40, FailedRecords: 2, Error: &models.JobError{Kind: models.KindRateLimit}},
	}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "ID"))
	require.Contains(t, lines[1], "RateLimitError")
	require.Contains(t, lines[1], "40")
}

package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jsturma/jobctl/internal/logsink"
	"github.com/jsturma/jobctl/internal/registry"
	"github.com/jsturma/jobctl/internal/runner"
	"github.com/jsturma/jobctl/internal/store"
	"github.com/jsturma/jobctl/pkg/config"
)

func newTestServer(t *testing.T, scripts ...config.ScriptConfig) *Server {
	t.Helper()
	cfg := &config.Config{
		Runner: config.RunnerConfig{
			MaxConcurrent:        4,
			DefaultMode:          "sync",
			MaxLogBytesPerStream: 1 << 20,
			PreviewMaxBytes:      4096,
		},
		Scripts: scripts,
	}
	reg, err := registry.Load(cfg)
	require.NoError(t, err)

	st, err := store.New(filepath.Join(t.TempDir(), "jobs.json"), nil)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	sink, err := logsink.New(t.TempDir(), cfg.Runner.MaxLogBytesPerStream, cfg.Runner.PreviewMaxBytes, nil)
	require.NoError(t, err)

	r := runner.New(cfg, reg, st, sink, nil)
	return New(r, nil)
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestPostRun_SyncSuccessReturns200(t *testing.T) {
	script := writeScript(t, "#!/bin/bash\necho \"ok:$*\"\n")
	s := newTestServer(t, config.ScriptConfig{
		ID: "ok", Path: script, Mode: "sync",
		Args: config.ArgsConstraint{MaxItems: 4, ItemMaxLength: 64, ItemPattern: `^[a-zA-Z0-9._-]+$`},
	})

	rec := doJSON(t, s, http.MethodPost, "/run", map[string]any{
		"scriptId": "ok", "args": []string{"hello"}, "mode": "sync",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, true, resp["ok"])
	jobMap := resp["job"].(map[string]any)
	require.Equal(t, "succeeded", jobMap["status"])
}

func TestPostRun_AsyncAdmissionReturns202(t *testing.T) {
	script := writeScript(t, "#!/bin/bash\nsleep 0.2\n")
	s := newTestServer(t, config.ScriptConfig{ID: "ok", Path: script})

	rec := doJSON(t, s, http.MethodPost, "/run", map[string]any{
		"scriptId": "ok", "args": []string{}, "mode": "async",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestPostRun_UnknownScriptReturns400(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/run", map[string]any{"scriptId": "missing", "args": []string{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "SCRIPT_NOT_FOUND", resp["code"])
}

func TestGetJob_UnknownReturns404(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_KnownReturns200(t *testing.T) {
	script := writeScript(t, "#!/bin/bash\necho hi\n")
	s := newTestServer(t, config.ScriptConfig{ID: "ok", Path: script, Mode: "sync"})

	run := doJSON(t, s, http.MethodPost, "/run", map[string]any{"scriptId": "ok", "args": []string{}})
	var runResp map[string]any
	require.NoError(t, json.Unmarshal(run.Body.Bytes(), &runResp))
	jobID := runResp["job"].(map[string]any)["jobId"].(string)

	rec := doJSON(t, s, http.MethodGet, "/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPostCancel_RunningJobIsCanceled(t *testing.T) {
	script := writeScript(t, "#!/bin/bash\nsleep 5\n")
	s := newTestServer(t, config.ScriptConfig{ID: "slow", Path: script})

	run := doJSON(t, s, http.MethodPost, "/run", map[string]any{"scriptId": "slow", "args": []string{}, "mode": "async"})
	var runResp map[string]any
	require.NoError(t, json.Unmarshal(run.Body.Bytes(), &runResp))
	jobID := runResp["job"].(map[string]any)["jobId"].(string)

	require.Eventually(t, func() bool {
		rec := doJSON(t, s, http.MethodGet, "/jobs/"+jobID, nil)
		var resp map[string]any
		json.Unmarshal(rec.Body.Bytes(), &resp)
		return resp["job"].(map[string]any)["status"] == "running"
	}, time.Second, time.Millisecond)

	cancelRec := doJSON(t, s, http.MethodPost, "/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, cancelRec.Code)
}

func TestGetHealthz_ReportsScriptCount(t *testing.T) {
	script := writeScript(t, "#!/bin/bash\necho hi\n")
	s := newTestServer(t, config.ScriptConfig{ID: "ok", Path: script})

	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp["status"])
	require.Equal(t, float64(1), resp["scriptCount"])
}

func TestGetJobLogs_PaginatesStdout(t *testing.T) {
	script := writeScript(t, "#!/bin/bash\nfor i in $(seq 1 50); do echo \"line $i\"; done\n")
	s := newTestServer(t, config.ScriptConfig{ID: "lines", Path: script, Mode: "sync"})

	run := doJSON(t, s, http.MethodPost, "/run", map[string]any{"scriptId": "lines", "args": []string{}})
	var runResp map[string]any
	require.NoError(t, json.Unmarshal(run.Body.Bytes(), &runResp))
	jobID := runResp["job"].(map[string]any)["jobId"].(string)

	rec := doJSON(t, s, http.MethodGet, "/jobs/"+jobID+"/logs?stream=stdout&offset=0&limit=4096", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, true, resp["ok"])
	require.Contains(t, resp["data"], "line 1\n")
}

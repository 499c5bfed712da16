package httpapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/aerocristobal/DocuFlux-sub000/internal/auth"
	"github.com/aerocristobal/DocuFlux-sub000/internal/capture"
	"github.com/aerocristobal/DocuFlux-sub000/internal/jobs"
	"github.com/aerocristobal/DocuFlux-sub000/internal/retention"
	"github.com/aerocristobal/DocuFlux-sub000/internal/storage"
	"github.com/aerocristobal/DocuFlux-sub000/internal/tasks/taskstest"
)

type stubSweeper struct {
	report *retention.Report
	err    error

	// 直近の呼び出しで見えたコンテキストの状態
	ctxErr      error
	hasDeadline bool
}

func (s *stubSweeper) Sweep(ctx context.Context) (*retention.Report, error) {
	s.ctxErr = ctx.Err()
	_, s.hasDeadline = ctx.Deadline()
	return s.report, s.err
}

type apiFixture struct {
	mr         *miniredis.Miniredis
	jobs       *jobs.Manager
	dispatcher *taskstest.Recorder
	sweeper    *stubSweeper
	pingErr    error
	router     *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := zaptest.NewLogger(t)
	root := t.TempDir()
	layout := storage.NewLayout(filepath.Join(root, "uploads"), filepath.Join(root, "outputs"))
	dispatcher := &taskstest.Recorder{}

	manager, err := jobs.NewManager(jobs.NewStore(rdb), layout, dispatcher, jobs.Options{}, logger)
	require.NoError(t, err)
	coordinator, err := capture.NewCoordinator(capture.NewStore(rdb, time.Hour), manager, dispatcher,
		capture.Options{BatchSize: 10, MaxPages: 100}, logger)
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	authManager := auth.NewManager(auth.Credentials{Username: "admin", PasswordHash: string(hash)}, auth.DefaultLimits(), logger)

	f := &apiFixture{
		mr:         mr,
		jobs:       manager,
		dispatcher: dispatcher,
		sweeper:    &stubSweeper{report: &retention.Report{Mode: retention.ModeNormal, Scanned: 3}},
	}
	server := &Server{
		Jobs:    manager,
		Capture: coordinator,
		Auth:    authManager,
		Sweeper: f.sweeper,
		Ping: func(ctx context.Context) error {
			if f.pingErr != nil {
				return f.pingErr
			}
			return rdb.Ping(ctx).Err()
		},
		MaxCapturePageBytes: 256,
		Logger:              logger,
	}
	router := gin.New()
	router.Use(sessions.Sessions(auth.SessionCookieName, cookie.NewStore([]byte("test-secret"))))
	server.Register(router)
	f.router = router
	return f
}

func (f *apiFixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) postJSON(path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return f.do(req)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

// completedJob は SUCCESS のジョブと出力ファイルを用意します。
func (f *apiFixture) completedJob(t *testing.T, filename string, outputs map[string]string) string {
	t.Helper()
	ctx := context.Background()
	id := uuid.NewString()
	require.NoError(t, f.jobs.Create(ctx, &jobs.Job{ID: id, Filename: filename, FromFormat: "docx", ToFormat: "markdown"}))
	require.NoError(t, f.jobs.Start(ctx, id))
	require.NoError(t, f.jobs.Layout().Ensure(id))
	for rel, content := range outputs {
		path := filepath.Join(f.jobs.Layout().JobOutputDir(id), rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	}
	require.NoError(t, f.jobs.Succeed(ctx, id, len(outputs)))
	return id
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"docuflux-api"}`, w.Body.String())

	f.pingErr = errors.New("connection refused")
	w = f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])
}

func TestSubmitGetAndCancelJob(t *testing.T) {
	f := newAPIFixture(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "notes.md")
	require.NoError(t, err)
	_, err = part.Write([]byte("# notes\n"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("to_format", "html"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := f.do(req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	submitted := decode(t, w)
	id := submitted["job_id"].(string)
	assert.Equal(t, "PENDING", submitted["status"])
	assert.Equal(t, "/api/jobs/"+id, submitted["status_url"])
	require.Len(t, f.dispatcher.Conversions, 1)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	view := decode(t, w)
	assert.Equal(t, "notes.md", view["filename"])
	assert.Equal(t, "markdown", view["from_format"])
	assert.Equal(t, "html", view["to_format"])

	w = f.do(httptest.NewRequest(http.MethodPost, "/api/jobs/"+id+"/cancel", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "REVOKED", decode(t, w)["status"])
	assert.Equal(t, []string{id}, f.dispatcher.Revoked)

	w = f.do(httptest.NewRequest(http.MethodPost, "/api/jobs/"+id+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSubmitWithoutFile(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("to_format=html"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := f.do(req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", decode(t, w)["code"])
}

func TestGetJobErrors(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "JOB_NOT_FOUND", decode(t, w)["code"])
}

func TestDownloadSingleFile(t *testing.T) {
	f := newAPIFixture(t)
	id := f.completedJob(t, "report.docx", map[string]string{"report.md": "# report"})

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/download", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "# report", w.Body.String())
	assert.Equal(t, id, w.Header().Get("X-Job-Id"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="report.md"`)
	assert.Equal(t, "text/markdown; charset=utf-8", w.Header().Get("Content-Type"))

	job, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, job.DownloadedAt.IsZero())
}

func TestDownloadBundlesMultipleFiles(t *testing.T) {
	f := newAPIFixture(t)
	id := f.completedJob(t, "report.docx", map[string]string{
		"report.md":             "# report",
		"images/page001_01.png": "png",
	})

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/download", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="report.zip"`)

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, file := range zr.File {
		names = append(names, file.Name)
	}
	assert.ElementsMatch(t, []string{"report.md", "images/page001_01.png"}, names)
}

func TestDownloadNotReady(t *testing.T) {
	f := newAPIFixture(t)
	id := uuid.NewString()
	require.NoError(t, f.jobs.Create(context.Background(), &jobs.Job{ID: id, Filename: "a.md", ToFormat: "html"}))

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/download", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "JOB_NOT_READY", decode(t, w)["code"])
}

func TestDownloadOutputGone(t *testing.T) {
	f := newAPIFixture(t)
	id := f.completedJob(t, "a.docx", map[string]string{"a.md": "x"})
	require.NoError(t, os.RemoveAll(f.jobs.Layout().JobOutputDir(id)))

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/download", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "JOB_RESULT_NOT_FOUND", decode(t, w)["code"])
}

func TestPreview(t *testing.T) {
	f := newAPIFixture(t)
	id := f.completedJob(t, "a.docx", map[string]string{"a.md": "# Title\n"})

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/preview", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<h1>Title</h1>")
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))

	pdfJob := f.completedJob(t, "a.docx", map[string]string{"a.pdf": "%PDF-"})
	w = f.do(httptest.NewRequest(http.MethodGet, "/api/jobs/"+pdfJob+"/preview", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "PREVIEW_UNAVAILABLE", decode(t, w)["code"])
}

func TestDeleteJob(t *testing.T) {
	f := newAPIFixture(t)
	id := f.completedJob(t, "a.docx", map[string]string{"a.md": "x"})

	w := f.do(httptest.NewRequest(http.MethodDelete, "/api/jobs/"+id, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, f.mr.Exists("job:"+id))
	assert.NoDirExists(t, f.jobs.Layout().JobOutputDir(id))
}

func TestCaptureSessionFlow(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(httptest.NewRequest(http.MethodPost, "/api/capture/sessions", nil))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	id := created["session_id"].(string)
	assert.Equal(t, "active", created["status"])
	assert.Equal(t, float64(100), created["max_pages"])

	w = f.postJSON("/api/capture/sessions/"+id+"/pages", `{"url":"https://example.com","text":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"accepted","page_count":1}`, w.Body.String())

	w = f.postJSON("/api/capture/sessions/"+id+"/finish", "")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	finished := decode(t, w)
	jobID := finished["job_id"].(string)
	assert.Equal(t, "assembling", finished["status"])
	require.Len(t, f.dispatcher.Assemblies, 1)
	assert.Equal(t, jobID, f.dispatcher.Assemblies[0].Payload.JobID)

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/capture/sessions/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	status := decode(t, w)
	assert.Equal(t, "assembling", status["status"])
	assert.Equal(t, jobID, status["job_id"])
	assert.Equal(t, "/api/jobs/"+jobID, status["status_url"])
	assert.Equal(t, "Captured document", status["title"])

	w = f.postJSON("/api/capture/sessions/"+id+"/pages", `{"text":"late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCaptureRejectsBadInput(t *testing.T) {
	f := newAPIFixture(t)
	w := f.postJSON("/api/capture/sessions", `{"title":"Book"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode(t, w)["session_id"].(string)

	w = f.postJSON("/api/capture/sessions/"+id+"/pages", `{"text":"`+strings.Repeat("x", 512)+`"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "LIMIT_EXCEEDED", decode(t, w)["code"])

	w = f.postJSON("/api/capture/sessions/"+id+"/pages", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.postJSON("/api/capture/sessions/not-a-uuid/pages", `{"text":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_SESSION_ID", decode(t, w)["code"])

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/capture/sessions/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.postJSON("/api/capture/sessions", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminSweep(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(httptest.NewRequest(http.MethodPost, "/api/admin/retention/sweep", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	login := f.postJSON("/api/admin/login", `{"username":"admin","password":"s3cret"}`)
	require.Equal(t, http.StatusNoContent, login.Code)
	token := login.Header().Get("X-CSRF-Token")

	sweepWith := func(ctx context.Context) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/retention/sweep", nil).WithContext(ctx)
		req.Header.Set("X-CSRF-Token", token)
		for _, c := range login.Result().Cookies() {
			req.AddCookie(c)
		}
		return f.do(req)
	}
	sweep := func() *httptest.ResponseRecorder { return sweepWith(context.Background()) }

	w = sweep()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode(t, w)
	assert.Equal(t, "normal", report["mode"])
	assert.Equal(t, float64(3), report["scanned"])

	assert.True(t, f.sweeper.hasDeadline)

	// 切断されたクライアントの要求でも掃除は打ち切られない
	gone, cancel := context.WithCancel(context.Background())
	cancel()
	w = sweepWith(gone)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, f.sweeper.ctxErr)

	f.sweeper.err = retention.ErrSweepRunning
	w = sweep()
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "SWEEP_RUNNING", decode(t, w)["code"])

	f.sweeper.err = errors.New("disk unavailable")
	w = sweep()
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

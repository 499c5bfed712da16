package jobs

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aerocristobal/DocuFlux-sub000/internal/storage"
	"github.com/aerocristobal/DocuFlux-sub000/internal/tasks/taskstest"
)

type fixture struct {
	mr         *miniredis.Miniredis
	store      *Store
	layout     *storage.Layout
	dispatcher *taskstest.Recorder
	manager    *Manager
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	root := t.TempDir()
	f := &fixture{
		mr:         mr,
		store:      NewStore(rdb),
		layout:     storage.NewLayout(root+"/uploads", root+"/outputs"),
		dispatcher: &taskstest.Recorder{},
		now:        time.Unix(1_700_000_000, 0),
	}
	m, err := NewManager(f.store, f.layout, f.dispatcher, Options{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	m.now = func() time.Time { return f.now }
	f.manager = m
	return f
}

// multipartFile はフォームを経由して FileHeader を作ります。
func multipartFile(t *testing.T, name string, content []byte) *multipart.FileHeader {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	require.NoError(t, req.ParseMultipartForm(1<<20))
	files := req.MultipartForm.File["file"]
	require.Len(t, files, 1)
	return files[0]
}

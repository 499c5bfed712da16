package capture

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/aerocristobal/DocuFlux-sub000/internal/convert"
	"github.com/aerocristobal/DocuFlux-sub000/internal/jobs"
	"github.com/aerocristobal/DocuFlux-sub000/internal/storage"
	"github.com/aerocristobal/DocuFlux-sub000/internal/tasks/taskstest"
)

const sessionTTL = 2 * time.Hour

type fixture struct {
	mr          *miniredis.Miniredis
	store       *Store
	jobs        *jobs.Manager
	layout      *storage.Layout
	dispatcher  *taskstest.Recorder
	coordinator *Coordinator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	root := t.TempDir()
	layout := storage.NewLayout(root+"/uploads", root+"/outputs")
	dispatcher := &taskstest.Recorder{}
	logger := zaptest.NewLogger(t)

	manager, err := jobs.NewManager(jobs.NewStore(rdb), layout, dispatcher, jobs.Options{}, logger)
	require.NoError(t, err)
	store := NewStore(rdb, sessionTTL)
	coordinator, err := NewCoordinator(store, manager, dispatcher, opts, logger)
	require.NoError(t, err)

	return &fixture{
		mr:          mr,
		store:       store,
		jobs:        manager,
		layout:      layout,
		dispatcher:  dispatcher,
		coordinator: coordinator,
	}
}

func (f *fixture) newWorker(t *testing.T, extractor convert.TextExtractor, engine convert.Engine) *Worker {
	t.Helper()
	return NewWorker(f.store, f.jobs, f.dispatcher, extractor, engine, WorkerOptions{}, zaptest.NewLogger(t))
}

func (f *fixture) session(t *testing.T, req CreateRequest) string {
	t.Helper()
	s, err := f.coordinator.CreateSession(context.Background(), req)
	require.NoError(t, err)
	return s.ID
}

func (f *fixture) addPages(t *testing.T, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.coordinator.AddPage(context.Background(), sessionID, Page{
			URL:  "https://example.com/book",
			Text: "page text",
		})
		require.NoError(t, err)
	}
}

func hint(n int) *int { return &n }

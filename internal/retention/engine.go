package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aerocristobal/DocuFlux-sub000/internal/capture"
	"github.com/aerocristobal/DocuFlux-sub000/internal/jobs"
	"github.com/aerocristobal/DocuFlux-sub000/internal/logging"
	"github.com/aerocristobal/DocuFlux-sub000/internal/storage"
)

const (
	lockKey        = "retention:sweep:lock"
	defaultLockTTL = 10 * time.Minute
)

// ErrSweepRunning は別の掃除が実行中であることを表します。
var ErrSweepRunning = errors.New("retention sweep already running")

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Options は Engine の設定です。
type Options struct {
	Root    string // 使用率を計測する管理領域
	Policy  Policy
	Usage   UsageFunc
	LockTTL time.Duration
}

// Candidate は削除対象のジョブディレクトリです。
type Candidate struct {
	JobID    string `json:"job_id"`
	Priority int    `json:"priority"`
	Reason   string `json:"reason"`
	Size     int64  `json:"size"`
}

// Report は1回の掃除の結果です。
type Report struct {
	Mode             Mode    `json:"mode"`
	UsagePercent     float64 `json:"usage_percent"`
	Scanned          int     `json:"scanned"`
	Candidates       int     `json:"candidates"`
	Evicted          int     `json:"evicted"`
	FreedBytes       int64   `json:"freed_bytes"`
	Failures         int     `json:"failures"`
	PageListsDeleted int     `json:"page_lists_deleted"`
	StoppedEarly     bool    `json:"stopped_early"`
}

// Engine はジョブディレクトリの掃除を行います。
// プロセス内のロックと Redis のリースで、同時に1つの掃除だけが走ります。
type Engine struct {
	layout *storage.Layout
	jobs   *jobs.Store
	rdb    redis.UniversalClient
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewEngine は Engine を作成します。
func NewEngine(layout *storage.Layout, store *jobs.Store, rdb redis.UniversalClient, opts Options, logger *zap.Logger) *Engine {
	if opts.Usage == nil {
		opts.Usage = DiskUsage
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	return &Engine{
		layout: layout,
		jobs:   store,
		rdb:    rdb,
		opts:   opts,
		logger: logging.OrNop(logger).Named("retention"),
		now:    time.Now,
	}
}

// Sweep は1回分の掃除を実行します。
func (e *Engine) Sweep(ctx context.Context) (*Report, error) {
	if !e.mu.TryLock() {
		return nil, ErrSweepRunning
	}
	defer e.mu.Unlock()

	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	dirs, err := e.layout.ListJobDirs()
	if err != nil {
		return nil, fmt.Errorf("list job directories: %w", err)
	}
	usage, err := e.opts.Usage(e.opts.Root)
	if err != nil {
		return nil, err
	}
	policy := e.opts.Policy
	mode := policy.Mode(usage)
	report := &Report{Mode: mode, UsagePercent: usage, Scanned: len(dirs)}

	candidates := e.classify(ctx, dirs, mode)
	report.Candidates = len(candidates)
	if err := e.measure(ctx, candidates); err != nil {
		return nil, err
	}
	sortCandidates(candidates)

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		log := e.logger.With(zap.String("job_id", c.JobID), zap.String("reason", c.Reason))
		if err := e.layout.Remove(c.JobID); err != nil {
			log.Warn("failed to remove job directories", zap.Error(err))
			report.Failures++
			continue
		}
		if err := e.jobs.Delete(ctx, c.JobID); err != nil {
			log.Warn("failed to delete job metadata", zap.Error(err))
		}
		report.Evicted++
		report.FreedBytes += c.Size
		log.Debug("job evicted", zap.Int("priority", c.Priority), zap.Int64("size", c.Size))

		// emergency 以外は目標値を下回った時点で止める
		if mode != ModeEmergency {
			current, err := e.opts.Usage(e.opts.Root)
			if err != nil {
				log.Warn("failed to recheck disk usage", zap.Error(err))
				continue
			}
			if current < policy.TargetPercent {
				report.StoppedEarly = true
				break
			}
		}
	}

	deleted, err := e.sweepPageLists(ctx)
	if err != nil {
		e.logger.Warn("page list safety pass failed", zap.Error(err))
	}
	report.PageListsDeleted = deleted

	e.logger.Info("retention sweep finished",
		zap.String("mode", string(report.Mode)),
		zap.Float64("usage_percent", report.UsagePercent),
		zap.Int("candidates", report.Candidates),
		zap.Int("evicted", report.Evicted),
		zap.Int64("freed_bytes", report.FreedBytes),
		zap.Int("failures", report.Failures),
		zap.Int("page_lists_deleted", report.PageListsDeleted),
	)
	return report, nil
}

// classify は UUID 名のディレクトリだけを判定し、削除対象を返します。
func (e *Engine) classify(ctx context.Context, dirs []string, mode Mode) []Candidate {
	now := e.now()
	var candidates []Candidate
	for _, name := range dirs {
		if _, err := uuid.Parse(name); err != nil || len(name) != 36 {
			continue
		}
		job, err := e.jobs.Get(ctx, name)
		if err != nil {
			e.logger.Warn("failed to read job metadata", zap.String("job_id", name), zap.Error(err))
			continue
		}
		var mtime time.Time
		if job == nil {
			mtime, err = e.layout.ModTime(name)
			if err != nil {
				continue
			}
		}
		d := e.opts.Policy.Classify(now, mode, job, mtime)
		if d.Evict {
			candidates = append(candidates, Candidate{JobID: name, Priority: d.Priority, Reason: d.Reason})
		}
	}
	return candidates
}

// measure は候補ごとの合計サイズを並行して計算します。
func (e *Engine) measure(ctx context.Context, candidates []Candidate) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := range candidates {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			size, err := e.layout.JobSize(candidates[i].JobID)
			if err != nil {
				e.logger.Warn("failed to measure job size", zap.String("job_id", candidates[i].JobID), zap.Error(err))
				return nil
			}
			candidates[i].Size = size
			return nil
		})
	}
	return g.Wait()
}

// sortCandidates は優先度の降順、同じ優先度ではサイズの降順に並べます。
func sortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Size > candidates[j].Size
	})
}

// sweepPageLists は TTL の設定されていないページリストを削除します。
func (e *Engine) sweepPageLists(ctx context.Context) (int, error) {
	deleted := 0
	iter := e.rdb.Scan(ctx, 0, capture.PagesKeyPattern, 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := e.rdb.TTL(ctx, key).Result()
		if err != nil {
			e.logger.Warn("failed to read page list ttl", zap.String("key", key), zap.Error(err))
			continue
		}
		if ttl != -1 {
			continue
		}
		if err := e.rdb.Del(ctx, key).Err(); err != nil {
			e.logger.Warn("failed to delete page list", zap.String("key", key), zap.Error(err))
			continue
		}
		sessionID, _ := capture.SessionIDFromPagesKey(key)
		e.logger.Info("deleted page list without ttl", zap.String("session_id", sessionID))
		deleted++
	}
	return deleted, iter.Err()
}

// acquire は Redis 上のリースを取得し、解放関数を返します。
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := e.rdb.SetNX(ctx, lockKey, token, e.opts.LockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire sweep lease: %w", err)
	}
	if !ok {
		return nil, ErrSweepRunning
	}
	return func() {
		if err := releaseScript.Run(context.WithoutCancel(ctx), e.rdb, []string{lockKey}, token).Err(); err != nil {
			e.logger.Warn("failed to release sweep lease", zap.Error(err))
		}
	}, nil
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
)

var (
	// ErrNotFound はジョブのハッシュが存在しないことを表します。
	ErrNotFound = errors.New("job not found")
	// ErrTransition は現在の状態から要求された遷移ができないことを表します。
	ErrTransition = errors.New("illegal status transition")
)

// applyScript は存在するハッシュにだけフィールドを書き込みます。
// 削除済みのジョブを部分的に復活させないためです。
var applyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
for i = 1, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return 1
`)

// transitionScript は status が許可リストに含まれる場合だけ書き込みます。
// ARGV[1] は許可する状態の数、続いて状態、残りはフィールドと値の組です。
// 戻り値は {結果, 現在の状態} で、結果は -1=なし 0=拒否 1=適用 です。
var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, ''}
end
local cur = redis.call('HGET', KEYS[1], 'status') or ''
local n = tonumber(ARGV[1])
local allowed = false
for i = 2, n + 1 do
  if ARGV[i] == cur then
    allowed = true
    break
  end
end
if not allowed then
  return {0, cur}
end
for i = n + 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
return {1, cur}
`)

// Store はジョブのメタデータを job:<uuid> ハッシュとして Redis に保存します。
type Store struct {
	rdb redis.UniversalClient
}

// NewStore は Store を作成します。
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Create は初期状態のハッシュを書き込みます。既存キーの確認はしません。
func (s *Store) Create(ctx context.Context, job *Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	return s.rdb.HSet(ctx, jobKey(job.ID), job.ToHash()).Err()
}

// Get はジョブを取得します。存在しない場合は nil, nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	h, err := s.rdb.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	return FromHash(jobID, h), nil
}

// Apply は既存のジョブに部分更新を書き込みます。
func (s *Store) Apply(ctx context.Context, jobID string, patch Patch) error {
	args := pairs(patch.fields())
	if len(args) == 0 {
		return nil
	}
	n, err := applyScript.Run(ctx, s.rdb, []string{jobKey(jobID)}, args...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}

// Transition は現在の状態が from のいずれかである場合だけ patch を適用します。
// 判定と書き込みは1回のスクリプト実行で行うため、並行する遷移と競合しません。
func (s *Store) Transition(ctx context.Context, jobID string, from []Status, patch Patch) error {
	args := make([]any, 0, 1+len(from))
	args = append(args, len(from))
	for _, st := range from {
		args = append(args, string(st))
	}
	args = append(args, pairs(patch.fields())...)

	res, err := transitionScript.Run(ctx, s.rdb, []string{jobKey(jobID)}, args...).Slice()
	if err != nil {
		return err
	}
	if len(res) != 2 {
		return fmt.Errorf("unexpected transition result: %v", res)
	}
	code, _ := res[0].(int64)
	cur, _ := res[1].(string)
	switch code {
	case -1:
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	case 0:
		return fmt.Errorf("%w: job %s is %s", ErrTransition, jobID, cur)
	}
	return nil
}

// Delete はジョブのハッシュを削除します。
func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, jobKey(jobID)).Err()
}

// ScanIDs は job:* キーを走査して ID を返します。
func (s *Store) ScanIDs(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), jobKeyPrefix)
		if id != "" && !strings.Contains(id, ":") {
			ids = append(ids, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// pairs はフィールドを決まった順序の引数列にします。
func pairs(fields map[string]string) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

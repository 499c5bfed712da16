package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "capture:session:"
	pagesSuffix      = ":pages"
	ocrSuffix        = ":ocr"
)

// PagesKeyPattern は全セッションのページリストにマッチする SCAN パターンです。
const PagesKeyPattern = sessionKeyPrefix + "*" + pagesSuffix

var (
	ErrNotFound   = errors.New("capture session not found")
	ErrNotActive  = errors.New("capture session is not active")
	ErrPageLimit  = errors.New("capture session page limit reached")
	ErrEmpty      = errors.New("capture session has no pages")
	errBadResults = errors.New("unexpected script result")
)

// appendScript はページを追記し、増分後の page_count を返します。
// 状態と上限の確認、追記、カウンタ更新、TTL の延長を1回で行います。
// ページリストにも TTL を付けます。TTL のないリストは掃除処理が別途削除します。
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, 0}
end
if redis.call('HGET', KEYS[1], 'status') ~= 'active' then
  return {-2, 0}
end
local count = tonumber(redis.call('HGET', KEYS[1], 'page_count') or '0')
if count >= tonumber(ARGV[2]) then
  return {-3, count}
end
redis.call('RPUSH', KEYS[2], ARGV[1])
local n = redis.call('HINCRBY', KEYS[1], 'page_count', 1)
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return {1, n}
`)

// finishScript は active のセッションを assembling にします。
// 作成時に予約済みの job_id があればそれを使います。
var finishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {-1, '', 0}
end
if redis.call('HGET', KEYS[1], 'status') ~= 'active' then
  return {-2, '', 0}
end
local count = tonumber(redis.call('HGET', KEYS[1], 'page_count') or '0')
if count == 0 then
  return {-3, '', 0}
end
local job = redis.call('HGET', KEYS[1], 'job_id')
if not job or job == '' then
  job = ARGV[1]
  redis.call('HSET', KEYS[1], 'job_id', job)
end
redis.call('HSET', KEYS[1], 'status', 'assembling')
return {1, job, count}
`)

// reopenScript は Finish 直後のセッションを active に戻します。
// ARGV[2] が '1' のときは Finish で割り当てた job_id も消します。
var reopenScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'assembling' then
  return 0
end
if redis.call('HGET', KEYS[1], 'job_id') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'active')
if ARGV[2] == '1' then
  redis.call('HDEL', KEYS[1], 'job_id')
end
return 1
`)

// batchQueuedScript はバッチ投入を記録し、next_batch_start を後退させません。
var batchQueuedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HINCRBY', KEYS[1], 'batches_queued', 1)
local cur = tonumber(redis.call('HGET', KEYS[1], 'next_batch_start') or '0')
if tonumber(ARGV[1]) > cur then
  redis.call('HSET', KEYS[1], 'next_batch_start', ARGV[1])
end
return 1
`)

// Store はキャプチャセッションとページリストを Redis に保存します。
type Store struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewStore は Store を作成します。ttl はセッションとページリストの有効期限です。
func NewStore(rdb redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// CreateSession はセッションのハッシュを TTL 付きで作成します。
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	key := sessionKey(session.ID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, session.toHash())
		pipe.PExpire(ctx, key, s.ttl)
		return nil
	})
	return err
}

// GetSession はセッションを取得します。存在しない場合は nil, nil です。
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	h, err := s.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	return sessionFromHash(sessionID, h), nil
}

// AppendPage はページを追記し、新しいページ数を返します。
func (s *Store) AppendPage(ctx context.Context, sessionID string, page *Page, maxPages int) (int, error) {
	body, err := json.Marshal(page)
	if err != nil {
		return 0, err
	}
	res, err := appendScript.Run(ctx, s.rdb,
		[]string{sessionKey(sessionID), pagesKey(sessionID)},
		string(body), maxPages, s.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, err
	}
	if len(res) != 2 {
		return 0, errBadResults
	}
	switch res[0] {
	case -1:
		return 0, ErrNotFound
	case -2:
		return 0, ErrNotActive
	case -3:
		return int(res[1]), ErrPageLimit
	}
	return int(res[1]), nil
}

// Finish は active のセッションを assembling にし、組み立てジョブの ID とページ数を返します。
func (s *Store) Finish(ctx context.Context, sessionID, jobID string) (string, int, error) {
	res, err := finishScript.Run(ctx, s.rdb, []string{sessionKey(sessionID)}, jobID).Slice()
	if err != nil {
		return "", 0, err
	}
	if len(res) != 3 {
		return "", 0, errBadResults
	}
	code, _ := res[0].(int64)
	id, _ := res[1].(string)
	count, _ := res[2].(int64)
	switch code {
	case -1:
		return "", 0, ErrNotFound
	case -2:
		return "", 0, ErrNotActive
	case -3:
		return "", 0, ErrEmpty
	}
	return id, int(count), nil
}

// Reopen は組み立てジョブを作れなかったセッションを active に戻します。
// dropJobID は job_id が予約済みでなく Finish で割り当てたものかどうかです。
func (s *Store) Reopen(ctx context.Context, sessionID, jobID string, dropJobID bool) error {
	drop := "0"
	if dropJobID {
		drop = "1"
	}
	return reopenScript.Run(ctx, s.rdb, []string{sessionKey(sessionID)}, jobID, drop).Err()
}

// RecordBatchQueued はバッチ投入を記録します。end はバッチの終端（排他）です。
func (s *Store) RecordBatchQueued(ctx context.Context, sessionID string, end int) error {
	return batchQueuedScript.Run(ctx, s.rdb, []string{sessionKey(sessionID)}, end).Err()
}

// RecordBatchResult はバッチの成功または失敗を数えます。
// セッションが期限切れの場合はキーを作り直しません。
func (s *Store) RecordBatchResult(ctx context.Context, sessionID string, ok bool) error {
	field := fieldBatchesDone
	if !ok {
		field = fieldBatchesFailed
	}
	key := sessionKey(sessionID)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil || exists == 0 {
		return err
	}
	return s.rdb.HIncrBy(ctx, key, field, 1).Err()
}

// ReadPages は [start, end) のページを読み出します。リストは削除しません。
func (s *Store) ReadPages(ctx context.Context, sessionID string, start, end int) ([]Page, error) {
	if end <= start {
		return nil, nil
	}
	raw, err := s.rdb.LRange(ctx, pagesKey(sessionID), int64(start), int64(end-1)).Result()
	if err != nil {
		return nil, err
	}
	return decodePages(raw)
}

// TakePages は全ページを読み出し、同じトランザクションでリストを削除します。
func (s *Store) TakePages(ctx context.Context, sessionID string) ([]Page, error) {
	key := pagesKey(sessionID)
	var rangeCmd *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodePages(rangeCmd.Val())
}

// SaveOCR はページ番号ごとの OCR 結果を保存します。
func (s *Store) SaveOCR(ctx context.Context, sessionID string, texts map[int]string) error {
	if len(texts) == 0 {
		return nil
	}
	values := make(map[string]string, len(texts))
	for idx, text := range texts {
		values[strconv.Itoa(idx)] = text
	}
	key := ocrKey(sessionID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values)
		pipe.PExpire(ctx, key, s.ttl)
		return nil
	})
	return err
}

// LoadOCR は保存済みの OCR 結果を読み出します。
func (s *Store) LoadOCR(ctx context.Context, sessionID string) (map[int]string, error) {
	h, err := s.rdb.HGetAll(ctx, ocrKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	texts := make(map[int]string, len(h))
	for k, v := range h {
		idx, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		texts[idx] = v
	}
	return texts, nil
}

// DropOCR は OCR 結果を削除します。
func (s *Store) DropOCR(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, ocrKey(sessionID)).Err()
}

// SessionIDFromPagesKey はページリストのキーからセッション ID を取り出します。
func SessionIDFromPagesKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, sessionKeyPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, pagesSuffix)
	return id, ok && id != ""
}

func decodePages(raw []string) ([]Page, error) {
	pages := make([]Page, 0, len(raw))
	for i, item := range raw {
		var p Page
		if err := json.Unmarshal([]byte(item), &p); err != nil {
			return nil, fmt.Errorf("decode page %d: %w", i, err)
		}
		pages = append(pages, p)
	}
	return pages, nil
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func pagesKey(id string) string { return sessionKeyPrefix + id + pagesSuffix }

func ocrKey(id string) string { return sessionKeyPrefix + id + ocrSuffix }

// Package jobs は変換ジョブの状態管理を担います。
package jobs

import (
	"math"
	"strconv"
	"time"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailure    Status = "FAILURE"
	StatusRevoked    Status = "REVOKED"
)

// Terminal は以後遷移しない状態かどうかを返します。
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRevoked
}

// Active は取り消し可能な状態です。
var Active = []Status{StatusPending, StatusProcessing}

// ハッシュのフィールド名
const (
	fieldStatus        = "status"
	fieldCreatedAt     = "created_at"
	fieldStartedAt     = "started_at"
	fieldCompletedAt   = "completed_at"
	fieldDownloadedAt  = "downloaded_at"
	fieldLastViewed    = "last_viewed"
	fieldProgress      = "progress"
	fieldFilename      = "filename"
	fieldFromFormat    = "from_format"
	fieldToFormat      = "to_format"
	fieldError         = "error"
	fieldFileCount     = "file_count"
	fieldEncrypted     = "encrypted"
	fieldIsRetry       = "is_retry"
	fieldOriginalJobID = "original_job_id"
	fieldSessionID     = "session_id"
)

// Job は job:<uuid> ハッシュの型付き表現です。
// 時刻はゼロ値のとき未設定、FileCount は nil のとき未計算です。
type Job struct {
	ID            string
	Status        Status
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	DownloadedAt  time.Time
	LastViewed    time.Time
	Progress      int
	Filename      string
	FromFormat    string
	ToFormat      string
	Error         string
	FileCount     *int
	Encrypted     bool
	IsRetry       bool
	OriginalJobID string
	SessionID     string
}

// LastAccess はダウンロードと閲覧のうち新しい方を返します。
func (j *Job) LastAccess() time.Time {
	if j.LastViewed.After(j.DownloadedAt) {
		return j.LastViewed
	}
	return j.DownloadedAt
}

// ToHash は設定済みのフィールドだけを文字列マップにします。
func (j *Job) ToHash() map[string]string {
	h := map[string]string{
		fieldStatus:   string(j.Status),
		fieldProgress: strconv.Itoa(j.Progress),
	}
	putTime(h, fieldCreatedAt, j.CreatedAt)
	putTime(h, fieldStartedAt, j.StartedAt)
	putTime(h, fieldCompletedAt, j.CompletedAt)
	putTime(h, fieldDownloadedAt, j.DownloadedAt)
	putTime(h, fieldLastViewed, j.LastViewed)
	putString(h, fieldFilename, j.Filename)
	putString(h, fieldFromFormat, j.FromFormat)
	putString(h, fieldToFormat, j.ToFormat)
	putString(h, fieldError, j.Error)
	putString(h, fieldOriginalJobID, j.OriginalJobID)
	putString(h, fieldSessionID, j.SessionID)
	if j.FileCount != nil {
		h[fieldFileCount] = strconv.Itoa(*j.FileCount)
	}
	h[fieldEncrypted] = formatBool(j.Encrypted)
	if j.IsRetry {
		h[fieldIsRetry] = formatBool(true)
	}
	return h
}

// FromHash はストアから読んだハッシュを Job に変換します。
// 解釈できない値は未設定として扱います。
func FromHash(id string, h map[string]string) *Job {
	j := &Job{
		ID:            id,
		Status:        Status(h[fieldStatus]),
		CreatedAt:     parseTime(h[fieldCreatedAt]),
		StartedAt:     parseTime(h[fieldStartedAt]),
		CompletedAt:   parseTime(h[fieldCompletedAt]),
		DownloadedAt:  parseTime(h[fieldDownloadedAt]),
		LastViewed:    parseTime(h[fieldLastViewed]),
		Filename:      h[fieldFilename],
		FromFormat:    h[fieldFromFormat],
		ToFormat:      h[fieldToFormat],
		Error:         h[fieldError],
		Encrypted:     parseBool(h[fieldEncrypted]),
		IsRetry:       parseBool(h[fieldIsRetry]),
		OriginalJobID: h[fieldOriginalJobID],
		SessionID:     h[fieldSessionID],
	}
	if p, err := strconv.Atoi(h[fieldProgress]); err == nil {
		j.Progress = p
	}
	if v, ok := h[fieldFileCount]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			j.FileCount = &n
		}
	}
	return j
}

// Patch はジョブへの部分更新です。nil のフィールドは変更しません。
type Patch struct {
	Status       *Status
	StartedAt    *time.Time
	CompletedAt  *time.Time
	DownloadedAt *time.Time
	LastViewed   *time.Time
	Progress     *int
	Error        *string
	FileCount    *int
}

// Ptr は値のポインタを返します。Patch の組み立てに使います。
func Ptr[T any](v T) *T {
	return &v
}

func (p Patch) fields() map[string]string {
	h := make(map[string]string)
	if p.Status != nil {
		h[fieldStatus] = string(*p.Status)
	}
	if p.StartedAt != nil {
		putTime(h, fieldStartedAt, *p.StartedAt)
	}
	if p.CompletedAt != nil {
		putTime(h, fieldCompletedAt, *p.CompletedAt)
	}
	if p.DownloadedAt != nil {
		putTime(h, fieldDownloadedAt, *p.DownloadedAt)
	}
	if p.LastViewed != nil {
		putTime(h, fieldLastViewed, *p.LastViewed)
	}
	if p.Progress != nil {
		h[fieldProgress] = strconv.Itoa(*p.Progress)
	}
	if p.Error != nil {
		h[fieldError] = *p.Error
	}
	if p.FileCount != nil {
		h[fieldFileCount] = strconv.Itoa(*p.FileCount)
	}
	return h
}

func putTime(h map[string]string, key string, t time.Time) {
	if t.IsZero() {
		return
	}
	h[key] = strconv.FormatInt(t.Unix(), 10)
}

func putString(h map[string]string, key, v string) {
	if v != "" {
		h[key] = v
	}
}

// parseTime はエポック秒（小数も可）を読み取ります。
func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || f <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

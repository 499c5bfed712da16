// Package capture はブラウザ拡張から送られるページを蓄積し、1つの文書に組み立てます。
package capture

import (
	"encoding/json"
	"strconv"
	"time"
)

// SessionStatus はキャプチャセッションの状態です。
type SessionStatus string

const (
	StatusActive     SessionStatus = "active"
	StatusAssembling SessionStatus = "assembling"
)

const (
	fieldStatus         = "status"
	fieldCreatedAt      = "created_at"
	fieldTitle          = "title"
	fieldToFormat       = "to_format"
	fieldSourceURL      = "source_url"
	fieldForceOCR       = "force_ocr"
	fieldClientID       = "client_id"
	fieldPageCount      = "page_count"
	fieldJobID          = "job_id"
	fieldBatchesQueued  = "batches_queued"
	fieldBatchesDone    = "batches_done"
	fieldBatchesFailed  = "batches_failed"
	fieldNextBatchStart = "next_batch_start"
)

// Session は capture:session:<uuid> ハッシュの型付き表現です。
type Session struct {
	ID             string
	Status         SessionStatus
	CreatedAt      time.Time
	Title          string
	ToFormat       string
	SourceURL      string
	ForceOCR       bool
	ClientID       string
	PageCount      int
	JobID          string
	BatchesQueued  int
	BatchesDone    int
	BatchesFailed  int
	NextBatchStart int
}

// BatchesPending は結果が返っていないバッチ数です。
func (s *Session) BatchesPending() int {
	n := s.BatchesQueued - s.BatchesDone - s.BatchesFailed
	if n < 0 {
		return 0
	}
	return n
}

func (s *Session) toHash() map[string]string {
	h := map[string]string{
		fieldStatus:         string(s.Status),
		fieldCreatedAt:      strconv.FormatInt(s.CreatedAt.Unix(), 10),
		fieldTitle:          s.Title,
		fieldToFormat:       s.ToFormat,
		fieldSourceURL:      s.SourceURL,
		fieldForceOCR:       strconv.FormatBool(s.ForceOCR),
		fieldClientID:       s.ClientID,
		fieldPageCount:      strconv.Itoa(s.PageCount),
		fieldBatchesQueued:  strconv.Itoa(s.BatchesQueued),
		fieldBatchesDone:    strconv.Itoa(s.BatchesDone),
		fieldBatchesFailed:  strconv.Itoa(s.BatchesFailed),
		fieldNextBatchStart: strconv.Itoa(s.NextBatchStart),
	}
	if s.JobID != "" {
		h[fieldJobID] = s.JobID
	}
	return h
}

func sessionFromHash(id string, h map[string]string) *Session {
	s := &Session{
		ID:             id,
		Status:         SessionStatus(h[fieldStatus]),
		Title:          h[fieldTitle],
		ToFormat:       h[fieldToFormat],
		SourceURL:      h[fieldSourceURL],
		ClientID:       h[fieldClientID],
		JobID:          h[fieldJobID],
		PageCount:      atoi(h[fieldPageCount]),
		BatchesQueued:  atoi(h[fieldBatchesQueued]),
		BatchesDone:    atoi(h[fieldBatchesDone]),
		BatchesFailed:  atoi(h[fieldBatchesFailed]),
		NextBatchStart: atoi(h[fieldNextBatchStart]),
	}
	s.ForceOCR, _ = strconv.ParseBool(h[fieldForceOCR])
	if sec, err := strconv.ParseInt(h[fieldCreatedAt], 10, 64); err == nil && sec > 0 {
		s.CreatedAt = time.Unix(sec, 0)
	}
	return s
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

// Image はページに埋め込まれた画像です。
// JSON では文字列（data URI / base64）か {name, data} のどちらでも受け付けます。
type Image struct {
	Name string `json:"name,omitempty"`
	Data string `json:"data"`
}

func (i *Image) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*i = Image{Data: s}
		return nil
	}
	type plain Image
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*i = Image(p)
	return nil
}

// Page はセッションに追記される1ページ分のキャプチャです。
// 追記後は変更されず、組み立て時に一度だけ読み出されます。
type Page struct {
	URL      string  `json:"url"`
	Title    string  `json:"title"`
	Text     string  `json:"text"`
	HTML     string  `json:"html,omitempty"`
	Images   []Image `json:"images,omitempty"`
	PageHint *int    `json:"page_hint,omitempty"`
}

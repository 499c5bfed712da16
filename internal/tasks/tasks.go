// Package tasks はワーカーへ投入するタスクの種類とペイロード、投入口を定義します。
package tasks

import (
	"context"
	"time"
)

// タスク名
const (
	TypeConvert         = "convert_document"
	TypeCaptureBatch    = "process_capture_batch"
	TypeAssembleSession = "assemble_capture_session"
)

// キュー名
const (
	QueueConversions = "conversions"
	QueueCapture     = "capture"
)

// ConvertPayload は通常の変換ジョブのペイロードです。
type ConvertPayload struct {
	JobID      string `json:"job_id"`
	Filename   string `json:"filename"`
	FromFormat string `json:"from_format"`
	ToFormat   string `json:"to_format"`
}

// CaptureBatchPayload はキャプチャセッションの [PageStart, PageEnd) を処理するバッチです。
type CaptureBatchPayload struct {
	SessionID  string `json:"session_id"`
	JobID      string `json:"job_id"`
	BatchIndex int    `json:"batch_index"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
}

// AssemblyPayload はセッションを1つの文書に組み立てるタスクです。
// Attempt はバッチ待ちで再投入した回数です。
type AssemblyPayload struct {
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id"`
	Attempt   int    `json:"attempt,omitempty"`
}

// Dispatcher は分散ワーカーへの fire-and-forget な投入口です。
// 配送は at-least-once で、同期的な戻り値は観測しません。
type Dispatcher interface {
	EnqueueConversion(ctx context.Context, p ConvertPayload) error
	EnqueueCaptureBatch(ctx context.Context, p CaptureBatchPayload) error
	EnqueueAssembly(ctx context.Context, p AssemblyPayload, delay time.Duration) error
	// Revoke は待機中のタスク削除と実行中タスクへのキャンセル通知を試みます。
	Revoke(ctx context.Context, jobID string) error
}

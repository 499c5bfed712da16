// Package taskstest はテスト用の Dispatcher 実装を提供します。
package taskstest

import (
	"context"
	"sync"
	"time"

	"github.com/aerocristobal/DocuFlux-sub000/internal/tasks"
)

// DelayedAssembly は遅延付きで投入された組み立てタスクです。
type DelayedAssembly struct {
	Payload tasks.AssemblyPayload
	Delay   time.Duration
}

// Recorder は投入されたタスクを記録するだけの Dispatcher です。
type Recorder struct {
	mu          sync.Mutex
	Conversions []tasks.ConvertPayload
	Batches     []tasks.CaptureBatchPayload
	Assemblies  []DelayedAssembly
	Revoked     []string

	// Err が設定されている場合、すべての投入がこのエラーで失敗します。
	Err error
}

var _ tasks.Dispatcher = (*Recorder)(nil)

func (r *Recorder) EnqueueConversion(_ context.Context, p tasks.ConvertPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Conversions = append(r.Conversions, p)
	return nil
}

func (r *Recorder) EnqueueCaptureBatch(_ context.Context, p tasks.CaptureBatchPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Batches = append(r.Batches, p)
	return nil
}

func (r *Recorder) EnqueueAssembly(_ context.Context, p tasks.AssemblyPayload, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Assemblies = append(r.Assemblies, DelayedAssembly{Payload: p, Delay: delay})
	return nil
}

func (r *Recorder) Revoke(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Revoked = append(r.Revoked, jobID)
	return nil
}

// BatchCount は記録済みバッチ数を返します。
func (r *Recorder) BatchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Batches)
}

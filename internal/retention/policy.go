// Package retention はディスク使用率に応じてジョブの成果物を削除します。
package retention

import (
	"time"

	"github.com/aerocristobal/DocuFlux-sub000/internal/config"
	"github.com/aerocristobal/DocuFlux-sub000/internal/jobs"
)

// Mode はディスク逼迫度に応じた掃除の強さです。
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeAggressive Mode = "aggressive"
	ModeEmergency  Mode = "emergency"
)

// 削除の優先度。値が大きいほど先に削除します。
const (
	PriorityUnaccessed = 3
	PriorityAccessed   = 5
	PriorityOrphan     = 7
	PriorityStale      = 8
	PriorityFailure    = 10
	PriorityEmergency  = 15
)

// Policy は猶予時間とディスク閾値です。
type Policy struct {
	FailureGrace    time.Duration
	AccessedGrace   time.Duration
	UnaccessedGrace time.Duration
	StaleAfter      time.Duration
	OrphanGrace     time.Duration

	TargetPercent     float64
	AggressivePercent float64
	EmergencyPercent  float64
}

// DefaultPolicy は標準の猶予時間と閾値です。
func DefaultPolicy() Policy {
	return Policy{
		FailureGrace:      5 * time.Minute,
		AccessedGrace:     10 * time.Minute,
		UnaccessedGrace:   60 * time.Minute,
		StaleAfter:        2 * time.Hour,
		OrphanGrace:       60 * time.Minute,
		TargetPercent:     70,
		AggressivePercent: 80,
		EmergencyPercent:  95,
	}
}

// PolicyFromConfig は設定値から Policy を作ります。
func PolicyFromConfig(cfg config.RetentionConfig) Policy {
	return Policy{
		FailureGrace:      cfg.FailureGrace,
		AccessedGrace:     cfg.AccessedGrace,
		UnaccessedGrace:   cfg.UnaccessedGrace,
		StaleAfter:        cfg.StaleAfter,
		OrphanGrace:       cfg.OrphanGrace,
		TargetPercent:     cfg.TargetPercent,
		AggressivePercent: cfg.AggressivePct,
		EmergencyPercent:  cfg.EmergencyPercent,
	}
}

// Mode は使用率（%）からモードを決めます。
func (p Policy) Mode(usage float64) Mode {
	switch {
	case usage > p.EmergencyPercent:
		return ModeEmergency
	case usage >= p.AggressivePercent:
		return ModeAggressive
	default:
		return ModeNormal
	}
}

// Decision は1ディレクトリの判定結果です。
type Decision struct {
	Evict    bool
	Priority int
	Reason   string
}

var keep = Decision{}

// Classify はジョブのメタデータ（なければディレクトリの更新時刻）から削除対象かを判定します。
// emergency モードでは経過時間に関係なくすべて対象になります。
func (p Policy) Classify(now time.Time, mode Mode, job *jobs.Job, mtime time.Time) Decision {
	if mode == ModeEmergency {
		return Decision{Evict: true, Priority: PriorityEmergency, Reason: "emergency"}
	}
	if job == nil {
		if !mtime.IsZero() && now.After(mtime.Add(p.OrphanGrace)) {
			return Decision{Evict: true, Priority: PriorityOrphan, Reason: "orphan"}
		}
		return keep
	}

	switch job.Status {
	case jobs.StatusFailure, jobs.StatusRevoked:
		if expired(now, job.CompletedAt, p.FailureGrace) {
			return Decision{Evict: true, Priority: PriorityFailure, Reason: "failed"}
		}
	case jobs.StatusSuccess:
		if last := job.LastAccess(); !last.IsZero() {
			if expired(now, last, p.AccessedGrace) {
				return Decision{Evict: true, Priority: PriorityAccessed, Reason: "accessed"}
			}
			return keep
		}
		if expired(now, job.CompletedAt, p.UnaccessedGrace) {
			return Decision{Evict: true, Priority: PriorityUnaccessed, Reason: "unaccessed"}
		}
	default:
		// 開始後に完了しなかったジョブ、または開始されないまま残った PENDING
		started := job.StartedAt
		if started.IsZero() && job.Status == jobs.StatusPending {
			started = job.CreatedAt
		}
		if job.CompletedAt.IsZero() && expired(now, started, p.StaleAfter) {
			return Decision{Evict: true, Priority: PriorityStale, Reason: "stale"}
		}
	}
	return keep
}

// expired は now > t + grace を判定します。t が未設定なら false です。
func expired(now, t time.Time, grace time.Duration) bool {
	return !t.IsZero() && now.After(t.Add(grace))
}

package jobs

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// RecoveredMessage はワーカー再起動で中断したジョブに記録するエラーです。
const RecoveredMessage = "worker restarted while the job was processing"

// Recover は起動時に PROCESSING のまま残ったジョブを FAILURE にします。
// 再配送されたタスクは状態を見て処理を省略します。
func (m *Manager) Recover(ctx context.Context) (int, error) {
	ids, err := m.store.ScanIDs(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, id := range ids {
		job, err := m.store.Get(ctx, id)
		if err != nil {
			m.logger.Warn("recover: failed to read job", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if job == nil || job.Status != StatusProcessing {
			continue
		}
		now := m.now()
		msg := RecoveredMessage
		err = m.store.Transition(ctx, id, []Status{StatusProcessing}, Patch{
			Status:      Ptr(StatusFailure),
			CompletedAt: &now,
			Error:       &msg,
		})
		if err != nil {
			if !errors.Is(err, ErrTransition) && !errors.Is(err, ErrNotFound) {
				m.logger.Warn("recover: failed to mark job", zap.String("job_id", id), zap.Error(err))
			}
			continue
		}
		recovered++
	}
	if recovered > 0 {
		m.logger.Info("recovered orphaned jobs", zap.Int("count", recovered))
	}
	return recovered, nil
}

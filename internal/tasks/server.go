package tasks

import (
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// NewServer はワーカー用の Asynq サーバーを作成します。
// 変換キューを優先し、キャプチャ処理はその半分の重みで取り出します。
func NewServer(opt asynq.RedisConnOpt, concurrency int, logger *zap.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 4
	}
	cfg := asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueConversions: 2,
			QueueCapture:     1,
		},
	}
	if logger != nil {
		cfg.Logger = logger.Sugar()
	}
	return asynq.NewServer(opt, cfg)
}

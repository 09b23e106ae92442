// Package cleanup は期限切れリフレッシュトークンの定期削除ジョブを提供する。
// 期限切れのハッシュはログインやリフレッシュで使われることはないが、
// 保存したままにしないよう一定間隔で消去する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/watertrack/internal/metrics"
)

// TokenPurger は期限切れリフレッシュトークンを消去するストア。
// repository.UserRepositoryが満たす。
type TokenPurger interface {
	PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

// CleanupJob は期限切れリフレッシュトークンの削除ジョブ。
// 削除対象がなくてもエラーにならない冪等な処理。
type CleanupJob struct {
	store   TokenPurger
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	// Now は現在時刻を返す。テストで差し替える。
	Now func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(store TokenPurger, logger *slog.Logger, collector metrics.MetricsCollector) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		store:   store,
		logger:  logger,
		metrics: metrics.OrNop(collector),
		Now:     time.Now,
	}
}

// Run は期限切れのリフレッシュトークンを1回削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	purged, err := j.store.PurgeExpiredRefreshTokens(ctx, j.Now())
	if err != nil {
		j.logger.Error("リフレッシュトークンのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("リフレッシュトークンのクリーンアップに失敗: %w", err)
	}

	j.metrics.RecordRefreshTokensPurged(purged)

	duration := time.Since(start)
	j.logger.Info("リフレッシュトークンのクリーンアップが完了しました",
		slog.Int64("purged_count", purged),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降intervalごとにRunを呼び出す。
// ctxがキャンセルされるまでブロックする。個々の実行の失敗はログに残して継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}

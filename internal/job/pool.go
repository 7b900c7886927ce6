package job

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Run はワーカープールとスイーパーを起動し、ctxがキャンセルされるまでブロックする。
// 起動時に長時間更新のないin_progressのジョブを失敗として回収する。
// 実行中のジョブはctxのキャンセルで中断され、失敗として記録される。
func (e *Engine) Run(ctx context.Context) error {
	workers := e.opts.Workers
	if workers <= 0 {
		workers = 1
	}

	e.RecoverInterrupted(ctx)

	e.running.Store(true)
	defer e.running.Store(false)

	e.logger.Info("ジョブエンジンを開始しました",
		slog.Int("workers", workers),
		slog.Int("queue_size", cap(e.queue)),
		slog.Duration("sweep_interval", e.opts.SweepInterval),
	)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.work(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.sweepLoop(ctx)
	}()

	wg.Wait()
	e.logger.Info("ジョブエンジンを停止しました")
	return nil
}

func (e *Engine) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			e.dequeued(id)
			e.execute(ctx, id)
		}
	}
}

// sweepLoop は一定間隔でscheduledのまま残っているジョブをキューに投入する。
func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	e.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

// sweepOnce はSweepAgeより前に作成されたscheduledのジョブをキューの空きの分だけ投入する。
func (e *Engine) sweepOnce(ctx context.Context) int {
	free := cap(e.queue) - len(e.queue)
	if free <= 0 {
		return 0
	}
	ids, err := e.downloads.ListScheduledBefore(ctx, e.now().Add(-e.opts.SweepAge), free)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("未実行ジョブの取得に失敗しました", slog.String("error", err.Error()))
		}
		return 0
	}

	// Submitが投入済みでワーカー待ちのIDは二重に投入しない
	n := 0
	for _, id := range ids {
		if e.isQueued(id) {
			continue
		}
		if !e.enqueue(id) {
			break
		}
		n++
	}
	if n > 0 {
		e.logger.Info("未実行ジョブをキューに投入しました", slog.Int("count", n))
	}
	return n
}

// RecoverInterrupted はStaleAfter以上更新のないin_progressのジョブを失敗にする。
// 前回のプロセスが実行中に停止した場合に残るジョブを回収する。
func (e *Engine) RecoverInterrupted(ctx context.Context) int {
	ids, err := e.downloads.FailStale(ctx, e.now().Add(-e.opts.StaleAfter), interruptedMessage)
	if err != nil {
		e.logger.Error("中断ジョブの回収に失敗しました", slog.String("error", err.Error()))
		return 0
	}
	if len(ids) > 0 {
		e.metrics.RecordRecovered(len(ids))
		e.logger.Warn("中断されたジョブを失敗として回収しました",
			slog.Int("count", len(ids)),
			slog.Any("download_ids", ids),
		)
	}
	return len(ids)
}

package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/navportal/internal/artifact"
	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/portalfetch"
	"github.com/hitoshi/navportal/internal/repository"
	"github.com/hitoshi/navportal/internal/security"
)

// 実行中に記録するチェックポイントの進捗値。
const (
	progressClaimed       = 5
	progressAuthenticated = 10
	progressValidated     = 20
	progressFetched       = 80
	progressStored        = 90
)

// failWriteTimeout は終了処理中でも失敗を記録するための書き込み猶予。
const failWriteTimeout = 5 * time.Second

var (
	// errAbandoned はチェックポイントの書き込みが尽きた場合のエラー。
	errAbandoned = errors.New("checkpoint write retries exhausted")
	// errInterrupted はシャットダウンによる中断。
	errInterrupted = errors.New("download interrupted")
)

// execute はscheduled状態のダウンロードを1件実行する。
// ワーカーからのみ呼び出される。
func (e *Engine) execute(ctx context.Context, id int64) {
	logger := e.logger.With(slog.Int64("download_id", id))

	d, err := e.downloads.FindByID(ctx, id)
	if err != nil {
		logger.Error("ダウンロードの取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	if d == nil || d.Status != model.StatusScheduled {
		return
	}

	cred, portal, reason, err := e.loadReferences(ctx, d)
	if err != nil {
		logger.Error("参照先の取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	if reason != "" {
		e.failScheduled(ctx, d, reason, logger)
		return
	}

	var claimed bool
	err = withRetry(ctx, e.opts.CheckpointRetries, e.retryBase, func(ctx context.Context) error {
		var err error
		claimed, err = e.downloads.Claim(ctx, id, progressClaimed)
		return err
	})
	if err != nil {
		logger.Error("ダウンロードの開始に失敗しました", slog.String("error", err.Error()))
		return
	}
	if !claimed {
		return
	}

	a := &attempt{
		engine:   e,
		download: d,
		cred:     cred,
		portal:   portal,
		logger:   logger,
		started:  e.now(),
		progress: progressClaimed,
	}
	logger.Info("ダウンロードを開始しました",
		slog.Int64("portal_id", portal.ID),
		slog.String("download_type", string(d.DownloadType)),
	)
	a.finish(ctx, a.run(ctx))
}

// loadReferences は認証情報とポータルを取得する。
// 参照先が存在しない場合はreasonに失敗理由を返す。
func (e *Engine) loadReferences(ctx context.Context, d *model.Download) (*model.Credential, *model.Portal, string, error) {
	if d.CredentialID == nil {
		return nil, nil, "認証情報が削除されたため実行できません", nil
	}
	cred, err := e.credentials.FindByID(ctx, *d.CredentialID)
	if err != nil {
		return nil, nil, "", err
	}
	if cred == nil {
		return nil, nil, "認証情報が削除されたため実行できません", nil
	}
	portal, err := e.portals.FindByID(ctx, d.PortalID)
	if err != nil {
		return nil, nil, "", err
	}
	if portal == nil {
		return nil, nil, "ポータルが削除されたため実行できません", nil
	}
	return cred, portal, "", nil
}

func (e *Engine) failScheduled(ctx context.Context, d *model.Download, reason string, logger *slog.Logger) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()

	ok, err := e.downloads.FailScheduled(wctx, d.ID, reason)
	if err != nil {
		logger.Error("ダウンロードの失敗記録に失敗しました", slog.String("error", err.Error()))
		return
	}
	if ok {
		e.metrics.RecordFinished(string(d.DownloadType), string(model.StatusFailed), 0)
		logger.Warn("参照先が存在しないためダウンロードを失敗にしました", slog.String("reason", reason))
	}
}

// attempt は1回のダウンロード実行の状態を保持する。
type attempt struct {
	engine   *Engine
	download *model.Download
	cred     *model.Credential
	portal   *model.Portal
	secret   security.Secret
	logger   *slog.Logger
	started  time.Time

	// progress は最後に記録した進捗。
	progress int
	// progressErr はフェッチ中の進捗書き込みで発生した最初のエラー。
	progressErr error
}

func (a *attempt) run(ctx context.Context) error {
	e := a.engine
	d := a.download

	secret, err := e.sealer.Open(a.cred.SecretCiphertext)
	if err != nil {
		return model.NewFetchError("認証情報を復号できませんでした", err)
	}
	a.secret = secret
	if err := a.checkpoint(ctx, progressAuthenticated); err != nil {
		return err
	}

	if d.StartDate.After(d.EndDate) {
		return model.NewInvalidDateRangeError()
	}
	if err := a.checkpoint(ctx, progressValidated); err != nil {
		return err
	}

	fetchStart := time.Now()
	doc, err := e.fetcher.Fetch(ctx, portalfetch.Request{
		PortalURL:  a.portal.URL,
		Identity:   a.cred.Username,
		Secret:     secret,
		Start:      d.StartDate,
		End:        d.EndDate,
		Kind:       d.DownloadType,
		FacilityID: d.FacilityUsername,
		Progress:   func(f float64) { a.reportFetch(ctx, f) },
	})
	e.metrics.RecordFetchLatency(time.Since(fetchStart))
	if err != nil {
		return err
	}
	if a.progressErr != nil {
		return a.progressErr
	}
	if err := a.checkpoint(ctx, progressFetched); err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("成果物のシリアライズに失敗しました: %w", err)
	}
	ref, err := e.artifacts.Save(ctx, artifact.Name(d.DownloadType, d.PortalID, e.now()), data)
	if err != nil {
		return fmt.Errorf("成果物の保存に失敗しました: %w", err)
	}
	if err := a.write(ctx, func(ctx context.Context) error {
		return e.downloads.AttachArtifact(ctx, d.ID, ref, progressStored)
	}); err != nil {
		a.discardArtifact(ctx, ref)
		return err
	}
	a.progress = progressStored

	if err := a.write(ctx, func(ctx context.Context) error {
		return e.downloads.Complete(ctx, d.ID)
	}); err != nil {
		return err
	}
	a.progress = 100
	return nil
}

// discardArtifact は行に紐付けられなかった成果物を削除する。
func (a *attempt) discardArtifact(ctx context.Context, ref string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	if err := a.engine.artifacts.Remove(rctx, ref); err != nil {
		a.logger.Warn("未参照の成果物の削除に失敗しました",
			slog.String("file_path", ref),
			slog.String("error", err.Error()),
		)
	}
}

// reportFetch はフェッチ中の進捗0..1を20..80の範囲に換算して記録する。
func (a *attempt) reportFetch(ctx context.Context, fraction float64) {
	if a.progressErr != nil {
		return
	}
	fraction = min(max(fraction, 0), 1)
	p := progressValidated + int(fraction*float64(progressFetched-progressValidated))
	if err := a.checkpoint(ctx, p); err != nil {
		a.progressErr = err
	}
}

// checkpoint は進捗が増える場合のみ記録する。
func (a *attempt) checkpoint(ctx context.Context, p int) error {
	if p <= a.progress {
		return nil
	}
	if err := a.write(ctx, func(ctx context.Context) error {
		return a.engine.downloads.Advance(ctx, a.download.ID, p)
	}); err != nil {
		return err
	}
	a.progress = p
	return nil
}

// write は状態書き込みをリトライ付きで実行する。
func (a *attempt) write(ctx context.Context, fn func(context.Context) error) error {
	err := withRetry(ctx, a.engine.opts.CheckpointRetries, a.engine.retryBase, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrDownloadNotActive):
		return err
	case ctx.Err() != nil:
		return errInterrupted
	default:
		return fmt.Errorf("%w: %v", errAbandoned, err)
	}
}

// finish は実行結果に応じて終端状態を記録する。
func (a *attempt) finish(ctx context.Context, runErr error) {
	e := a.engine
	d := a.download
	elapsed := e.now().Sub(a.started)

	switch {
	case runErr == nil:
		e.metrics.RecordFinished(string(d.DownloadType), string(model.StatusCompleted), elapsed)
		a.logger.Info("ダウンロードが完了しました",
			slog.Float64("duration_ms", float64(elapsed.Milliseconds())),
		)
		return
	case errors.Is(runErr, repository.ErrDownloadNotActive):
		a.logger.Warn("ダウンロードの状態が他で更新されたため実行を中止しました")
		return
	case errors.Is(runErr, errAbandoned):
		a.logger.Error("状態の記録に失敗したため実行を中止しました",
			slog.Int("progress", a.progress),
			slog.String("error", runErr.Error()),
		)
		return
	}

	if ctx.Err() != nil {
		runErr = errInterrupted
	}
	msg := a.failureMessage(runErr)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	if err := withRetry(wctx, e.opts.CheckpointRetries, e.retryBase, func(ctx context.Context) error {
		return e.downloads.Fail(ctx, d.ID, msg)
	}); err != nil {
		a.logger.Error("ダウンロードの失敗記録に失敗しました", slog.String("error", err.Error()))
		return
	}

	e.metrics.RecordFinished(string(d.DownloadType), string(model.StatusFailed), elapsed)
	a.logger.Warn("ダウンロードが失敗しました",
		slog.Int("progress", a.progress),
		slog.String("error_message", msg),
	)
}

// Package job はダウンロードジョブの受付・実行・状態管理を提供する。
// ダウンロードの状態を書き換えるのはこのパッケージのEngineのみで、
// HTTP層にはService経由の読み取りと受付だけを公開する。
package job

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/navportal/internal/artifact"
	"github.com/hitoshi/navportal/internal/metrics"
	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/portalfetch"
	"github.com/hitoshi/navportal/internal/repository"
	"github.com/hitoshi/navportal/internal/security"
)

// Service はHTTP層から利用するダウンロード操作。
type Service interface {
	Submit(ctx context.Context, p model.Principal, req SubmitRequest) (int64, error)
	GetStatus(ctx context.Context, p model.Principal, id int64) (*StatusView, error)
	List(ctx context.Context, p model.Principal, limit int) ([]model.DownloadSummary, error)
	Delete(ctx context.Context, p model.Principal, id int64) error
	OpenArtifact(ctx context.Context, p model.Principal, id int64) (io.ReadCloser, string, error)
}

// CredentialFinder は認証情報の参照インターフェース。
type CredentialFinder interface {
	FindByID(ctx context.Context, id int64) (*model.Credential, error)
}

// PortalFinder はポータルの参照インターフェース。
type PortalFinder interface {
	FindByID(ctx context.Context, id int64) (*model.Portal, error)
}

// TextSanitizer は失敗メッセージをプレーンテキスト化する。
type TextSanitizer interface {
	PlainText(raw string, maxRunes int) string
}

// Deps はEngineの依存コンポーネント。
type Deps struct {
	Downloads   repository.DownloadRepository
	Credentials CredentialFinder
	Portals     PortalFinder
	Sealer      security.SecretSealer
	Fetcher     portalfetch.Client
	Artifacts   artifact.Store
	Sanitizer   TextSanitizer
	Metrics     metrics.JobMetrics
	Logger      *slog.Logger
}

// Options はワーカープールとスイーパーの設定。
type Options struct {
	Workers           int
	QueueSize         int
	SweepInterval     time.Duration
	SweepAge          time.Duration
	StaleAfter        time.Duration
	CheckpointRetries int
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 15 * time.Minute
	}
	if o.CheckpointRetries <= 0 {
		o.CheckpointRetries = 3
	}
	return o
}

// Engine はダウンロードジョブエンジン。
// Runを呼ぶまではSubmitで作成されたジョブはscheduledのまま残り、
// 別プロセスのEngineのスイーパーが拾う。
type Engine struct {
	downloads   repository.DownloadRepository
	credentials CredentialFinder
	portals     PortalFinder
	sealer      security.SecretSealer
	fetcher     portalfetch.Client
	artifacts   artifact.Store
	sanitizer   TextSanitizer
	metrics     metrics.JobMetrics
	logger      *slog.Logger
	opts        Options

	queue   chan int64
	running atomic.Bool
	// queued はキューに入っていてワーカーがまだ受け取っていないID。
	queuedMu sync.Mutex
	queued   map[int64]struct{}
	now     func() time.Time
	// retryBase はチェックポイント書き込みリトライの初回待機時間。
	retryBase time.Duration
}

// NewEngine はEngineを生成する。
func NewEngine(deps Deps, opts Options) *Engine {
	opts = opts.withDefaults()
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	return &Engine{
		downloads:   deps.Downloads,
		credentials: deps.Credentials,
		portals:     deps.Portals,
		sealer:      deps.Sealer,
		fetcher:     deps.Fetcher,
		artifacts:   deps.Artifacts,
		sanitizer:   deps.Sanitizer,
		metrics:     m,
		logger:      deps.Logger,
		opts:        opts,
		queue:       make(chan int64, opts.QueueSize),
		queued:      map[int64]struct{}{},
		now:         time.Now,
		retryBase:   100 * time.Millisecond,
	}
}

// SubmitRequest はダウンロード要求の入力値。日付はYYYY-MM-DD形式。
type SubmitRequest struct {
	CredentialID     int64
	FacilityUsername string
	DownloadType     string
	StartDate        string
	EndDate          string
}

// maxFacilityLength は施設ユーザー名の最大文字数。
const maxFacilityLength = 100

// Submit は要求を検証してscheduled状態のダウンロードを作成し、IDを返す。
// 実行はワーカープールに非同期で委ねる。
func (e *Engine) Submit(ctx context.Context, p model.Principal, req SubmitRequest) (int64, error) {
	kind, start, end, err := validateSubmit(req)
	if err != nil {
		return 0, err
	}

	cred, err := e.credentials.FindByID(ctx, req.CredentialID)
	if err != nil {
		return 0, model.NewPersistenceError("認証情報の取得", err)
	}
	if cred == nil {
		return 0, model.NewNotFoundError("認証情報", req.CredentialID)
	}
	if cred.UserID != p.UserID {
		return 0, model.NewForbiddenError()
	}

	credID := cred.ID
	d := &model.Download{
		UserID:           p.UserID,
		PortalID:         cred.PortalID,
		CredentialID:     &credID,
		FacilityUsername: strings.TrimSpace(req.FacilityUsername),
		DownloadType:     kind,
		StartDate:        start,
		EndDate:          end,
		Status:           model.StatusScheduled,
	}
	if err := e.downloads.Create(ctx, d); err != nil {
		return 0, model.NewPersistenceError("ダウンロードの登録", err)
	}
	e.metrics.RecordSubmitted(string(kind))

	e.logger.Info("ダウンロードを受け付けました",
		slog.Int64("download_id", d.ID),
		slog.Int64("user_id", p.UserID),
		slog.Int64("portal_id", d.PortalID),
		slog.String("download_type", string(kind)),
	)

	if !e.enqueue(d.ID) && e.running.Load() {
		e.metrics.RecordQueueFull()
		e.logger.Warn("実行キューが満杯のためスイーパーに委ねます",
			slog.Int64("download_id", d.ID),
		)
	}
	return d.ID, nil
}

func validateSubmit(req SubmitRequest) (model.DownloadType, time.Time, time.Time, error) {
	var zero time.Time
	if req.CredentialID <= 0 {
		return "", zero, zero, model.NewValidationError("credential_idは必須です")
	}
	kind, ok := model.ParseDownloadType(req.DownloadType)
	if !ok {
		return "", zero, zero, model.NewValidationError("download_typeはsubmissionまたはremittanceを指定してください")
	}
	if len([]rune(strings.TrimSpace(req.FacilityUsername))) > maxFacilityLength {
		return "", zero, zero, model.NewValidationError("facility_usernameが長すぎます")
	}
	start, err := time.Parse(model.DateLayout, strings.TrimSpace(req.StartDate))
	if err != nil {
		return "", zero, zero, model.NewInvalidDateRangeError()
	}
	end, err := time.Parse(model.DateLayout, strings.TrimSpace(req.EndDate))
	if err != nil {
		return "", zero, zero, model.NewInvalidDateRangeError()
	}
	if start.After(end) {
		return "", zero, zero, model.NewInvalidDateRangeError()
	}
	return kind, start, end, nil
}

// enqueue はワーカーが稼働中の場合のみ、ブロックせずにキューへ投入する。
func (e *Engine) enqueue(id int64) bool {
	if !e.running.Load() {
		return false
	}
	e.queuedMu.Lock()
	defer e.queuedMu.Unlock()
	select {
	case e.queue <- id:
		e.queued[id] = struct{}{}
		e.metrics.SetQueueDepth(len(e.queue))
		return true
	default:
		return false
	}
}

// dequeued はワーカーがIDを受け取ったことを記録する。
func (e *Engine) dequeued(id int64) {
	e.queuedMu.Lock()
	delete(e.queued, id)
	e.queuedMu.Unlock()
	e.metrics.SetQueueDepth(len(e.queue))
}

func (e *Engine) isQueued(id int64) bool {
	e.queuedMu.Lock()
	defer e.queuedMu.Unlock()
	_, ok := e.queued[id]
	return ok
}

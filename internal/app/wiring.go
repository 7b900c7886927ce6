package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/navportal/internal/artifact"
	"github.com/hitoshi/navportal/internal/auth"
	"github.com/hitoshi/navportal/internal/config"
	"github.com/hitoshi/navportal/internal/credential"
	"github.com/hitoshi/navportal/internal/job"
	"github.com/hitoshi/navportal/internal/metrics"
	"github.com/hitoshi/navportal/internal/portal"
	"github.com/hitoshi/navportal/internal/portalfetch"
	"github.com/hitoshi/navportal/internal/repository"
	"github.com/hitoshi/navportal/internal/security"
	"github.com/hitoshi/navportal/internal/user"
)

// components はserve/workerで共有する依存関係。
type components struct {
	registry *prometheus.Registry

	sessionRepo *repository.PostgresSessionRepo

	authService       *auth.Service
	portalService     *portal.Service
	credentialService *credential.Service
	userService       *user.Service
	engine            *job.Engine
}

// newRegistry はGo・プロセスのコレクターを登録したレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// buildComponents はDB接続から全サービスとジョブエンジンを構築する。
func buildComponents(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*components, error) {
	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	portalRepo := repository.NewPostgresPortalRepo(db)
	credRepo := repository.NewPostgresCredentialRepo(db)
	downloadRepo := repository.NewPostgresDownloadRepo(db)

	// 2. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	sealer, err := security.NewEnvelopeSealer(cfg.CredentialMasterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential sealer: %w", err)
	}

	// 3. 成果物ストアとポータルクライアント
	store, err := newArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	fetcher := newPortalClient(cfg, ssrfGuard, logger)

	// 4. メトリクス
	reg := newRegistry()
	collector := metrics.NewCollector(reg)

	// 5. ドメインサービスの初期化
	authService := auth.NewService(
		userRepo, sessionRepo, security.NewPasswordHasher(0),
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
	)
	portalService := portal.NewService(portalRepo, ssrfGuard, sanitizer)
	credService := credential.NewService(credRepo, portalRepo, sealer)
	userService := user.NewService(userRepo, sessionRepo, authService, downloadRepo, store)

	engine := job.NewEngine(job.Deps{
		Downloads:   downloadRepo,
		Credentials: credRepo,
		Portals:     portalRepo,
		Sealer:      sealer,
		Fetcher:     fetcher,
		Artifacts:   store,
		Sanitizer:   sanitizer,
		Metrics:     collector,
		Logger:      logger,
	}, job.Options{
		Workers:           cfg.JobWorkers,
		QueueSize:         cfg.JobQueueSize,
		SweepInterval:     cfg.JobSweepInterval,
		SweepAge:          cfg.JobSweepAge,
		StaleAfter:        cfg.JobStaleAfter,
		CheckpointRetries: cfg.JobCheckpointRetries,
	})

	return &components{
		registry:          reg,
		sessionRepo:       sessionRepo,
		authService:       authService,
		portalService:     portalService,
		credentialService: credService,
		userService:       userService,
		engine:            engine,
	}, nil
}

// newArtifactStore はARTIFACT_BACKENDに応じた成果物ストアを生成する。
func newArtifactStore(ctx context.Context, cfg *config.Config) (artifact.Store, error) {
	switch cfg.ArtifactBackend {
	case "s3":
		store, err := artifact.NewS3Store(ctx, artifact.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Prefix:    "downloads",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize s3 artifact store: %w", err)
		}
		return store, nil
	default:
		store, err := artifact.NewLocalStore(cfg.ArtifactDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize local artifact store: %w", err)
		}
		return store, nil
	}
}

// newPortalClient はPORTAL_CLIENTに応じたポータルクライアントを生成する。
// httpの場合はSSRF防止済みのクライアントで接続する。
func newPortalClient(cfg *config.Config, guard security.SSRFGuardService, logger *slog.Logger) portalfetch.Client {
	if cfg.PortalClient == "http" {
		return portalfetch.NewHTTPClient(guard.NewSafeClient(cfg.PortalFetchTimeout), logger, cfg.PortalFetchMaxSize)
	}
	return portalfetch.NewSimulated(cfg.PortalSimulatedLatency, nil)
}

package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/navportal/internal/artifact"
	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/portalfetch"
	"github.com/hitoshi/navportal/internal/repository"
	"github.com/hitoshi/navportal/internal/security"
)

// memDownloads はDownloadRepositoryのインメモリ実装。
// 状態遷移の条件はPostgres実装のWHERE句と同じ判定を行う。
type memDownloads struct {
	mu         sync.Mutex
	nextID     int64
	rows       map[int64]*model.Download
	progress   map[int64][]int
	statuses   map[int64][]model.DownloadStatus
	advanceErr error
	attachErr  error
	lastLimit  int
	now        func() time.Time
}

func newMemDownloads() *memDownloads {
	return &memDownloads{
		rows:     map[int64]*model.Download{},
		progress: map[int64][]int{},
		statuses: map[int64][]model.DownloadStatus{},
		now:      time.Now,
	}
}

func (m *memDownloads) record(d *model.Download) {
	d.UpdatedAt = m.now()
	m.progress[d.ID] = append(m.progress[d.ID], d.Progress)
	if s := m.statuses[d.ID]; len(s) == 0 || s[len(s)-1] != d.Status {
		m.statuses[d.ID] = append(s, d.Status)
	}
}

func (m *memDownloads) FindByID(ctx context.Context, id int64) (*model.Download, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *memDownloads) ListByUserID(ctx context.Context, userID int64, limit int) ([]model.DownloadSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	var out []model.DownloadSummary
	for _, d := range m.rows {
		if d.UserID == userID {
			out = append(out, model.DownloadSummary{Download: *d, PortalName: "portal"})
		}
	}
	slices.SortFunc(out, func(a, b model.DownloadSummary) int { return int(b.ID - a.ID) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memDownloads) Create(ctx context.Context, d *model.Download) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	d.ID = m.nextID
	d.Status = model.StatusScheduled
	d.Progress = 0
	d.CreatedAt = m.now()
	cp := *d
	m.rows[d.ID] = &cp
	m.record(&cp)
	return nil
}

// transition はfromの状態のときのみfnを適用する。
func (m *memDownloads) transition(id int64, from model.DownloadStatus, fn func(d *model.Download)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok || d.Status != from {
		return false
	}
	fn(d)
	m.record(d)
	return true
}

func (m *memDownloads) Claim(ctx context.Context, id int64, p int) (bool, error) {
	return m.transition(id, model.StatusScheduled, func(d *model.Download) {
		d.Status = model.StatusInProgress
		d.Progress = max(d.Progress, p)
	}), nil
}

func (m *memDownloads) FailScheduled(ctx context.Context, id int64, msg string) (bool, error) {
	return m.transition(id, model.StatusScheduled, func(d *model.Download) {
		d.Status = model.StatusFailed
		d.ErrorMessage = &msg
	}), nil
}

func (m *memDownloads) Advance(ctx context.Context, id int64, p int) error {
	if m.advanceErr != nil {
		return m.advanceErr
	}
	if !m.transition(id, model.StatusInProgress, func(d *model.Download) { d.Progress = max(d.Progress, p) }) {
		return repository.ErrDownloadNotActive
	}
	return nil
}

func (m *memDownloads) AttachArtifact(ctx context.Context, id int64, path string, p int) error {
	if m.attachErr != nil {
		return m.attachErr
	}
	if !m.transition(id, model.StatusInProgress, func(d *model.Download) {
		d.FilePath = &path
		d.Progress = max(d.Progress, p)
	}) {
		return repository.ErrDownloadNotActive
	}
	return nil
}

func (m *memDownloads) Complete(ctx context.Context, id int64) error {
	if !m.transition(id, model.StatusInProgress, func(d *model.Download) {
		d.Status = model.StatusCompleted
		d.Progress = 100
	}) {
		return repository.ErrDownloadNotActive
	}
	return nil
}

func (m *memDownloads) Fail(ctx context.Context, id int64, msg string) error {
	if !m.transition(id, model.StatusInProgress, func(d *model.Download) {
		d.Status = model.StatusFailed
		d.ErrorMessage = &msg
	}) {
		return repository.ErrDownloadNotActive
	}
	return nil
}

func (m *memDownloads) ListScheduledBefore(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, d := range m.rows {
		if d.Status == model.StatusScheduled && !d.CreatedAt.After(before) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memDownloads) FailStale(ctx context.Context, before time.Time, msg string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, d := range m.rows {
		if d.Status == model.StatusInProgress && d.UpdatedAt.Before(before) {
			d.Status = model.StatusFailed
			d.ErrorMessage = &msg
			m.statuses[id] = append(m.statuses[id], model.StatusFailed)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memDownloads) DeleteTerminal(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[id]
	if !ok || !d.Status.IsTerminal() {
		return false, nil
	}
	delete(m.rows, id)
	return true, nil
}

func (m *memDownloads) listLimit() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLimit
}

func (m *memDownloads) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memDownloads) history(id int64) ([]int, []model.DownloadStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.progress[id]), slices.Clone(m.statuses[id])
}

// set はテスト用に行を直接書き換える。
func (m *memDownloads) set(id int64, fn func(d *model.Download)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.rows[id])
}

type memCredentials map[int64]*model.Credential

func (m memCredentials) FindByID(ctx context.Context, id int64) (*model.Credential, error) {
	return m[id], nil
}

type memPortals map[int64]*model.Portal

func (m memPortals) FindByID(ctx context.Context, id int64) (*model.Portal, error) {
	return m[id], nil
}

// mockFetcher はportalfetch.Clientのテスト用モック。
type mockFetcher struct {
	fetchFunc func(ctx context.Context, req portalfetch.Request) (*portalfetch.Document, error)
}

func (m *mockFetcher) Fetch(ctx context.Context, req portalfetch.Request) (*portalfetch.Document, error) {
	return m.fetchFunc(ctx, req)
}

const (
	ownerID    = int64(1)
	strangerID = int64(2)
	testSecret = "s3cr3t-portal-pass"
)

var (
	owner    = model.Principal{UserID: ownerID, Username: "owner"}
	stranger = model.Principal{UserID: strangerID, Username: "stranger"}
)

type testEnv struct {
	engine      *Engine
	downloads   *memDownloads
	creds       memCredentials
	artifacts   *artifact.LocalStore
	artifactDir string
	fetcher     *mockFetcher
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	sealer, err := security.NewEnvelopeSealer("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("NewEnvelopeSealer returned error: %v", err)
	}
	blob, err := sealer.Seal(security.NewSecret(testSecret))
	if err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}
	dir := t.TempDir()
	store, err := artifact.NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore returned error: %v", err)
	}

	sim := portalfetch.NewSimulated(0, rand.New(rand.NewPCG(1, 2)))
	env := &testEnv{
		downloads: newMemDownloads(),
		creds: memCredentials{
			10: {ID: 10, UserID: ownerID, PortalID: 100, Username: "clinic", SecretCiphertext: blob},
			20: {ID: 20, UserID: strangerID, PortalID: 100, Username: "other", SecretCiphertext: blob},
		},
		artifacts:   store,
		artifactDir: dir,
		fetcher:     &mockFetcher{fetchFunc: sim.Fetch},
	}
	env.engine = NewEngine(Deps{
		Downloads:   env.downloads,
		Credentials: env.creds,
		Portals:     memPortals{100: {ID: 100, Name: "Claims", URL: "https://portal.example.com"}},
		Sealer:      sealer,
		Fetcher:     env.fetcher,
		Artifacts:   store,
		Sanitizer:   security.NewContentSanitizer(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, opts)
	env.engine.retryBase = time.Millisecond
	return env
}

// start はエンジンを起動し、テスト終了時に停止する。
func (env *testEnv) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.engine.Run(ctx)
		close(done)
	}()
	waitFor(t, "engine running", env.engine.running.Load)
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

// pop はワーカーと同じ手順でキューからIDを1件取り出す。
func (env *testEnv) pop() int64 {
	id := <-env.engine.queue
	env.engine.dequeued(id)
	return id
}

func validRequest() SubmitRequest {
	return SubmitRequest{
		CredentialID: 10,
		DownloadType: "submission",
		StartDate:    "2026-03-01",
		EndDate:      "2026-03-05",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (env *testEnv) waitStatus(t *testing.T, id int64, status model.DownloadStatus) *model.Download {
	t.Helper()
	var d *model.Download
	waitFor(t, "status "+string(status), func() bool {
		d, _ = env.downloads.FindByID(context.Background(), id)
		return d != nil && d.Status == status
	})
	return d
}

var errBoom = errors.New("boom")

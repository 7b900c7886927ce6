package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/portalfetch"
	"github.com/hitoshi/navportal/internal/repository"
)

func TestSubmit_ValidationRejectsWithoutRow(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []struct {
		name   string
		mutate func(r *SubmitRequest)
		want   model.ErrorKind
		code   string
	}{
		{"credential_id未指定", func(r *SubmitRequest) { r.CredentialID = 0 }, model.KindValidation, model.ErrCodeValidation},
		{"不明な種類", func(r *SubmitRequest) { r.DownloadType = "invoice" }, model.KindValidation, model.ErrCodeValidation},
		{"開始日が不正", func(r *SubmitRequest) { r.StartDate = "03/01/2026" }, model.KindValidation, model.ErrCodeInvalidDateRange},
		{"終了日が空", func(r *SubmitRequest) { r.EndDate = "" }, model.KindValidation, model.ErrCodeInvalidDateRange},
		{"開始日が終了日より後", func(r *SubmitRequest) { r.StartDate = "2026-04-01" }, model.KindValidation, model.ErrCodeInvalidDateRange},
		{"施設名が長すぎる", func(r *SubmitRequest) { r.FacilityUsername = strings.Repeat("x", 101) }, model.KindValidation, model.ErrCodeValidation},
		{"存在しない認証情報", func(r *SubmitRequest) { r.CredentialID = 99 }, model.KindNotFound, model.ErrCodeNotFound},
		{"他人の認証情報", func(r *SubmitRequest) { r.CredentialID = 20 }, model.KindForbidden, model.ErrCodeForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := env.engine.Submit(context.Background(), owner, req)

			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *model.APIError", err)
			}
			if apiErr.Kind != tt.want || apiErr.Code != tt.code {
				t.Errorf("kind/code = %s/%s, want %s/%s", apiErr.Kind, apiErr.Code, tt.want, tt.code)
			}
			if n := env.downloads.count(); n != 0 {
				t.Errorf("拒否された要求で行が作成されています: %d", n)
			}
		})
	}
}

func TestSubmit_SameDayRangeAccepted(t *testing.T) {
	env := newTestEnv(t, Options{})
	req := validRequest()
	req.EndDate = req.StartDate

	id, err := env.engine.Submit(context.Background(), owner, req)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	d, _ := env.downloads.FindByID(context.Background(), id)
	if d.Status != model.StatusScheduled || d.Progress != 0 {
		t.Errorf("status/progress = %s/%d, want scheduled/0", d.Status, d.Progress)
	}
	if d.PortalID != 100 || d.CredentialID == nil || *d.CredentialID != 10 {
		t.Errorf("download = %+v", d)
	}
}

func TestExecute_CompletesWithMonotonicProgress(t *testing.T) {
	env := newTestEnv(t, Options{Workers: 2})
	env.start(t)

	req := validRequest()
	req.FacilityUsername = "north-wing"
	id, err := env.engine.Submit(context.Background(), owner, req)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}

	d := env.waitStatus(t, id, model.StatusCompleted)
	if d.Progress != 100 {
		t.Errorf("progress = %d, want 100", d.Progress)
	}
	if d.FilePath == nil {
		t.Fatal("file_path should be set on completion")
	}
	if d.ErrorMessage != nil {
		t.Errorf("error_message = %q, want nil", *d.ErrorMessage)
	}

	progress, statuses := env.downloads.history(id)
	if !slices.IsSorted(progress) {
		t.Errorf("進捗が後退しています: %v", progress)
	}
	for _, cp := range []int{5, 10, 20, 80, 90, 100} {
		if !slices.Contains(progress, cp) {
			t.Errorf("checkpoint %d missing in %v", cp, progress)
		}
	}
	want := []model.DownloadStatus{model.StatusScheduled, model.StatusInProgress, model.StatusCompleted}
	if !slices.Equal(statuses, want) {
		t.Errorf("statuses = %v, want %v", statuses, want)
	}

	rc, name, err := env.engine.OpenArtifact(context.Background(), owner, id)
	if err != nil {
		t.Fatalf("OpenArtifact returned error: %v", err)
	}
	defer rc.Close()
	if !strings.HasPrefix(name, "submission_100_") || !strings.HasSuffix(name, ".json") {
		t.Errorf("artifact name = %q", name)
	}
	var doc portalfetch.Document
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		t.Fatalf("artifact is not valid JSON: %v", err)
	}
	if len(doc.Items) != 5 || doc.FacilityUsername == nil || *doc.FacilityUsername != "north-wing" {
		t.Errorf("document = %+v", doc)
	}
}

func TestExecute_FetchFailureKeepsProgressAndScrubsSecret(t *testing.T) {
	env := newTestEnv(t, Options{Workers: 1})
	env.fetcher.fetchFunc = func(ctx context.Context, req portalfetch.Request) (*portalfetch.Document, error) {
		req.Progress(0.5)
		return nil, model.NewFetchError("<b>ポータルが認証情報を拒否しました</b>",
			fmt.Errorf("login failed for password=%s", req.Secret.Reveal()))
	}
	env.start(t)

	id, _ := env.engine.Submit(context.Background(), owner, validRequest())
	d := env.waitStatus(t, id, model.StatusFailed)

	if d.Progress != 50 {
		t.Errorf("progress = %d, want 50 (kept at failure point)", d.Progress)
	}
	if d.ErrorMessage == nil {
		t.Fatal("error_message should be set")
	}
	msg := *d.ErrorMessage
	if strings.Contains(msg, testSecret) {
		t.Errorf("エラーメッセージにシークレットが含まれています: %q", msg)
	}
	if !strings.Contains(msg, redacted) || !strings.Contains(msg, "認証情報を拒否") {
		t.Errorf("error_message = %q", msg)
	}
	if strings.Contains(msg, "<b>") {
		t.Errorf("HTMLが除去されていません: %q", msg)
	}

	_, statuses := env.downloads.history(id)
	want := []model.DownloadStatus{model.StatusScheduled, model.StatusInProgress, model.StatusFailed}
	if !slices.Equal(statuses, want) {
		t.Errorf("statuses = %v, want %v", statuses, want)
	}

	if _, _, err := env.engine.OpenArtifact(context.Background(), owner, id); model.KindOf(err) != model.KindNotFound {
		t.Errorf("失敗したダウンロードの成果物 err = %v, want not_found", err)
	}
}

func TestExecute_LongErrorMessageIsTruncated(t *testing.T) {
	env := newTestEnv(t, Options{Workers: 1})
	env.fetcher.fetchFunc = func(ctx context.Context, req portalfetch.Request) (*portalfetch.Document, error) {
		return nil, errors.New(strings.Repeat("e", 2000))
	}
	env.start(t)

	id, _ := env.engine.Submit(context.Background(), owner, validRequest())
	d := env.waitStatus(t, id, model.StatusFailed)
	if n := len([]rune(*d.ErrorMessage)); n != 500 {
		t.Errorf("message length = %d, want 500", n)
	}
}

func TestExecute_MissingCredentialFailsFromScheduled(t *testing.T) {
	env := newTestEnv(t, Options{Workers: 1})

	id, _ := env.engine.Submit(context.Background(), owner, validRequest())
	env.downloads.set(id, func(d *model.Download) { d.CredentialID = nil })
	env.start(t)

	d := env.waitStatus(t, id, model.StatusFailed)
	if d.Progress != 0 {
		t.Errorf("progress = %d, want 0", d.Progress)
	}
	if d.ErrorMessage == nil || !strings.Contains(*d.ErrorMessage, "認証情報") {
		t.Errorf("error_message = %v", d.ErrorMessage)
	}
	_, statuses := env.downloads.history(id)
	if !slices.Equal(statuses, []model.DownloadStatus{model.StatusScheduled, model.StatusFailed}) {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestExecute_ConcurrentSubmitsRunExactlyOnce(t *testing.T) {
	env := newTestEnv(t, Options{Workers: 4, QueueSize: 64})
	var calls atomic.Int32
	sim := env.fetcher.fetchFunc
	env.fetcher.fetchFunc = func(ctx context.Context, req portalfetch.Request) (*portalfetch.Document, error) {
		calls.Add(1)
		return sim(ctx, req)
	}
	env.start(t)

	const n = 20
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := env.engine.Submit(context.Background(), owner, validRequest())
			if err != nil {
				t.Errorf("Submit returned error: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		env.waitStatus(t, id, model.StatusCompleted)
	}
	if got := calls.Load(); got != n {
		t.Errorf("fetch calls = %d, want %d", got, n)
	}
	if unique := slices.Compact(slices.Sorted(slices.Values(ids))); len(unique) != n {
		t.Errorf("ids not unique: %v", ids)
	}
}

func TestSubmit_QueueFullLeavesRowForSweeper(t *testing.T) {
	env := newTestEnv(t, Options{Workers: 1, QueueSize: 1})
	// ワーカーを起動せずにキューだけ有効にする
	env.engine.running.Store(true)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := env.engine.Submit(context.Background(), owner, validRequest())
		if err != nil {
			t.Fatalf("Submit returned error: %v", err)
		}
		ids = append(ids, id)
	}
	if got := len(env.engine.queue); got != 1 {
		t.Fatalf("queue length = %d, want 1", got)
	}
	for _, id := range ids {
		d, _ := env.downloads.FindByID(context.Background(), id)
		if d.Status != model.StatusScheduled {
			t.Errorf("download %d status = %s, want scheduled", id, d.Status)
		}
	}

	if got := env.pop(); got != ids[0] {
		t.Errorf("queued id = %d, want %d", got, ids[0])
	}
	if n := env.engine.sweepOnce(context.Background()); n != 1 {
		t.Errorf("sweepOnce enqueued %d, want 1", n)
	}
	if got := env.pop(); got != ids[0] {
		t.Errorf("sweeper should enqueue oldest first: got %d", got)
	}
}

func TestSweepOnce_SkipsIDsAlreadyQueued(t *testing.T) {
	env := newTestEnv(t, Options{Workers: 1, QueueSize: 4})
	env.engine.running.Store(true)
	ctx := context.Background()

	queued, _ := env.engine.Submit(ctx, owner, validRequest())
	env.engine.running.Store(false)
	waiting, _ := env.engine.Submit(ctx, owner, validRequest())
	env.engine.running.Store(true)

	if n := env.engine.sweepOnce(ctx); n != 1 {
		t.Fatalf("sweepOnce enqueued %d, want 1", n)
	}
	if got := len(env.engine.queue); got != 2 {
		t.Fatalf("queue length = %d, want 2", got)
	}
	if got := []int64{env.pop(), env.pop()}; !slices.Equal(got, []int64{queued, waiting}) {
		t.Errorf("queue = %v, want [%d %d]", got, queued, waiting)
	}

	// ワーカーが受け取った後は再投入できる
	if n := env.engine.sweepOnce(ctx); n != 2 {
		t.Errorf("sweepOnce after dequeue enqueued %d, want 2", n)
	}
}

func TestRun_SweeperPicksUpRowsSubmittedBeforeStart(t *testing.T) {
	env := newTestEnv(t, Options{Workers: 1})
	id, _ := env.engine.Submit(context.Background(), owner, validRequest())
	if len(env.engine.queue) != 0 {
		t.Fatal("停止中のエンジンはキューに投入しないべき")
	}

	env.start(t)
	env.waitStatus(t, id, model.StatusCompleted)
}

func TestRun_ShutdownFailsInFlightJobAsInterrupted(t *testing.T) {
	env := newTestEnv(t, Options{Workers: 1})
	started := make(chan struct{})
	env.fetcher.fetchFunc = func(ctx context.Context, req portalfetch.Request) (*portalfetch.Document, error) {
		close(started)
		<-ctx.Done()
		return nil, model.NewFetchError("取得が中断されました", ctx.Err())
	}
	cancel := env.start(t)

	id, _ := env.engine.Submit(context.Background(), owner, validRequest())
	<-started
	cancel()

	d := env.waitStatus(t, id, model.StatusFailed)
	if d.ErrorMessage == nil || *d.ErrorMessage != interruptedMessage {
		t.Errorf("error_message = %v, want %q", d.ErrorMessage, interruptedMessage)
	}
	if d.Progress != progressValidated {
		t.Errorf("progress = %d, want %d", d.Progress, progressValidated)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	env := newTestEnv(t, Options{StaleAfter: time.Minute})
	ctx := context.Background()

	stale, _ := env.engine.Submit(ctx, owner, validRequest())
	fresh, _ := env.engine.Submit(ctx, owner, validRequest())
	env.downloads.Claim(ctx, stale, 5)
	env.downloads.Claim(ctx, fresh, 5)
	env.downloads.set(stale, func(d *model.Download) { d.UpdatedAt = time.Now().Add(-time.Hour) })

	if n := env.engine.RecoverInterrupted(ctx); n != 1 {
		t.Fatalf("RecoverInterrupted = %d, want 1", n)
	}
	d, _ := env.downloads.FindByID(ctx, stale)
	if d.Status != model.StatusFailed || *d.ErrorMessage != interruptedMessage || d.Progress != 5 {
		t.Errorf("stale download = %+v", d)
	}
	d, _ = env.downloads.FindByID(ctx, fresh)
	if d.Status != model.StatusInProgress {
		t.Errorf("fresh download status = %s, want in_progress", d.Status)
	}
}

func TestExecute_AbandonsWhenCheckpointWritesFail(t *testing.T) {
	env := newTestEnv(t, Options{CheckpointRetries: 2})
	env.downloads.advanceErr = errBoom
	ctx := context.Background()

	id, _ := env.engine.Submit(ctx, owner, validRequest())
	env.engine.execute(ctx, id)

	d, _ := env.downloads.FindByID(ctx, id)
	if d.Status != model.StatusInProgress || d.Progress != progressClaimed {
		t.Errorf("status/progress = %s/%d, want in_progress/%d", d.Status, d.Progress, progressClaimed)
	}
}

func TestExecute_RemovesArtifactWhenAttachFails(t *testing.T) {
	for _, tt := range []struct {
		name string
		err  error
	}{
		{"行が実行中でない", repository.ErrDownloadNotActive},
		{"書き込みが尽きた", errBoom},
	} {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{CheckpointRetries: 2})
			env.downloads.attachErr = tt.err
			ctx := context.Background()

			id, _ := env.engine.Submit(ctx, owner, validRequest())
			env.engine.execute(ctx, id)

			d, _ := env.downloads.FindByID(ctx, id)
			if d.FilePath != nil {
				t.Errorf("file_path = %q, want nil", *d.FilePath)
			}
			entries, err := os.ReadDir(env.artifactDir)
			if err != nil {
				t.Fatalf("ReadDir returned error: %v", err)
			}
			if len(entries) != 0 {
				t.Errorf("成果物が残っています: %d件", len(entries))
			}
		})
	}
}

func TestList_LimitBounds(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	tests := []struct {
		limit int
		want  int
	}{
		{0, DefaultListLimit},
		{500, 500},
		{MaxListLimit, MaxListLimit},
		{MaxListLimit + 1, MaxListLimit},
	}
	for _, tt := range tests {
		if _, err := env.engine.List(ctx, owner, tt.limit); err != nil {
			t.Fatalf("List(%d) returned error: %v", tt.limit, err)
		}
		if got := env.downloads.listLimit(); got != tt.want {
			t.Errorf("List(%d) queried limit %d, want %d", tt.limit, got, tt.want)
		}
	}
}

func TestExecute_SkipsJobAlreadyClaimed(t *testing.T) {
	env := newTestEnv(t, Options{})
	var calls atomic.Int32
	env.fetcher.fetchFunc = func(ctx context.Context, req portalfetch.Request) (*portalfetch.Document, error) {
		calls.Add(1)
		return nil, errBoom
	}
	ctx := context.Background()

	id, _ := env.engine.Submit(ctx, owner, validRequest())
	env.downloads.Claim(ctx, id, 5)
	env.engine.execute(ctx, id)

	if calls.Load() != 0 {
		t.Error("取得済みのジョブが再実行されています")
	}
}

func TestGetStatus(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env.engine.now = func() time.Time { return now }

	id, _ := env.engine.Submit(ctx, owner, validRequest())

	t.Run("scheduledはETAなし", func(t *testing.T) {
		v, err := env.engine.GetStatus(ctx, owner, id)
		if err != nil {
			t.Fatalf("GetStatus returned error: %v", err)
		}
		if v.Status != model.StatusScheduled || v.EstimatedCompletion != nil {
			t.Errorf("view = %+v", v)
		}
	})

	t.Run("in_progressはETAあり", func(t *testing.T) {
		env.downloads.Claim(ctx, id, 5)
		env.downloads.Advance(ctx, id, 50)
		env.downloads.set(id, func(d *model.Download) { d.CreatedAt = now.Add(-59 * time.Second) })

		v, _ := env.engine.GetStatus(ctx, owner, id)
		if v.EstimatedCompletion == nil || *v.EstimatedCompletion != "Less than a minute" {
			t.Errorf("estimated_completion = %v", v.EstimatedCompletion)
		}

		env.downloads.set(id, func(d *model.Download) {
			d.Progress = 10
			d.CreatedAt = now.Add(-600 * time.Second)
		})
		v, _ = env.engine.GetStatus(ctx, owner, id)
		if v.EstimatedCompletion == nil || *v.EstimatedCompletion != "About 90 minute(s)" {
			t.Errorf("estimated_completion = %v", v.EstimatedCompletion)
		}
	})

	t.Run("所有者以外はforbidden", func(t *testing.T) {
		if _, err := env.engine.GetStatus(ctx, stranger, id); model.KindOf(err) != model.KindForbidden {
			t.Errorf("err = %v, want forbidden", err)
		}
	})

	t.Run("存在しないIDはnot_found", func(t *testing.T) {
		if _, err := env.engine.GetStatus(ctx, owner, 999); model.KindOf(err) != model.KindNotFound {
			t.Errorf("err = %v, want not_found", err)
		}
	})
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t, Options{Workers: 1})
	ctx := context.Background()

	pending, _ := env.engine.Submit(ctx, owner, validRequest())
	if err := env.engine.Delete(ctx, owner, pending); model.KindOf(err) != model.KindConflict {
		t.Errorf("未完了の削除 err = %v, want conflict", err)
	}

	env.start(t)
	done, _ := env.engine.Submit(ctx, owner, validRequest())
	d := env.waitStatus(t, done, model.StatusCompleted)

	if err := env.engine.Delete(ctx, stranger, done); model.KindOf(err) != model.KindForbidden {
		t.Errorf("他人の削除 err = %v, want forbidden", err)
	}
	if err := env.engine.Delete(ctx, owner, done); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if got, _ := env.downloads.FindByID(ctx, done); got != nil {
		t.Error("ダウンロードが削除されていません")
	}
	if _, err := env.artifacts.Open(ctx, *d.FilePath); err == nil {
		t.Error("成果物が削除されていません")
	}
}

func TestList_OnlyOwnDownloads(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	env.engine.Submit(ctx, owner, validRequest())
	env.engine.Submit(ctx, owner, validRequest())
	other := validRequest()
	other.CredentialID = 20
	env.engine.Submit(ctx, stranger, other)

	list, err := env.engine.List(ctx, owner, 0)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID < list[1].ID {
		t.Error("新しい順に並んでいません")
	}
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("一時的な失敗はリトライする", func(t *testing.T) {
		calls := 0
		err := withRetry(ctx, 3, time.Millisecond, func(context.Context) error {
			calls++
			if calls < 3 {
				return errBoom
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Errorf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("回数を使い切ると最後のエラー", func(t *testing.T) {
		calls := 0
		err := withRetry(ctx, 2, time.Millisecond, func(context.Context) error {
			calls++
			return errBoom
		})
		if !errors.Is(err, errBoom) || calls != 2 {
			t.Errorf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("状態不一致はリトライしない", func(t *testing.T) {
		calls := 0
		err := withRetry(ctx, 3, time.Millisecond, func(context.Context) error {
			calls++
			return repository.ErrDownloadNotActive
		})
		if !errors.Is(err, repository.ErrDownloadNotActive) || calls != 1 {
			t.Errorf("err=%v calls=%d", err, calls)
		}
	})
}

func TestRetryDelay(t *testing.T) {
	base := 100 * time.Millisecond
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond, maxRetryDelay}
	for i, w := range want {
		if got := retryDelay(base, i); got != w {
			t.Errorf("retryDelay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestEngineImplementsService(t *testing.T) {
	var _ Service = (*Engine)(nil)
}

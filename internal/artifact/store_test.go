package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hitoshi/navportal/internal/model"
)

func TestName(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	got := Name(model.TypeRemittance, 42, now)

	pattern := regexp.MustCompile(`^remittance_42_20260304_050607_[0-9a-f]{8}\.json$`)
	if !pattern.MatchString(got) {
		t.Errorf("Name = %q, does not match %s", got, pattern)
	}
	if Name(model.TypeRemittance, 42, now) == got {
		t.Error("同時刻でも名前は一意であるべき")
	}
}

func TestLocalStore_SaveAndOpen(t *testing.T) {
	store, err := NewLocalStore(filepath.Join(t.TempDir(), "downloads"))
	if err != nil {
		t.Fatalf("NewLocalStore returned error: %v", err)
	}
	ctx := context.Background()

	ref, err := store.Save(ctx, "submission_1_x.json", []byte(`{"items":[]}`))
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if filepath.Base(ref) != "submission_1_x.json" {
		t.Errorf("ref = %q", ref)
	}

	rc, err := store.Open(ctx, ref)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != `{"items":[]}` {
		t.Errorf("content = %s", b)
	}

	entries, _ := os.ReadDir(filepath.Dir(ref))
	if len(entries) != 1 {
		t.Errorf("一時ファイルが残っています: %d entries", len(entries))
	}

	if err := store.Remove(ctx, ref); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if err := store.Remove(ctx, ref); err != nil {
		t.Errorf("2回目のRemoveはnilを返すべき: %v", err)
	}
	if _, err := store.Open(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("削除後のOpen err = %v, want ErrNotFound", err)
	}
}

func TestLocalStore_RejectsOutsideRefs(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewLocalStore(filepath.Join(dir, "store"))
	os.WriteFile(filepath.Join(dir, "secret.json"), []byte("x"), 0o600)
	ctx := context.Background()

	for _, ref := range []string{
		filepath.Join(dir, "secret.json"),
		filepath.Join(dir, "store", "..", "secret.json"),
		filepath.Join(dir, "store", "missing.json"),
		"",
	} {
		if _, err := store.Open(ctx, ref); !errors.Is(err, ErrNotFound) {
			t.Errorf("Open(%q) err = %v, want ErrNotFound", ref, err)
		}
	}

	if _, err := store.Save(ctx, "../escape.json", []byte("x")); err == nil {
		t.Error("ディレクトリ外への保存が許可されています")
	}
}

type fakeS3 struct {
	objects map[string][]byte
	putErr  error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	b, _ := io.ReadAll(in.Body)
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store_SaveAndOpen(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	store := newS3Store(fake, "artifacts", "downloads")
	ctx := context.Background()

	ref, err := store.Save(ctx, "a.json", []byte("{}"))
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if ref != "s3://artifacts/downloads/a.json" {
		t.Errorf("ref = %q", ref)
	}

	rc, err := store.Open(ctx, ref)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	b, _ := io.ReadAll(rc)
	rc.Close()
	if string(b) != "{}" {
		t.Errorf("content = %s", b)
	}

	if _, err := store.Open(ctx, "s3://artifacts/downloads/missing.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing err = %v, want ErrNotFound", err)
	}
	if _, err := store.Open(ctx, "s3://other/downloads/a.json"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other bucket err = %v, want ErrNotFound", err)
	}

	if err := store.Remove(ctx, ref); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if _, err := store.Open(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Errorf("削除後のOpen err = %v, want ErrNotFound", err)
	}
}

func TestS3Store_SaveError(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, putErr: errors.New("boom")}
	store := newS3Store(fake, "artifacts", "")

	if _, err := store.Save(context.Background(), "a.json", []byte("{}")); err == nil {
		t.Error("expected error")
	}
}

func TestStoreInterface(t *testing.T) {
	var _ Store = (*LocalStore)(nil)
	var _ Store = (*S3Store)(nil)
}

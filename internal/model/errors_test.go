package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"検証", NewValidationError("x"), KindValidation},
		{"ラップされた永続化エラー", fmt.Errorf("submit: %w", NewPersistenceError("登録", cause)), KindPersistence},
		{"最後の管理者", NewLastAdminError(), KindConflict},
		{"成果物なし", NewArtifactNotAvailableError(), KindNotFound},
		{"APIError以外", cause, ""},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAPIError_UnwrapAndMessage(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := NewFetchError("タイムアウト", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if !strings.Contains(err.Error(), ErrCodeFetchFailed) || !strings.Contains(err.Error(), "dial tcp") {
		t.Errorf("Error() = %q", err.Error())
	}
	if NewForbiddenError().Error() != "["+ErrCodeForbidden+"] "+NewForbiddenError().Message {
		t.Errorf("Error() without cause = %q", NewForbiddenError().Error())
	}
}

func TestNewNotFoundError_IncludesResource(t *testing.T) {
	err := NewNotFoundError("ダウンロード", 42)
	if err.Kind != KindNotFound || !strings.Contains(err.Message, "ダウンロード") {
		t.Errorf("err = %+v", err)
	}
}

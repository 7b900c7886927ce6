package job

import (
	"errors"
	"strings"

	"github.com/hitoshi/navportal/internal/model"
	"github.com/hitoshi/navportal/internal/security"
)

const (
	redacted           = "[REDACTED]"
	interruptedMessage = "ダウンロードが中断されました"
)

// failureMessage は利用者に表示する失敗メッセージを組み立てる。
// 原因エラーの文字列にシークレットが含まれる場合は伏せ字にし、
// HTMLを除去して最大文字数に切り詰める。
func (a *attempt) failureMessage(err error) string {
	if errors.Is(err, errInterrupted) {
		return interruptedMessage
	}

	var msg string
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.Message
		if apiErr.Err != nil {
			msg += ": " + apiErr.Err.Error()
		}
	} else {
		msg = err.Error()
	}

	msg = scrub(msg, a.secret)
	msg = a.engine.sanitizer.PlainText(msg, security.MaxErrorMessageLength)
	return scrub(msg, a.secret)
}

func scrub(msg string, secret security.Secret) string {
	if secret.IsZero() {
		return msg
	}
	return strings.ReplaceAll(msg, secret.Reveal(), redacted)
}

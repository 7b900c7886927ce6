package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxErrorMessageLength はダウンロードに記録するエラーメッセージの最大文字数。
const MaxErrorMessageLength = 500

// ContentSanitizerService はユーザー入力や外部由来の文字列をサニタイズする。
type ContentSanitizerService interface {
	// SanitizeDescription はポータル説明のHTMLを許可タグのみに絞り込む。
	// 許可タグ: p, br, ul, ol, li, strong, em, a(href, https/httpのみ)
	SanitizeDescription(rawHTML string) string

	// PlainText は全てのタグを除去し、空白を1つにまとめたプレーンテキストを返す。
	// maxRunesが正の場合はその文字数で切り詰める。
	PlainText(raw string, maxRunes int) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフなので共有して使用する。
type contentSanitizer struct {
	description *bluemonday.Policy
	strict      *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{
		description: p,
		strict:      bluemonday.StrictPolicy(),
	}
}

// SanitizeDescription はポータル説明のHTMLをサニタイズする。
func (s *contentSanitizer) SanitizeDescription(rawHTML string) string {
	return strings.TrimSpace(s.description.Sanitize(rawHTML))
}

// PlainText はタグを除去したプレーンテキストを返す。
// StrictPolicyはエンティティをエスケープして返すため、テキストとして保存する前に戻す。
func (s *contentSanitizer) PlainText(raw string, maxRunes int) string {
	text := html.UnescapeString(s.strict.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")
	if maxRunes > 0 && utf8.RuneCountInString(text) > maxRunes {
		runes := []rune(text)
		text = string(runes[:maxRunes-1]) + "…"
	}
	return text
}

package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は表示名などのプレーンテキスト入力からHTMLを取り除く。
// bluemondayのStrictPolicyで全タグを除去する。並行利用可能。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、エスケープされた文字を元に戻して前後の空白を取り除く。
// 結果はHTMLではなくプレーンテキストとして扱う。
func (s *TextSanitizer) Sanitize(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}

package conv

import (
	"regexp"
	"strings"

	"github.com/inbucket/html2text"
)

var (
	htmlMarkup = regexp.MustCompile(`(?i)<(html|body|div|p|table|br|span|a|ul|ol|li|h[1-6])[\s>/]`)
	blankRuns  = regexp.MustCompile(`\n{3,}`)
)

// LooksLikeHTML reports whether s carries block or inline HTML markup.
func LooksLikeHTML(s string) bool {
	return htmlMarkup.MatchString(s)
}

// ToPlainText flattens HTML (typically tool output such as fetched pages)
// into readable text. Non-HTML input is returned trimmed.
func ToPlainText(s string) string {
	if !LooksLikeHTML(s) {
		return strings.TrimSpace(s)
	}

	text, err := html2text.FromString(s, html2text.Options{
		OmitLinks:    true,
		PrettyTables: false,
	})
	if err != nil {
		return strings.TrimSpace(s)
	}

	return strings.TrimSpace(blankRuns.ReplaceAllString(text, "\n\n"))
}

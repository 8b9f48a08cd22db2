package conv

import (
	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
)

var (
	extensions    = parser.CommonExtensions | parser.NoEmptyLineBeforeBlock
	htmlFlags     = html.CommonFlags | html.HrefTargetBlank
	previewPolicy = bluemonday.NewPolicy()
)

func init() {
	previewPolicy.AllowElements(
		"h1", "h2", "h3", "h4", "p", "br", "hr",
		"ul", "ol", "li",
		"b", "strong", "i", "em", "code", "pre", "blockquote",
	)
	previewPolicy.AllowAttrs("class").OnElements("code")
}

// MarkdownToHTML renders an assembled context (which uses markdown headings
// for its blocks) as sanitized HTML for previews.
func MarkdownToHTML(md []byte) string {
	p := parser.NewWithExtensions(extensions)
	renderer := html.NewRenderer(html.RendererOptions{Flags: htmlFlags})
	unsafeHTML := markdown.Render(p.Parse(md), renderer)

	return string(previewPolicy.SanitizeBytes(unsafeHTML))
}

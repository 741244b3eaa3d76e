// Package render turns workspace state into the HTML fragments the page
// swaps in on every update.
package render

import (
	"bytes"
	"html/template"
	"strings"
	"unicode/utf8"

	treeblood "github.com/wyatt915/goldmark-treeblood"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"ocrdrop/internal/logging"
)

// goldmark leaves raw HTML out unless html.WithUnsafe is set
var md = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		treeblood.MathML(),
	),
)

// Markdown renders model output to HTML. Raw HTML in the source is dropped.
func Markdown(text string) template.HTML {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		logging.Named("render").Warnw("markdown conversion failed", "error", err)
		return template.HTML("<pre>" + template.HTMLEscapeString(text) + "</pre>")
	}
	return template.HTML(buf.String())
}

// Truncate cuts text to at most n characters, marking the cut with an ellipsis.
func Truncate(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return strings.TrimRightFunc(string(runes[:n]), func(r rune) bool { return r == ' ' || r == '\n' }) + "…"
}

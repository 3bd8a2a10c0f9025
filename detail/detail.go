// Package detail pulls the main text out of an application's detail page.
package detail

import (
	"bytes"
	"log/slog"
	nurl "net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
)

// minContentLength is the minimum readability TextContent (in characters)
// accepted before falling back to the page's visible text.
const minContentLength = 50

// Text returns the page's main text. Readability is tried first; short or
// failed extractions fall back to the visible text of <body>. Whitespace
// runs are collapsed.
func Text(body []byte, sourceURL string) string {
	if u, err := nurl.Parse(sourceURL); err == nil {
		article, err := readability.FromReader(bytes.NewReader(body), u)
		if err == nil && len(strings.TrimSpace(article.TextContent)) >= minContentLength {
			return squash(article.TextContent)
		}
		if err != nil {
			slog.Debug("detail: readability failed, using visible text", "url", sourceURL, "error", err)
		}
	}
	return visibleText(body)
}

func visibleText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript, nav, header, footer").Remove()
	return squash(doc.Find("body").Text())
}

func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

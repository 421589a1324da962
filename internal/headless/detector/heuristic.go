// Package detector decides when a lightweight fetch of a retailer page came
// back as an unrendered client-side shell and should be retried in a browser.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const defaultThreshold = 2048

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A zero threshold selects 2 KiB.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("__NUXT__"),
}

// NeedsRendering reports whether html looks like a page whose content is
// produced by client-side scripts. When waitSelector is set and already
// matches the document, the page is considered rendered.
func (h *Heuristic) NeedsRendering(statusCode int, html []byte, waitSelector string) bool {
	if statusCode != http.StatusOK {
		return false
	}
	if len(bytes.TrimSpace(html)) == 0 {
		return true
	}

	selectorMissing := false
	if sel := strings.TrimSpace(waitSelector); sel != "" {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
		if err == nil {
			if doc.Find(sel).Length() > 0 {
				return false
			}
			selectorMissing = true
		}
	}

	if len(html) < h.BodyLengthThreshold && (selectorMissing || scriptDensityHigh(html)) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(html, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0

	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Malformed tag swallows the rest of the document.
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}

	return coverage > 0 && coverage*100/total >= 25
}

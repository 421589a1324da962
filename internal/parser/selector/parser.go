// Package selector extracts products from retailer markup with configured CSS
// selectors.
package selector

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
)

// Parser implements crawler.Parser.
type Parser struct {
	retailers map[string]crawler.Retailer
	logger    *zap.Logger
}

// New indexes retailers by lower-cased name.
func New(retailers []crawler.Retailer, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := make(map[string]crawler.Retailer, len(retailers))
	for _, r := range retailers {
		idx[strings.ToLower(r.Name)] = r
	}
	return &Parser{retailers: idx, logger: logger.Named("parser")}
}

// Parse returns the listing items in page order. Items without an id are
// skipped and repeated ids keep their first position.
func (p *Parser) Parse(html []byte, retailer string) []crawler.ParsedProduct {
	r, doc, ok := p.load(html, retailer)
	if !ok || r.Selectors.Item == "" {
		return nil
	}
	base := baseURL(r)
	seen := make(map[string]bool)
	var out []crawler.ParsedProduct
	doc.Find(r.Selectors.Item).Each(func(_ int, item *goquery.Selection) {
		prod := extract(item, r, base)
		if prod.ExternalID == "" || seen[prod.ExternalID] {
			return
		}
		seen[prod.ExternalID] = true
		out = append(out, prod)
	})
	return out
}

// ParseDetail reads a product page. It returns nil when no title or price is
// present.
func (p *Parser) ParseDetail(html []byte, retailer string) *crawler.ParsedProduct {
	r, doc, ok := p.load(html, retailer)
	if !ok {
		return nil
	}
	root := doc.Selection
	if r.Selectors.DetailRoot != "" {
		root = doc.Find(r.Selectors.DetailRoot).First()
		if root.Length() == 0 {
			return nil
		}
	}
	s := r.Selectors
	prod := crawler.ParsedProduct{
		ExternalID: idOf(root, s),
		Title:      text(root, firstNonEmpty(s.DetailTitle, s.Title)),
		ImageURL:   resolve(baseURL(r), attrOf(root, firstNonEmpty(s.DetailImage, s.Image), "src", "data-src")),
		Currency:   r.Currency,
	}
	if minor, ok := ParsePrice(text(root, firstNonEmpty(s.DetailPrice, s.Price))); ok {
		prod.PriceMinor = minor
	}
	if s.Rating != "" {
		prod.Rating = parseRating(text(root, s.Rating))
	}
	if s.Attributes != "" {
		prod.Attributes = attributes(root.Find(s.Attributes))
	}
	if prod.Title == "" && prod.PriceMinor == 0 {
		return nil
	}
	return &prod
}

func (p *Parser) load(html []byte, retailer string) (crawler.Retailer, *goquery.Document, bool) {
	r, ok := p.retailers[strings.ToLower(retailer)]
	if !ok {
		p.logger.Warn("no selectors for retailer", zap.String("retailer", retailer))
		return r, nil, false
	}
	if len(bytes.TrimSpace(html)) == 0 {
		return r, nil, false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		p.logger.Debug("unparseable markup", zap.String("retailer", retailer), zap.Error(err))
		return r, nil, false
	}
	return r, doc, true
}

func extract(item *goquery.Selection, r crawler.Retailer, base *url.URL) crawler.ParsedProduct {
	s := r.Selectors
	prod := crawler.ParsedProduct{
		ExternalID: idOf(item, s),
		Title:      text(item, s.Title),
		URL:        resolve(base, attrOf(item, s.Link, "href")),
		ImageURL:   resolve(base, attrOf(item, s.Image, "src", "data-src")),
		Currency:   r.Currency,
	}
	if minor, ok := ParsePrice(text(item, s.Price)); ok {
		prod.PriceMinor = minor
	}
	if s.Rating != "" {
		prod.Rating = parseRating(text(item, s.Rating))
	}
	return prod
}

func idOf(sel *goquery.Selection, s crawler.Selectors) string {
	target := sel
	if s.ID != "" {
		target = sel.Find(s.ID).First()
	}
	if s.IDAttr != "" {
		if v, ok := target.Attr(s.IDAttr); ok {
			return strings.TrimSpace(v)
		}
		return ""
	}
	if s.ID == "" {
		return ""
	}
	return strings.TrimSpace(target.Text())
}

// text returns the whitespace-collapsed text of the first match.
func text(sel *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.Join(strings.Fields(sel.Find(selector).First().Text()), " ")
}

func attrOf(sel *goquery.Selection, selector string, names ...string) string {
	if selector == "" {
		return ""
	}
	node := sel.Find(selector).First()
	if node.Length() == 0 && sel.Is(selector) {
		node = sel
	}
	for _, n := range names {
		if v, ok := node.Attr(n); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func attributes(rows *goquery.Selection) map[string]string {
	if rows.Length() == 0 {
		return nil
	}
	out := make(map[string]string, rows.Length())
	rows.Each(func(_ int, row *goquery.Selection) {
		key, ok := row.Attr("data-key")
		if !ok {
			key = row.Find("th, dt").First().Text()
		}
		val := row.Find("td, dd").First().Text()
		if val == "" {
			val, _ = row.Attr("data-value")
		}
		key = strings.Join(strings.Fields(key), " ")
		val = strings.Join(strings.Fields(val), " ")
		if key != "" && val != "" {
			out[key] = val
		}
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

func baseURL(r crawler.Retailer) *url.URL {
	if r.BaseURL == "" {
		return nil
	}
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return nil
	}
	return u
}

func resolve(base *url.URL, ref string) string {
	if ref == "" || base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ParsePrice converts displayed prices such as "₹1,299", "$12.99" or
// "1.299,50 €" to minor units. A separator followed by one or two trailing
// digits is the decimal mark; any other separator groups thousands. Parsing
// stops at the first other rune after the digits start, so "1,299 - 1,499"
// yields the lower bound.
func ParsePrice(s string) (int64, bool) {
	var digits strings.Builder
	lastSep := -1
scan:
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '.' || r == ',':
			if digits.Len() > 0 {
				lastSep = digits.Len()
			}
		case digits.Len() > 0:
			break scan
		}
	}
	d := digits.String()
	if d == "" {
		return 0, false
	}
	fraction := ""
	if lastSep >= 0 && len(d)-lastSep <= 2 {
		fraction = d[lastSep:]
		d = d[:lastSep]
	}
	if d == "" {
		d = "0"
	}
	whole, err := strconv.ParseInt(d, 10, 64)
	if err != nil {
		return 0, false
	}
	minor := whole * 100
	switch len(fraction) {
	case 1:
		f, _ := strconv.ParseInt(fraction, 10, 64)
		minor += f * 10
	case 2:
		f, _ := strconv.ParseInt(fraction, 10, 64)
		minor += f
	}
	return minor, true
}

func parseRating(s string) float64 {
	fields := strings.Fields(strings.ReplaceAll(s, ",", "."))
	for _, f := range fields {
		if v, err := strconv.ParseFloat(strings.Trim(f, "★☆/"), 64); err == nil {
			return v
		}
	}
	return 0
}

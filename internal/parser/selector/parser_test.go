package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
)

const listingHTML = `<html><body>
<ul class="results">
  <li class="product" data-id="SKU-1">
    <a class="link" href="/p/sku-1"><h3 class="name">  Red   Running Shoe </h3></a>
    <span class="price">₹1,299</span>
    <img class="thumb" data-src="https://cdn.example.com/1.jpg">
    <span class="rating">4.3 ★</span>
  </li>
  <li class="product" data-id="SKU-2">
    <a class="link" href="https://shop.example.com/p/sku-2"><h3 class="name">Blue Shoe</h3></a>
    <span class="price">₹999 - ₹1,499</span>
  </li>
  <li class="product"><h3 class="name">Sponsored, no id</h3></li>
  <li class="product" data-id="SKU-1"><h3 class="name">Duplicate</h3></li>
</ul>
</body></html>`

const detailHTML = `<html><body>
<div id="pdp" data-sku="SKU-1">
  <h1 class="title">Red Running Shoe</h1>
  <div class="pdp-price">$12.99</div>
  <img class="hero" src="/img/1-large.jpg">
  <table class="specs">
    <tr><th>Material</th><td>Mesh</td></tr>
    <tr><th>Sole</th><td> Rubber </td></tr>
    <tr data-key="Fit" data-value="Regular"></tr>
  </table>
</div>
</body></html>`

func shopRetailer() crawler.Retailer {
	return crawler.Retailer{
		Name:     "Shop",
		BaseURL:  "https://shop.example.com",
		Currency: "INR",
		Selectors: crawler.Selectors{
			Item:        "li.product",
			IDAttr:      "data-id",
			Title:       ".name",
			Link:        "a.link",
			Price:       ".price",
			Image:       "img.thumb",
			Rating:      ".rating",
			DetailRoot:  "#pdp",
			DetailTitle: "h1.title",
			DetailPrice: ".pdp-price",
			DetailImage: "img.hero",
			Attributes:  "table.specs tr",
		},
	}
}

func TestParseListing(t *testing.T) {
	t.Parallel()

	p := New([]crawler.Retailer{shopRetailer()}, nil)
	got := p.Parse([]byte(listingHTML), "shop")
	require.Len(t, got, 2)

	assert.Equal(t, "SKU-1", got[0].ExternalID)
	assert.Equal(t, "Red Running Shoe", got[0].Title)
	assert.Equal(t, "https://shop.example.com/p/sku-1", got[0].URL)
	assert.Equal(t, "https://cdn.example.com/1.jpg", got[0].ImageURL)
	assert.Equal(t, int64(129900), got[0].PriceMinor)
	assert.Equal(t, "INR", got[0].Currency)
	assert.InDelta(t, 4.3, got[0].Rating, 0.001)

	assert.Equal(t, "SKU-2", got[1].ExternalID)
	assert.Equal(t, "https://shop.example.com/p/sku-2", got[1].URL)
	assert.Equal(t, int64(99900), got[1].PriceMinor)
}

func TestParseDetail(t *testing.T) {
	t.Parallel()

	r := shopRetailer()
	r.Selectors.ID = "" // id comes from the root attribute
	r.Selectors.IDAttr = "data-sku"
	p := New([]crawler.Retailer{r}, nil)

	got := p.ParseDetail([]byte(detailHTML), "Shop")
	require.NotNil(t, got)
	assert.Equal(t, "SKU-1", got.ExternalID)
	assert.Equal(t, "Red Running Shoe", got.Title)
	assert.Equal(t, int64(1299), got.PriceMinor)
	assert.Equal(t, "https://shop.example.com/img/1-large.jpg", got.ImageURL)
	assert.Equal(t, map[string]string{"Material": "Mesh", "Sole": "Rubber", "Fit": "Regular"}, got.Attributes)
}

func TestParseUnparseableInput(t *testing.T) {
	t.Parallel()

	p := New([]crawler.Retailer{shopRetailer()}, nil)
	assert.Empty(t, p.Parse(nil, "shop"))
	assert.Empty(t, p.Parse([]byte("<html><body>captcha</body></html>"), "shop"))
	assert.Empty(t, p.Parse([]byte(listingHTML), "unknown"))
	assert.Nil(t, p.ParseDetail([]byte("<p>nothing</p>"), "shop"))
	assert.Nil(t, p.ParseDetail([]byte(detailHTML), "unknown"))
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		want  int64
		found bool
	}{
		{"₹1,299", 129900, true},
		{"$12.99", 1299, true},
		{"1.299,50 €", 129950, true},
		{"Rs. 2,49,999", 24999900, true},
		{"12.5", 1250, true},
		{"£7", 700, true},
		{"₹999 - ₹1,499", 99900, true},
		{"Sold out", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParsePrice(tt.in)
		assert.Equal(t, tt.found, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseRating(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 4.5, parseRating("4,5 out of 5"), 0.001)
	assert.InDelta(t, 3.0, parseRating("★ 3"), 0.001)
	assert.Zero(t, parseRating("no reviews"))
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/strategy"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/worker"
)

const (
	defaultInlineDeadline = 8 * time.Second
	defaultScrapeTimeout  = 60 * time.Second
)

type scrapeOutcome struct {
	product store.Product
	err     error
}

type scrapeResponse struct {
	Status  string         `json:"status"`
	JobID   string         `json:"job_id"`
	Product *store.Product `json:"product,omitempty"`
}

// scrapeProduct handles POST /v1/products/{retailer}/{id}/scrape. The scrape
// races the inline deadline; when the deadline wins the caller gets 202 and
// the scrape finishes in the background.
func (s *Server) scrapeProduct(w http.ResponseWriter, r *http.Request) {
	retailer, ok := s.retailer(chi.URLParam(r, "retailer"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown retailer")
		return
	}
	externalID := strings.TrimSpace(chi.URLParam(r, "id"))
	override := strings.TrimSpace(r.URL.Query().Get("url"))
	if override != "" && !sameSite(override, retailer.Domain) {
		writeError(w, http.StatusBadRequest, "url does not belong to retailer")
		return
	}
	jobID, err := s.IDs.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to allocate job id")
		return
	}
	job := crawler.ScrapeJob{
		ID:         jobID,
		Kind:       crawler.JobProductDetail,
		Retailer:   retailer.Name,
		ExternalID: externalID,
		URL:        override,
		Attempt:    1,
		Submitted:  s.Clock.Now(),
	}

	deadline := s.cfg.Inline.Deadline
	if deadline <= 0 {
		deadline = defaultInlineDeadline
	}
	scrapeTimeout := s.cfg.Inline.ScrapeTimeout
	if scrapeTimeout <= 0 {
		scrapeTimeout = defaultScrapeTimeout
	}

	log := s.logger.With(zap.String("job_id", jobID), zap.String("product_id", store.ProductID(retailer.Name, externalID)))
	done := make(chan scrapeOutcome, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), scrapeTimeout)
		defer cancel()
		p, err := s.Detail.ScrapeDetail(ctx, job)
		if err != nil && !errors.Is(err, worker.ErrLocked) {
			log.Warn("inline scrape failed", zap.Error(err))
		}
		done <- scrapeOutcome{product: p, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case out := <-done:
		s.writeScrapeOutcome(w, jobID, out)
	case <-timer.C:
		log.Info("inline scrape still running", zap.Duration("deadline", deadline))
		writeJSON(w, http.StatusAccepted, scrapeResponse{Status: "pending", JobID: jobID})
	case <-r.Context().Done():
	}
}

func (s *Server) writeScrapeOutcome(w http.ResponseWriter, jobID string, out scrapeOutcome) {
	switch {
	case out.err == nil:
		writeJSON(w, http.StatusOK, scrapeResponse{Status: "complete", JobID: jobID, Product: &out.product})
	case errors.Is(out.err, worker.ErrLocked):
		writeJSON(w, http.StatusConflict, scrapeResponse{Status: "locked", JobID: jobID})
	case errors.Is(out.err, worker.ErrUnknownRetailer):
		writeError(w, http.StatusNotFound, "unknown retailer")
	case errors.Is(out.err, worker.ErrUnparseable):
		writeError(w, http.StatusBadGateway, "product page could not be parsed")
	default:
		writeError(w, http.StatusBadGateway, "scrape failed")
	}
}

// getProduct handles GET /v1/products/{retailer}/{id}.
func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	retailer, ok := s.retailer(chi.URLParam(r, "retailer"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown retailer")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	p, err := s.Products.GetProduct(ctx, store.ProductID(retailer.Name, chi.URLParam(r, "id")))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		s.logger.Error("get product failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load product")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// sameSite reports whether rawURL is on domain or one of its subdomains.
func sameSite(rawURL, domain string) bool {
	domain = strategy.NormalizeDomain(domain)
	if domain == "" || !strings.HasPrefix(rawURL, "http") {
		return false
	}
	host := strategy.NormalizeDomain(rawURL)
	return host == domain || strings.HasSuffix(host, "."+domain)
}

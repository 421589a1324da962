package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
)

const (
	maxPagesPerRequest = 20
	storeTimeout       = 3 * time.Second
)

type crawlRequest struct {
	Query string `json:"query"`
	// Retailers limits the crawl; empty means every configured retailer.
	Retailers []string `json:"retailers"`
	Pages     int      `json:"pages"`
}

type crawlResponse struct {
	Query     string              `json:"query"`
	QueryHash string              `json:"query_hash"`
	Jobs      []crawler.ScrapeJob `json:"jobs"`
}

// submitCrawl handles POST /v1/crawl. One crawl_page job is queued per
// retailer; workers walk further pages when pages > 1.
func (s *Server) submitCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	normalized, hash, err := store.QueryKey(s.Hasher, req.Query)
	if err != nil {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}
	pages := req.Pages
	if pages <= 0 {
		pages = max(s.cfg.Crawler.PagesPerJob, 1)
	}
	pages = min(pages, maxPagesPerRequest)

	targets, err := s.crawlTargets(req.Retailers)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := crawlResponse{Query: normalized, QueryHash: hash, Jobs: make([]crawler.ScrapeJob, 0, len(targets))}
	for _, retailer := range targets {
		job, err := s.Jobs.Enqueue(r.Context(), crawler.ScrapeJob{
			Kind:     crawler.JobCrawlPage,
			Retailer: retailer.Name,
			Query:    normalized,
			Pages:    pages,
			Attempt:  1,
		})
		if err != nil {
			s.logger.Error("enqueue crawl failed", zap.String("retailer", retailer.Name), zap.Error(err))
			status := http.StatusInternalServerError
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusRequestTimeout
			}
			writeError(w, status, "failed to enqueue crawl")
			return
		}
		resp.Jobs = append(resp.Jobs, job)
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) crawlTargets(names []string) ([]crawler.Retailer, error) {
	if len(names) == 0 {
		if len(s.Retailers) == 0 {
			return nil, errors.New("no retailers configured")
		}
		return s.Retailers, nil
	}
	out := make([]crawler.Retailer, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		r, ok := s.retailer(name)
		if !ok {
			return nil, errors.New("unknown retailer: " + name)
		}
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	return out, nil
}

type statusResponse struct {
	Retailer  string               `json:"retailer"`
	Query     string               `json:"query"`
	QueryHash string               `json:"query_hash"`
	Status    store.StatusView     `json:"status"`
	Progress  *store.CrawlProgress `json:"progress,omitempty"`
}

// crawlStatus handles GET /v1/crawl/{retailer}/status?q=. A search never
// crawled reports idle.
func (s *Server) crawlStatus(w http.ResponseWriter, r *http.Request) {
	retailer, ok := s.retailer(chi.URLParam(r, "retailer"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown retailer")
		return
	}
	normalized, hash, err := store.QueryKey(s.Hasher, r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "q required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	var progress *store.CrawlProgress
	p, err := s.Progress.Get(ctx, retailer.Name, hash)
	switch {
	case err == nil:
		progress = &p
	case errors.Is(err, store.ErrNotFound):
	default:
		s.logger.Error("get progress failed", zap.String("retailer", retailer.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Retailer:  retailer.Name,
		Query:     normalized,
		QueryHash: hash,
		Status:    store.DeriveStatus(progress, s.Clock.Now(), s.cfg.Progress.StaleAfter),
		Progress:  progress,
	})
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

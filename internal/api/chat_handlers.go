package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/store"
)

const (
	defaultResultLimit = 10
	maxResultLimit     = 100
)

type resultsResponse struct {
	ChatID         string                `json:"chat_id"`
	QueryHash      string                `json:"query_hash"`
	Products       []store.RankedProduct `json:"products"`
	TotalAvailable int                   `json:"total_available"`
	Offsets        map[string]int        `json:"offsets"`
}

// chatResults handles GET /v1/chats/{chat_id}/results?q=&retailers=&limit=.
// Served products advance the chat's cursors so the next call returns the
// following slice.
func (s *Server) chatResults(w http.ResponseWriter, r *http.Request) {
	chatID := strings.TrimSpace(chi.URLParam(r, "chat_id"))
	_, hash, err := store.QueryKey(s.Hasher, r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "q required")
		return
	}
	limit, err := parseLimit(r, defaultResultLimit, maxResultLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	retailers, err := s.retailerNames(splitList(r.URL.Query().Get("retailers")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	log := s.logger.With(zap.String("chat_id", chatID), zap.String("query_hash", hash))

	page, err := s.Cursor.GetUnseenProducts(ctx, chatID, hash, retailers, limit)
	if err != nil {
		log.Error("get unseen products failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	if err := s.Cursor.AdvanceCursorsForProducts(ctx, chatID, hash, page.Products); err != nil {
		log.Error("advance cursors failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to advance cursors")
		return
	}
	offsets, err := s.Cursor.Offsets(ctx, chatID, hash)
	if err != nil {
		log.Warn("load offsets failed", zap.Error(err))
		offsets = nil
	}
	if page.Products == nil {
		page.Products = []store.RankedProduct{}
	}
	writeJSON(w, http.StatusOK, resultsResponse{
		ChatID:         chatID,
		QueryHash:      hash,
		Products:       page.Products,
		TotalAvailable: page.TotalAvailable,
		Offsets:        offsets,
	})
}

// resetCursors handles DELETE /v1/chats/{chat_id}/cursors?q=.
func (s *Server) resetCursors(w http.ResponseWriter, r *http.Request) {
	chatID := strings.TrimSpace(chi.URLParam(r, "chat_id"))
	_, hash, err := store.QueryKey(s.Hasher, r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "q required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := s.Cursor.ResetCursors(ctx, chatID, hash); err != nil {
		s.logger.Error("reset cursors failed", zap.String("chat_id", chatID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reset cursors")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retailerNames(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		r, ok := s.retailer(name)
		if !ok {
			return nil, errors.New("unknown retailer: " + name)
		}
		out = append(out, r.Name)
	}
	return out, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

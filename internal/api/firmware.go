package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nerrad567/dcc-flasher/internal/catalog"
)

// catalogRefreshTimeout bounds an index download triggered over the API.
const catalogRefreshTimeout = 30 * time.Second

// catalogResponse is the current firmware index.
type catalogResponse struct {
	Firmware  []catalogEntry `json:"firmware"`
	Files     []string       `json:"files"`
	FetchedAt time.Time      `json:"fetched_at"`
}

type catalogEntry struct {
	catalog.Firmware
	Label string `json:"label"`
}

func newCatalogResponse(idx *catalog.Index, fetchedAt time.Time) catalogResponse {
	resp := catalogResponse{
		Firmware:  make([]catalogEntry, 0, len(idx.Firmware)),
		Files:     idx.Files,
		FetchedAt: fetchedAt,
	}
	if resp.Files == nil {
		resp.Files = []string{}
	}
	for _, f := range idx.Firmware {
		resp.Firmware = append(resp.Firmware, catalogEntry{Firmware: f, Label: f.Label()})
	}
	return resp
}

// handleGetCatalog returns the firmware index, fetching it on first use.
func (s *Server) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeUnavailable(w, "no firmware catalog configured")
		return
	}
	idx, err := s.catalog.Index()
	if errors.Is(err, catalog.ErrNotLoaded) {
		s.refreshCatalog(w, r)
		return
	}
	if err != nil {
		writeInternalError(w, "failed to read catalog")
		return
	}
	writeJSON(w, http.StatusOK, newCatalogResponse(idx, s.catalog.FetchedAt()))
}

// handleRefreshCatalog downloads the index again.
func (s *Server) handleRefreshCatalog(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeUnavailable(w, "no firmware catalog configured")
		return
	}
	s.refreshCatalog(w, r)
}

func (s *Server) refreshCatalog(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), catalogRefreshTimeout)
	defer cancel()

	idx, err := s.catalog.Refresh(ctx)
	if err != nil {
		s.logger.Warn("catalog refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newCatalogResponse(idx, s.catalog.FetchedAt()))
}

package gateway

import (
	"net/http"

	"github.com/evermind-ai/evermind/internal/agent"
)

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	infos, err := s.deps.Provider.Models(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider": s.deps.Provider.Name(),
		"models":   infos,
	})
}

func (s *Server) handleCostStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Tracker.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleCostOpenRouter reports local accounting alongside the
// authoritative provider-side balance when a credits fetcher is
// configured.
func (s *Server) handleCostOpenRouter(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Tracker.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	response := map[string]any{"local": stats}

	if s.deps.Credits != nil {
		credits, err := s.deps.Credits.Fetch(r.Context())
		if err != nil {
			jsonError(w, http.StatusBadGateway, agent.KindProviderTransient, err.Error())
			return
		}
		response["provider"] = credits
	}
	writeJSON(w, http.StatusOK, response)
}

package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lazypower/engram/internal/compiler"
	"github.com/lazypower/engram/internal/engine"
	"github.com/lazypower/engram/internal/memory"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleListFragments(w http.ResponseWriter, r *http.Request) {
	typ := memory.FragmentType(r.URL.Query().Get("type"))
	if typ != "" && !typ.Valid() {
		writeError(w, http.StatusBadRequest, "unknown fragment type "+string(typ))
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	out := []memory.Fragment{}
	for _, f := range s.eng.Graph().Fragments() {
		if typ != "" && f.Type != typ {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) == limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":     len(out),
		"fragments": out,
	})
}

func (s *Server) handleGetFragment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fragmentID")
	g := s.eng.Graph()

	f, ok := g.GetFragment(id)
	if !ok {
		writeError(w, http.StatusNotFound, "fragment not found: "+id)
		return
	}

	neighbors := g.Neighbors(id)
	edges := g.EdgesAmong(append([]string{id}, neighbors...))
	touching := make([]memory.Edge, 0, len(edges))
	for _, e := range edges {
		if e.From == id || e.To == id {
			touching = append(touching, e)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"fragment":  f,
		"neighbors": neighbors,
		"edges":     touching,
	})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var b engine.Batch
	if !decodeBody(w, r, &b) {
		return
	}

	ids, err := s.eng.Insert(b)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidBatch):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.log.Error("insert failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"ids": ids})
}

type queryRequest struct {
	Context   memory.ContextVector `json:"context"`
	Reinforce bool                 `json:"reinforce"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp, err := s.eng.Query(r.Context(), req.Context, engine.QueryOptions{Reinforce: req.Reinforce})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, memory.ErrInvalidContext):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, compiler.ErrNoActivation), errors.Is(err, compiler.ErrResourceExhausted):
		// The compiled graph explains the failure.
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": err.Error(),
			"graph": resp.Graph,
		})
	default:
		s.log.Error("query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleReinforce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs    []string `json:"ids"`
		Signal float64  `json:"signal"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids required")
		return
	}
	if req.Signal < -1 || req.Signal > 1 {
		writeError(w, http.StatusBadRequest, "signal must be within [-1,1]")
		return
	}

	if err := s.eng.Reinforce(req.IDs, req.Signal); err != nil {
		if memory.IsUnknown(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"reinforced": len(req.IDs)})
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	n := s.eng.Decay()
	writeJSON(w, http.StatusOK, map[string]any{
		"decayed":    n,
		"decayed_at": s.eng.Graph().DecayedAt(),
	})
}

func (s *Server) handleFossilize(w http.ResponseWriter, r *http.Request) {
	mods, err := s.eng.Fossilize()
	if err != nil {
		s.log.Error("fossilize failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if mods == nil {
		mods = []memory.CompiledModule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(mods),
		"modules": mods,
	})
}

func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	mods := s.eng.Graph().Modules()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(mods),
		"modules": mods,
	})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	ps := s.eng.Patterns()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(ps),
		"patterns": ps,
	})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	ps := s.eng.Candidates()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(ps),
		"candidates": ps,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshot == "" {
		writeError(w, http.StatusServiceUnavailable, "no snapshot path configured")
		return
	}
	if err := s.eng.Save(s.snapshot); err != nil {
		s.log.Error("snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "path": s.snapshot})
}

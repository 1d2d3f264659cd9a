package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/voicegate/internal/contextstore"
	"github.com/ent0n29/voicegate/internal/reliability"
	"github.com/ent0n29/voicegate/internal/tools"
)

type saveContextRequest struct {
	VisitorID string `json:"visitor_id"`
	Focus     string `json:"focus"`
}

func (s *Server) handleSaveContext(w http.ResponseWriter, r *http.Request) {
	var req saveContextRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rec, err := s.context.SaveFocus(r.Context(), req.VisitorID, req.Focus)
	if err != nil {
		if errors.Is(err, contextstore.ErrInvalidVisitor) {
			respondError(w, http.StatusBadRequest, "invalid_visitor", err.Error())
			return
		}
		s.log.Error().Err(err).Msg("save focus failed")
		respondError(w, http.StatusInternalServerError, "context_store_failed", "failed to store context")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

type explainRequest struct {
	ImageDataURL string `json:"image_data_url"`
	Prompt       string `json:"prompt"`
}

type queryRequest struct {
	ImageDataURL string            `json:"image_data_url"`
	Meta         tools.ElementMeta `json:"meta"`
}

func (s *Server) handleElementExplain(w http.ResponseWriter, r *http.Request) {
	if s.vision == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "vision not configured")
		return
	}
	var req explainRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ImageDataURL) == "" {
		respondError(w, http.StatusBadRequest, "missing_image", "image_data_url is required")
		return
	}
	text, err := s.vision.Explain(r.Context(), req.ImageDataURL, req.Prompt)
	if err != nil {
		s.respondVisionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleElementQuery(w http.ResponseWriter, r *http.Request) {
	if s.vision == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "vision not configured")
		return
	}
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.ImageDataURL) == "" {
		respondError(w, http.StatusBadRequest, "missing_image", "image_data_url is required")
		return
	}
	query, err := s.vision.Query(r.Context(), req.ImageDataURL, req.Meta)
	if err != nil {
		s.respondVisionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"query": query})
}

func (s *Server) respondVisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tools.ErrInvalidImage):
		respondError(w, http.StatusBadRequest, "invalid_image", err.Error())
	case errors.Is(err, tools.ErrToolExecutionTimeout):
		respondError(w, http.StatusGatewayTimeout, "vision_timeout", err.Error())
	default:
		s.log.Warn().Err(err).Msg("vision call failed")
		if ue, ok := reliability.AsUpstreamError(err); ok {
			respondError(w, http.StatusBadGateway, "vision_upstream_error", ue.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "vision_failed", err.Error())
	}
}

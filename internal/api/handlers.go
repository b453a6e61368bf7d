package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nebojsa-prodana/automation-client/internal/engine"
	"github.com/nebojsa-prodana/automation-client/internal/history"
	"github.com/nebojsa-prodana/automation-client/internal/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Engine:        s.dispatcher.Status(),
		ConfigDigest:  s.cfg.ConfigDigest,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) decodeSubmit(w http.ResponseWriter, r *http.Request) (protocol.Context, json.RawMessage, bool) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return protocol.Context{}, nil, false
	}
	if req.InvocationID == "" {
		req.InvocationID = uuid.NewString()
	}
	pctx := protocol.Context{InvocationID: req.InvocationID, Metadata: req.Metadata}
	return pctx, req.Payload, true
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	pctx, payload, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}

	d := s.dispatcher.SubmitCommand(pctx, payload)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SubmitTimeout)
	defer cancel()

	res, err := d.Await(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, SubmitResponse{
			InvocationID: pctx.InvocationID,
			Status:       StatusSuccess,
			Result:       &res,
		})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusAccepted, SubmitResponse{
			InvocationID: pctx.InvocationID,
			Status:       StatusPending,
		})
	default:
		s.writeSubmitFailure(w, pctx.InvocationID, err)
	}
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	pctx, payload, ok := s.decodeSubmit(w, r)
	if !ok {
		return
	}

	d := s.dispatcher.SubmitEvent(pctx, payload)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SubmitTimeout)
	defer cancel()

	res, err := d.Await(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, SubmitResponse{
			InvocationID: pctx.InvocationID,
			Status:       StatusSuccess,
			Results:      res,
		})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusAccepted, SubmitResponse{
			InvocationID: pctx.InvocationID,
			Status:       StatusPending,
		})
	default:
		s.writeSubmitFailure(w, pctx.InvocationID, err)
	}
}

// writeSubmitFailure maps a settled rejection onto a response. Handler
// failures are a normal outcome and keep a 200; losing the worker is an
// upstream fault.
func (s *Server) writeSubmitFailure(w http.ResponseWriter, invocationID string, err error) {
	var hf *engine.HandlerFailure
	if errors.As(err, &hf) {
		writeJSON(w, http.StatusOK, SubmitResponse{
			InvocationID: invocationID,
			Status:       StatusFailure,
			Results:      hf.Results,
			Error:        hf.Error(),
		})
		return
	}
	status := http.StatusInternalServerError
	if errors.Is(err, engine.ErrWorkerLost) {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, SubmitResponse{
		InvocationID: invocationID,
		Status:       StatusError,
		Error:        err.Error(),
	})
}

func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	id := chi.URLParam(r, "invocationID")
	rec, err := s.hist.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invocation not found")
			return
		}
		s.logger.Error("history lookup failed", "invocation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}
	recs, err := s.hist.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("history list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history list failed")
		return
	}
	if recs == nil {
		recs = []history.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

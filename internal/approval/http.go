package approval

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// Handler exposes the queue:
//
//	GET  /approvals
//	POST /approvals/{requestId}/approve
//	POST /approvals/{requestId}/reject
//	POST /approvals/{requestId}/close
func (p *ManualPresenter) Handler(logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /approvals", func(w http.ResponseWriter, _ *http.Request) {
		pending := p.Pending()
		views := make([]View, 0, len(pending))
		for _, s := range pending {
			views = append(views, ViewOf(s))
		}
		writeJSON(w, http.StatusOK, map[string]any{"approvals": views})
	})
	mux.HandleFunc("POST /approvals/{requestId}/{verb}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("requestId")
		s, ok := p.Get(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": ErrUnknownApproval.Error()})
			return
		}

		var (
			err    error
			status string
		)
		switch r.PathValue("verb") {
		case "approve":
			err, status = s.Approve(r.Context()), "approved"
		case "reject":
			err, status = s.Reject(r.Context()), "rejected"
		case "close":
			s.Close()
			status = "closed"
		default:
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown action"})
			return
		}
		if err != nil {
			logger.Warn("approval action failed", "request_id", id, "verb", r.PathValue("verb"), "error", err)
			writeError(w, err)
			return
		}
		p.Remove(id)
		writeJSON(w, http.StatusOK, map[string]any{"requestId": id, "status": status})
	})
	return mux
}

func writeError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "validation failed", "problems": verr.Problems})
	case errors.Is(err, ErrLocked), errors.Is(err, ErrNoAccount):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error()})
	case errors.Is(err, ErrClosed):
		writeJSON(w, http.StatusGone, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

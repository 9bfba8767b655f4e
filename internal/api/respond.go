package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/digkill/ImageForge/internal/pricing"
	"github.com/digkill/ImageForge/internal/service"
	"github.com/digkill/ImageForge/internal/storage"
)

const maxJSONBody = 1 << 20

type errorResponse struct {
	Error    string `json:"error"`
	JobID    int64  `json:"job_id,omitempty"`
	Refunded *bool  `json:"refunded,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to status codes. Anything unrecognised is a
// store or programming error and is logged, not shown.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var fe *service.FulfillmentError
	if errors.As(err, &fe) {
		refunded := fe.Refunded
		s.writeJSON(w, http.StatusBadGateway, errorResponse{Error: fe.Error(), JobID: fe.JobID, Refunded: &refunded})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, storage.ErrInvalidRef),
		errors.Is(err, pricing.ErrInvalidPrice):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, service.ErrFulfillment):
		status = http.StatusBadGateway
	case errors.Is(err, service.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrLeaseBusy):
		status = http.StatusLocked
	}
	if status == http.StatusInternalServerError {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("http handler error", "err", err)
	s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (s *Server) unauthorized(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func parseID(value string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", value)
	}
	return id, nil
}

// queryInt reads an optional non-negative integer query parameter.
func queryInt(r *http.Request, key string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

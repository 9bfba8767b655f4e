package api

import (
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/ImageForge/internal/models"
	"github.com/digkill/ImageForge/internal/service"
)

const maxDirectUpload = 10 << 20

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	s.writeBalance(w, r, http.StatusOK)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var before int64
	if v := r.URL.Query().Get("before"); v != "" {
		if before, err = parseID(v); err != nil {
			s.badRequest(w, err.Error())
			return
		}
	}
	entries, err := s.svc.Ledger.History(r.Context(), accountID(r), limit, before)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDailyReward(w http.ResponseWriter, r *http.Request) {
	granted, err := s.svc.Ledger.ClaimDailyReward(r.Context(), accountID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !granted {
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: "daily reward already claimed today"})
		return
	}
	s.writeBalance(w, r, http.StatusOK)
}

func (s *Server) handleUnlockStatus(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "service")
	unlocked, err := s.svc.Ledger.IsUnlocked(r.Context(), accountID(r), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"service": key, "unlocked": unlocked})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "service")
	charged, err := s.svc.Ledger.Unlock(r.Context(), accountID(r), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if charged {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, map[string]any{"service": key, "unlocked": true, "charged": charged})
}

type uploadRequest struct {
	ContentType string `json:"content_type"`
}

// handleUpload presigns a PUT for a JSON request and stores the body
// directly when it is an image.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.svc.Uploads == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "uploads are not configured"})
		return
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if strings.HasPrefix(mediaType, "image/") {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxDirectUpload+1))
		if err != nil {
			s.badRequest(w, "read body error")
			return
		}
		if len(data) == 0 || len(data) > maxDirectUpload {
			s.badRequest(w, "image must be between 1 byte and 10 MiB")
			return
		}
		url, err := s.svc.Uploads.Upload(r.Context(), accountID(r), data, mediaType)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, map[string]string{"public_url": url})
		return
	}

	var req uploadRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	presigned, err := s.svc.Uploads.PresignUpload(r.Context(), accountID(r), strings.TrimSpace(req.ContentType))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, presigned)
}

func (s *Server) handleTelegramLink(w http.ResponseWriter, r *http.Request) {
	if s.svc.LinkTokens == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "telegram is not configured"})
		return
	}
	token, expires, err := s.svc.LinkTokens.Issue(accountID(r))
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"command":    "/link " + token,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	out, err := s.svc.Jobs.Submit(r.Context(), accountID(r), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	jobs, err := s.svc.Jobs.List(r.Context(), accountID(r), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	job, err := s.svc.Jobs.Get(r.Context(), accountID(r), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEditJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var req service.EditRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	out, err := s.svc.Jobs.Edit(r.Context(), accountID(r), id, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, out)
}

type watermarkRequest struct {
	Refs []string `json:"refs"`
}

func (s *Server) handleSubmitWatermark(w http.ResponseWriter, r *http.Request) {
	var req watermarkRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	tasks, err := s.svc.Watermarks.Submit(r.Context(), accountID(r), req.Refs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, tasks)
}

func (s *Server) handleWatermarkHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	tasks, err := s.svc.Watermarks.History(r.Context(), accountID(r), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.svc.Watermarks.QueueStatus(r.Context(), accountID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

type appealRequest struct {
	JobID  int64  `json:"job_id"`
	Reason string `json:"reason"`
}

func (s *Server) handleFileAppeal(w http.ResponseWriter, r *http.Request) {
	var req appealRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	appeal, err := s.svc.Disputes.FileAppeal(r.Context(), accountID(r), req.JobID, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, appeal)
}

func (s *Server) handleListAppeals(w http.ResponseWriter, r *http.Request) {
	appeals, err := s.svc.Disputes.List(r.Context(), accountID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, appeals)
}

type redeemRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if _, err := s.svc.Redemptions.Redeem(r.Context(), accountID(r), req.Code); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeBalance(w, r, http.StatusOK)
}

func (s *Server) handleListActivePlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.svc.Plans.List(r.Context(), true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plans)
}

type checkoutRequest struct {
	PlanID int64 `json:"plan_id"`
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	res, err := s.svc.Payments.Checkout(r.Context(), accountID(r), req.PlanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

// handleYooKassaWebhook is the public endpoint for YooKassa payment status
// updates. The payment is re-read from YooKassa before anything is credited.
func (s *Server) handleYooKassaWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		s.badRequest(w, "read body error")
		return
	}
	if err := s.svc.Payments.HandleYooKassaWebhook(r.Context(), body); err != nil {
		s.log.Error("yookassa webhook", "err", err)
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, status int) {
	balance, err := s.svc.Ledger.Balance(r.Context(), accountID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, status, balanceResponse(balance))
}

func balanceResponse(b models.Balance) map[string]int64 {
	return map[string]int64{"paid": b.Paid, "bonus": b.Bonus, "total": b.Total()}
}

package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/ImageForge/internal/models"
	"github.com/digkill/ImageForge/internal/service"
)

func (s *Server) handleAdminListAppeals(w http.ResponseWriter, r *http.Request) {
	status := models.AppealStatus(strings.ToUpper(r.URL.Query().Get("status")))
	appeals, err := s.svc.Disputes.ListByStatus(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, appeals)
}

type resolveRequest struct {
	Action string `json:"action"`
	Note   string `json:"note"`
}

func (s *Server) handleResolveAppeal(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	action := service.ResolveAction(strings.ToUpper(strings.TrimSpace(req.Action)))
	appeal, err := s.svc.Disputes.Resolve(r.Context(), id, action, req.Note)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, appeal)
}

type createCodesRequest struct {
	Count int   `json:"count"`
	Paid  int64 `json:"paid"`
	Bonus int64 `json:"bonus"`
}

func (s *Server) handleCreateCodes(w http.ResponseWriter, r *http.Request) {
	var req createCodesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	codes, err := s.svc.Redemptions.CreateCodes(r.Context(), req.Count, req.Paid, req.Bonus)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, codes)
}

func (s *Server) handleListCodes(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	status := models.CodeStatus(strings.ToUpper(r.URL.Query().Get("status")))
	codes, err := s.svc.Redemptions.List(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, codes)
}

type grantRequest struct {
	Paid        int64  `json:"paid"`
	Bonus       int64  `json:"bonus"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
}

// handleGrant posts admin recharges, support refunds and, with a reference,
// rewards computed elsewhere such as referral commission.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if _, err := s.svc.Ledger.Account(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	kind := models.EntryKind(strings.ToUpper(strings.TrimSpace(req.Kind)))
	if kind == "" {
		kind = models.EntryRecharge
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = fmt.Sprintf("admin %s", strings.ToLower(string(kind)))
	}
	portions := models.Portions{Paid: req.Paid, Bonus: req.Bonus}
	reference := strings.TrimSpace(req.Reference)
	var applied bool
	if kind == models.EntryRefund {
		// support refunds must be traceable to the charge they reverse
		if reference == "" {
			s.badRequest(w, "reference required for refunds")
			return
		}
		applied, err = s.svc.Ledger.Refund(r.Context(), id, portions, description, reference)
	} else {
		applied, err = s.svc.Ledger.Grant(r.Context(), id, portions, kind, description, reference)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	balance, err := s.svc.Ledger.Balance(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if !applied {
		status = http.StatusOK
	}
	s.writeJSON(w, status, map[string]any{"applied": applied, "balance": balanceResponse(balance)})
}

func (s *Server) handleGetPricing(w http.ResponseWriter, r *http.Request) {
	snap, err := s.svc.Pricing.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

type pricingRequest struct {
	Prices map[string]int64 `json:"prices"`
}

func (s *Server) handlePublishPricing(w http.ResponseWriter, r *http.Request) {
	var req pricingRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if len(req.Prices) == 0 {
		s.badRequest(w, "prices required")
		return
	}
	version, err := s.svc.Pricing.Publish(r.Context(), req.Prices)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("pricing published", "version", version, "keys", len(req.Prices))
	s.writeJSON(w, http.StatusCreated, map[string]int64{"version": version})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.svc.Plans.List(r.Context(), false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req service.CreatePlanInput
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	plan, err := s.svc.Plans.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	var req service.UpdatePlanInput
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err.Error())
		return
	}
	plan, err := s.svc.Plans.Update(r.Context(), id, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	drifts, err := s.svc.Ledger.Reconcile(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if drifts == nil {
		drifts = []service.Drift{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"drifts": drifts})
}

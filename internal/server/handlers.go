package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	billrepo "github.com/katiba-labs/katiba/internal/repository/bill"
	engagementrepo "github.com/katiba-labs/katiba/internal/repository/engagement"
	provisionrepo "github.com/katiba-labs/katiba/internal/repository/provision"
	vulnrepo "github.com/katiba-labs/katiba/internal/repository/vulnerability"
	"github.com/katiba-labs/katiba/pkg/errors"
	"github.com/katiba-labs/katiba/pkg/utils"
)

// Handler holds the REST route handlers.
type Handler struct {
	log           *zap.Logger
	provisions    ProvisionService
	bills         BillService
	engagements   EngagementService
	analysis      AnalysisService
	vulnerability VulnerabilityService
	audit         AuditReader
}

// NewHandler creates the REST handler set.
func NewHandler(log *zap.Logger, deps Deps) *Handler {
	return &Handler{
		log:           log,
		provisions:    deps.Provisions,
		bills:         deps.Bills,
		engagements:   deps.Engagements,
		analysis:      deps.Analysis,
		vulnerability: deps.Vulnerability,
		audit:         deps.Audit,
	}
}

func idParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrap(errors.ErrInvalidInput, "invalid "+name)
	}
	return id, nil
}

func pagination(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func actor(r *http.Request) string {
	actorID, _ := utils.GetActorID(r.Context())
	return actorID
}

// CreateProvision handles POST /api/provisions.
func (h *Handler) CreateProvision(w http.ResponseWriter, r *http.Request) {
	var req createProvisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	p := &provisionrepo.Provision{
		Kind:      req.Kind,
		ParentID:  req.ParentID,
		Ordinal:   req.Ordinal,
		Numbering: req.Numbering,
		Body:      req.Body,
	}
	if err := h.provisions.Ingest(r.Context(), actor(r), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetProvision handles GET /api/provisions/{id}.
func (h *Handler) GetProvision(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := h.provisions.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ProvisionAncestors handles GET /api/provisions/{id}/ancestors.
func (h *Handler) ProvisionAncestors(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	chain, err := h.provisions.Ancestors(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ancestors": chain})
}

// ProvisionDescendants handles GET /api/provisions/{id}/descendants.
func (h *Handler) ProvisionDescendants(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	subtree, err := h.provisions.Descendants(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"descendants": subtree})
}

// MoveProvision handles POST /api/provisions/{id}/move.
func (h *Handler) MoveProvision(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req moveProvisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := h.provisions.Move(r.Context(), actor(r), id, req.ParentID, req.Ordinal); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// DeleteProvision handles DELETE /api/provisions/{id}.
func (h *Handler) DeleteProvision(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.provisions.Remove(r.Context(), actor(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// CreateBill handles POST /api/bills.
func (h *Handler) CreateBill(w http.ResponseWriter, r *http.Request) {
	var req createBillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	b := &billrepo.Bill{
		Title:   req.Title,
		Body:    req.Body,
		Chamber: req.Chamber,
		Sponsor: req.Sponsor,
	}
	if err := h.bills.Create(r.Context(), actor(r), b); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// ListBills handles GET /api/bills.
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	bills, err := h.bills.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bills": bills})
}

// GetBill handles GET /api/bills/{id}.
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := h.bills.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// TransitionBill handles POST /api/bills/{id}/transition.
func (h *Handler) TransitionBill(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req transitionBillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := h.bills.Transition(r.Context(), actor(r), id, req.Status); err != nil {
		writeError(w, err)
		return
	}
	if req.Status == billrepo.StatusIntroduced && h.analysis != nil {
		// Introduction is the first public text, so analysis starts here.
		if err := h.analysis.Enqueue(id); err != nil {
			h.log.Error("Failed to enqueue analysis", zap.Int64("bill_id", id), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// DeleteBill handles DELETE /api/bills/{id}.
func (h *Handler) DeleteBill(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.bills.Delete(r.Context(), actor(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// SubmitEngagement handles POST /api/bills/{id}/engagements.
func (h *Handler) SubmitEngagement(w http.ResponseWriter, r *http.Request) {
	billID, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req submitEngagementRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	rec := &engagementrepo.Record{
		BillID:     billID,
		CitizenID:  req.CitizenID,
		Kind:       req.Kind,
		Content:    req.Content,
		CorrectsID: req.CorrectsID,
	}
	if err := h.engagements.Submit(r.Context(), rec); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// ListEngagements handles GET /api/bills/{id}/engagements.
func (h *Handler) ListEngagements(w http.ResponseWriter, r *http.Request) {
	billID, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, offset := pagination(r)
	records, err := h.engagements.ListByBill(r.Context(), billID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"engagements": records})
}

// ApproveEngagement handles POST /api/engagements/{id}/approve.
func (h *Handler) ApproveEngagement(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.engagements.Approve(r.Context(), actor(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// RejectEngagement handles POST /api/engagements/{id}/reject.
func (h *Handler) RejectEngagement(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.engagements.Reject(r.Context(), actor(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *Handler) DeleteEngagement(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.engagements.Delete(r.Context(), actor(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// ListReviews handles GET /api/bills/{id}/reviews.
func (h *Handler) ListReviews(w http.ResponseWriter, r *http.Request) {
	billID, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	reviews, err := h.analysis.ReviewsForBill(r.Context(), billID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reviews": reviews})
}

// ReviewHistory handles GET /api/reviews/{id}/history.
func (h *Handler) ReviewHistory(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := h.analysis.ReviewHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

// TakeReview handles POST /api/reviews/queue/take.
func (h *Handler) TakeReview(w http.ResponseWriter, r *http.Request) {
	entry, review, err := h.analysis.TakeForReview(r.Context(), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue_entry": entry,
		"review":      review,
	})
}

// DecideReview handles POST /api/reviews/{id}/decision.
func (h *Handler) DecideReview(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req reviewDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	review, err := h.analysis.RecordExpertDecision(r.Context(), actor(r), id, req.Finding, req.Rationale)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

// CreateVulnerability handles POST /api/vulnerabilities.
func (h *Handler) CreateVulnerability(w http.ResponseWriter, r *http.Request) {
	var req createVulnerabilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	entry := &vulnrepo.Entry{
		Description:  req.Description,
		Source:       req.Source,
		Severity:     req.Severity,
		Status:       req.Status,
		ProvisionIDs: req.ProvisionIDs,
	}
	if err := h.vulnerability.Add(r.Context(), actor(r), entry); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// GetVulnerability handles GET /api/vulnerabilities/{id}.
func (h *Handler) GetVulnerability(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	entry, err := h.vulnerability.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ProvisionVulnerabilities handles GET /api/provisions/{id}/vulnerabilities.
func (h *Handler) ProvisionVulnerabilities(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.vulnerability.ListByProvision(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"vulnerabilities": entries})
}

// VulnerabilityStatus handles POST /api/vulnerabilities/{id}/status.
func (h *Handler) VulnerabilityStatus(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req vulnerabilityStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := h.vulnerability.SetStatus(r.Context(), actor(r), id, req.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// AuditTrail handles GET /api/audit?target_kind=bill&target_id=7.
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	targetKind := q.Get("target_kind")
	targetID := q.Get("target_id")
	if targetKind == "" || targetID == "" {
		writeError(w, errors.Wrap(errors.ErrInvalidInput, "target_kind and target_id are required"))
		return
	}
	limit, _ := pagination(r)
	trail, err := h.audit.ListByTarget(r.Context(), targetKind, targetID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": trail})
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/almasraf/blocking-service/internal/models"
	service "github.com/almasraf/blocking-service/internal/services"
	pkgerrors "github.com/almasraf/blocking-service/pkg/errors"
	"github.com/gorilla/mux"
)

type Handler struct {
	workflow    service.WorkflowService
	permissions service.PermissionService
	auth        service.AuthService
}

func NewHandler(workflow service.WorkflowService, permissions service.PermissionService, auth service.AuthService) *Handler {
	return &Handler{
		workflow:    workflow,
		permissions: permissions,
		auth:        auth,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeWorkflowError maps the workflow sentinels onto HTTP statuses. The
// conflict case is retryable by the caller.
func (h *Handler) writeWorkflowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pkgerrors.ErrTransactionNotFound), errors.Is(err, pkgerrors.ErrUserNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pkgerrors.ErrTransitionConflict):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, pkgerrors.ErrInvalidTransition):
		h.writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, pkgerrors.ErrNegativeAmount), errors.Is(err, pkgerrors.ErrInvalidStatus),
		errors.Is(err, pkgerrors.ErrEmptyAction), errors.Is(err, pkgerrors.ErrDuplicateEventKey):
		h.writeError(w, http.StatusBadRequest, err)
	default:
		h.writeError(w, http.StatusInternalServerError, err)
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func contextUserID(r *http.Request) (int64, bool) {
	userID, ok := r.Context().Value("user_id").(int64)
	return userID, ok
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	token, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err)
		} else {
			h.writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.workflow.Approve)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.workflow.Reject)
}

func (h *Handler) Escalate(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.workflow.Escalate)
}

func (h *Handler) applyTransition(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, transactionID, userID int64) error) {
	userID, ok := contextUserID(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
		return
	}
	transactionID, err := pathID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid transaction id"))
		return
	}

	if err := apply(r.Context(), transactionID, userID); err != nil {
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	transactionID, err := pathID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid transaction id"))
		return
	}

	if err := h.workflow.Delete(r.Context(), transactionID); err != nil {
		h.writeWorkflowError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID, err := pathID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid transaction id"))
		return
	}

	tx, err := h.workflow.GetTransaction(r.Context(), transactionID)
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, tx)
}

// AppendFlow records a manual routing entry, e.g. handing the case to a
// named reviewer. The status itself only changes through the transition
// routes.
func (h *Handler) AppendFlow(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
		return
	}
	transactionID, err := pathID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid transaction id"))
		return
	}

	var req struct {
		ToUserID  *int64 `json:"to_user_id,omitempty"`
		Action    string `json:"action"`
		Remark    string `json:"remark,omitempty"`
		CanReturn bool   `json:"can_return"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	flow := &models.TransactionFlow{
		TransactionID: transactionID,
		FromUserID:    userID,
		ToUserID:      req.ToUserID,
		Action:        req.Action,
		Remark:        req.Remark,
		CanReturn:     req.CanReturn,
	}
	if err := h.workflow.AppendFlow(r.Context(), flow); err != nil {
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, flow)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.workflow.ListTransactions(r.Context())
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txs)
}

func (h *Handler) FlowHistory(w http.ResponseWriter, r *http.Request) {
	transactionID, err := pathID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid transaction id"))
		return
	}

	flows, err := h.workflow.FlowHistory(r.Context(), transactionID)
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, flows)
}

func (h *Handler) ListEscalated(w http.ResponseWriter, r *http.Request) {
	txs, err := h.workflow.ListEscalated(r.Context())
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txs)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.workflow.Stats(r.Context())
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) MyTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		h.writeError(w, http.StatusUnauthorized, errors.New("user not authenticated"))
		return
	}

	txs, err := h.workflow.ListForUser(r.Context(), userID)
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, txs)
}

func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	var records []service.IngestRecord
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	created, skipped, err := h.workflow.IngestBatch(r.Context(), records)
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"created": created, "skipped": skipped})
}

func (h *Handler) SyncUserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid user id"))
		return
	}

	var req struct {
		RoleID int64 `json:"role_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.permissions.SyncUserPermissions(r.Context(), userID, req.RoleID); err != nil {
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "synced"})
}

func (h *Handler) UserPermissions(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid user id"))
		return
	}

	perms, err := h.permissions.EffectivePermissions(r.Context(), userID)
	if err != nil {
		h.writeWorkflowError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string][]string{"permissions": perms})
}

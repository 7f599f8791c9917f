package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/internal/audit"
	"github.com/bridgetown-labs/ai-receptionist/internal/customer"
	"github.com/bridgetown-labs/ai-receptionist/internal/session"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// AdminHandler serves operator endpoints behind a static bearer token.
type AdminHandler struct {
	tenants   *tenant.Store
	customers *customer.Store
	sessions  *session.Store
	auditor   audit.Recorder
	token     string
	log       *logging.Logger
}

func NewAdminHandler(tenants *tenant.Store, customers *customer.Store, sessions *session.Store,
	auditor audit.Recorder, token string, log *logging.Logger) *AdminHandler {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if log == nil {
		log = logging.Default()
	}
	return &AdminHandler{
		tenants:   tenants,
		customers: customers,
		sessions:  sessions,
		auditor:   auditor,
		token:     token,
		log:       log.Component("httpapi.admin"),
	}
}

func (h *AdminHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

// HandleEraseCustomer clears a customer's PII and detaches their sessions.
// The row itself stays so booking history keeps its foreign keys.
func (h *AdminHandler) HandleEraseCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid admin token")
		return
	}

	tn, err := h.tenants.GetBySlug(ctx, chi.URLParam(r, "tenantSlug"))
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown tenant")
			return
		}
		h.log.Error("tenant lookup failed", "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	customerID, err := uuid.Parse(chi.URLParam(r, "customerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid customer id")
		return
	}

	if err := h.customers.SoftDelete(ctx, tn.ID, customerID); err != nil {
		if errors.Is(err, customer.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown customer")
			return
		}
		h.log.Error("customer erase failed", "customer_id", customerID.String(), "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.sessions.UnlinkCustomer(ctx, customerID); err != nil {
		h.log.Error("unlink customer sessions failed", "customer_id", customerID.String(), "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.auditor.Record(ctx, audit.Entry{
		TenantID:   tn.ID,
		EventType:  "customer.erased",
		EntityType: "customer",
		EntityID:   customerID.String(),
		Actor:      "operator",
	})
	w.WriteHeader(http.StatusNoContent)
}

package httpapi

import (
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bridgetown-labs/ai-receptionist/internal/audit"
	"github.com/bridgetown-labs/ai-receptionist/internal/chat"
	"github.com/bridgetown-labs/ai-receptionist/internal/outbox"
	"github.com/bridgetown-labs/ai-receptionist/internal/phone"
	"github.com/bridgetown-labs/ai-receptionist/internal/session"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// CarrierHandler receives SMS webhooks: delivery status callbacks for
// messages we sent, and inbound messages from customers (including
// STOP/START compliance keywords).
type CarrierHandler struct {
	tenants  *tenant.Store
	messages *outbox.Store
	optOuts  *outbox.OptOutStore
	sessions *session.Store
	router   *chat.Router
	auditor  audit.Recorder
	sig      SignatureConfig
	log      *logging.Logger
}

func NewCarrierHandler(tenants *tenant.Store, messages *outbox.Store, optOuts *outbox.OptOutStore,
	sessions *session.Store, router *chat.Router, auditor audit.Recorder,
	sig SignatureConfig, log *logging.Logger) *CarrierHandler {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if log == nil {
		log = logging.Default()
	}
	return &CarrierHandler{
		tenants:  tenants,
		messages: messages,
		optOuts:  optOuts,
		sessions: sessions,
		router:   router,
		auditor:  auditor,
		sig:      sig,
		log:      log.Component("httpapi.carrier"),
	}
}

// HandleStatus applies a delivery status callback. Other than a signature
// failure, every outcome is a 2xx: the carrier retries any non-2xx, and
// retrying a malformed or unknown callback never makes it processable.
func (h *CarrierHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.sig.Verify(r) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.log.Warn("unparsable status callback", "error", err.Error())
		w.WriteHeader(http.StatusOK)
		return
	}

	sid := r.FormValue("MessageSid")
	status := r.FormValue("MessageStatus")
	if sid == "" || status == "" {
		h.log.Warn("status callback missing MessageSid or MessageStatus")
		w.WriteHeader(http.StatusOK)
		return
	}

	m, err := h.messages.UpdateProviderStatus(ctx, sid, status, r.FormValue("ErrorCode"))
	if err != nil {
		if errors.Is(err, outbox.ErrNotFound) {
			h.log.Warn("status callback for unknown SID", "provider_sid", audit.MaskSID(sid), "status", status)
		} else {
			h.log.Error("provider status update failed", "error", err.Error())
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	h.auditor.Record(ctx, audit.Entry{
		TenantID:   m.TenantID,
		EventType:  "sms.provider_status_update",
		EntityType: "outbox_message",
		EntityID:   m.ID.String(),
		Actor:      "carrier",
		Payload: map[string]any{
			"provider_sid": audit.MaskSID(sid),
			"status":       status,
			"error_code":   r.FormValue("ErrorCode"),
		},
	})
	w.WriteHeader(http.StatusOK)
}

// HandleInbound processes a customer-originated SMS. STOP and START
// keywords update the opt-out list; anything else runs a chat turn on the
// SMS channel and replies in the webhook response.
func (h *CarrierHandler) HandleInbound(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.sig.Verify(r) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	from := phone.NormalizeE164(r.FormValue("From"))
	body := r.FormValue("Body")
	if from == "" || body == "" {
		http.Error(w, "From and Body are required", http.StatusBadRequest)
		return
	}

	tn, err := h.tenants.GetBySlug(ctx, chi.URLParam(r, "tenantSlug"))
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			http.Error(w, "unknown tenant", http.StatusNotFound)
			return
		}
		h.log.Error("tenant lookup failed", "error", err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch {
	case outbox.IsStopMessage(body):
		if err := h.optOuts.Add(ctx, tn.ID, from); err != nil {
			h.log.Error("record opt-out failed", "error", err.Error())
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		h.auditor.Record(ctx, audit.Entry{
			TenantID:  tn.ID,
			EventType: "sms.opt_out",
			Actor:     "customer",
			Payload:   map[string]any{"phone_last4": audit.MaskPhone(from)},
		})
		// The carrier sends its own mandated STOP confirmation.
		writeTwiMLMessage(w, "")
		return

	case outbox.IsStartMessage(body):
		if err := h.optOuts.Remove(ctx, tn.ID, from); err != nil {
			h.log.Error("remove opt-out failed", "error", err.Error())
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		h.auditor.Record(ctx, audit.Entry{
			TenantID:  tn.ID,
			EventType: "sms.opt_in",
			Actor:     "customer",
			Payload:   map[string]any{"phone_last4": audit.MaskPhone(from)},
		})
		writeTwiMLMessage(w, "You're resubscribed and will receive booking messages again.")
		return
	}

	if h.optOuts.IsOptedOut(ctx, tn.ID, from) {
		writeTwiMLMessage(w, "")
		return
	}

	sess, err := h.sessions.GetOrCreate(ctx, tn.ID, session.ChannelSMS, from)
	if err != nil {
		h.log.Error("session create failed", "error", err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if sess.Metadata == nil || sess.Metadata["contact_phone"] != from {
		if sess.Metadata == nil {
			sess.Metadata = map[string]any{}
		}
		sess.Metadata["contact_phone"] = from
		if err := h.sessions.SetMetadata(ctx, sess.ID, sess.Metadata); err != nil {
			h.log.Error("persist contact phone failed", "session_id", sess.ID.String(), "error", err.Error())
		}
	}

	reply, err := h.router.HandleMessage(ctx, tn, sess, body)
	if err != nil {
		h.log.Error("sms chat turn failed", "session_id", sess.ID.String(), "error", err.Error())
		writeTwiMLMessage(w, "Sorry, something went wrong on our end. Please try again in a minute.")
		return
	}
	writeTwiMLMessage(w, reply)
}

type twimlMessageResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message,omitempty"`
}

func writeTwiMLMessage(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(twimlMessageResponse{Message: body})
}

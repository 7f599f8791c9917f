// Package httpapi exposes the public HTTP surface: the widget chat API,
// carrier webhooks for SMS and voice, health, and metrics. Handlers are
// thin; conversation logic lives in the chat and voice packages.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bridgetown-labs/ai-receptionist/internal/chat"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	"github.com/bridgetown-labs/ai-receptionist/internal/session"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

const maxChatBodyBytes = 64 << 10

// ChatHandler serves the web widget's message endpoint.
type ChatHandler struct {
	tenants      *tenant.Store
	sessions     *session.Store
	router       *chat.Router
	signer       *session.TokenSigner
	authRequired bool
	log          *logging.Logger
}

func NewChatHandler(tenants *tenant.Store, sessions *session.Store, router *chat.Router,
	signer *session.TokenSigner, authRequired bool, log *logging.Logger) *ChatHandler {
	if log == nil {
		log = logging.Default()
	}
	return &ChatHandler{
		tenants:      tenants,
		sessions:     sessions,
		router:       router,
		signer:       signer,
		authRequired: authRequired,
		log:          log.Component("httpapi.chat"),
	}
}

type chatRequest struct {
	Message      string `json:"message"`
	ExternalID   string `json:"external_id,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
	ClientTZ     string `json:"client_tz,omitempty"`
}

type chatResponse struct {
	SessionID    string `json:"session_id"`
	SessionToken string `json:"session_token,omitempty"`
	Reply        string `json:"reply"`
}

// HandleMessage accepts one user message and returns the assistant reply.
// A session token from a previous response resumes that conversation;
// otherwise the external ID (or a fresh one) starts a new session.
func (h *ChatHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
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

	sess, status, errMsg := h.resolveSession(r, tn, req)
	if errMsg != "" {
		writeError(w, status, errMsg)
		return
	}

	// The widget reports the browser zone so relative dates resolve in the
	// customer's local time rather than the tenant's.
	if clock.ValidZone(req.ClientTZ) && (sess.Metadata == nil || sess.Metadata["client_tz"] != req.ClientTZ) {
		if sess.Metadata == nil {
			sess.Metadata = map[string]any{}
		}
		sess.Metadata["client_tz"] = req.ClientTZ
		if err := h.sessions.SetMetadata(ctx, sess.ID, sess.Metadata); err != nil {
			h.log.Error("persist client timezone failed", "session_id", sess.ID.String(), "error", err.Error())
		}
	}

	reply, err := h.router.HandleMessage(ctx, tn, sess, req.Message)
	if err != nil {
		h.log.Error("chat turn failed", "session_id", sess.ID.String(), "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := chatResponse{SessionID: sess.ID.String(), Reply: reply}
	if h.signer != nil {
		token, err := h.signer.Issue(tn.ID, sess.ID, sess.CustomerID)
		if err != nil {
			h.log.Error("token issue failed", "session_id", sess.ID.String(), "error", err.Error())
		} else {
			resp.SessionToken = token
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveSession loads the session behind a token, or creates one for
// first contact. With auth required, only the first message of a
// conversation may arrive without a token.
func (h *ChatHandler) resolveSession(r *http.Request, tn *tenant.Tenant, req chatRequest) (*session.Session, int, string) {
	ctx := r.Context()

	if req.SessionToken != "" {
		if h.signer == nil {
			return nil, http.StatusUnauthorized, "session tokens are not enabled"
		}
		claims, err := h.signer.Verify(req.SessionToken)
		if err != nil {
			if errors.Is(err, session.ErrExpiredToken) {
				return nil, http.StatusUnauthorized, "session token expired"
			}
			return nil, http.StatusUnauthorized, "invalid session token"
		}
		if claims.TenantID != tn.ID {
			return nil, http.StatusForbidden, "session token does not match tenant"
		}
		sess, err := h.sessions.Get(ctx, tn.ID, claims.SessionID)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				return nil, http.StatusUnauthorized, "session not found"
			}
			h.log.Error("session lookup failed", "error", err.Error())
			return nil, http.StatusInternalServerError, "internal error"
		}
		return sess, 0, ""
	}

	if h.authRequired && req.ExternalID == "" {
		return nil, http.StatusUnauthorized, "session token or external_id is required"
	}
	externalID := req.ExternalID
	if externalID == "" {
		externalID = uuid.NewString()
	}
	sess, err := h.sessions.GetOrCreate(ctx, tn.ID, session.ChannelWeb, externalID)
	if err != nil {
		h.log.Error("session create failed", "error", err.Error())
		return nil, http.StatusInternalServerError, "internal error"
	}
	return sess, 0, ""
}

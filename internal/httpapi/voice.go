package httpapi

import (
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
	"github.com/bridgetown-labs/ai-receptionist/internal/voice"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

// VoiceHandler bridges carrier voice webhooks to the call flow manager.
// The carrier posts once when the call connects and again for every
// speech recognition result; we answer with TwiML that speaks the reply
// and gathers the next utterance.
type VoiceHandler struct {
	tenants *tenant.Store
	manager *voice.Manager
	sig     SignatureConfig
	log     *logging.Logger
}

func NewVoiceHandler(tenants *tenant.Store, manager *voice.Manager, sig SignatureConfig, log *logging.Logger) *VoiceHandler {
	if log == nil {
		log = logging.Default()
	}
	return &VoiceHandler{tenants: tenants, manager: manager, sig: sig, log: log.Component("httpapi.voice")}
}

// HandleCall processes one voice webhook turn.
func (h *VoiceHandler) HandleCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !h.sig.Verify(r) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	callID := r.FormValue("CallSid")
	if callID == "" {
		http.Error(w, "CallSid is required", http.StatusBadRequest)
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

	// A turn without a transcript is the initial connect.
	transcript := r.FormValue("SpeechResult")
	if transcript == "" {
		greeting, err := h.manager.StartCall(ctx, tn, callID, r.FormValue("From"))
		if err != nil {
			h.log.Error("start call failed", "error", err.Error())
			writeTwiMLSay(w, "Sorry, we can't take your call right now. Please try again later.", true)
			return
		}
		writeTwiMLSay(w, greeting, false)
		return
	}

	turn, err := h.manager.HandleTurn(ctx, tn, callID, transcript)
	if err != nil {
		h.log.Error("voice turn failed", "error", err.Error())
		writeTwiMLSay(w, "Sorry, something went wrong on our end. Goodbye.", true)
		return
	}
	writeTwiMLSay(w, turn.Reply, turn.Done)
}

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Say     string       `xml:"Say,omitempty"`
	Gather  *twimlGather `xml:"Gather,omitempty"`
	Hangup  *struct{}    `xml:"Hangup,omitempty"`
}

type twimlGather struct {
	Input   string `xml:"input,attr"`
	Timeout int    `xml:"timeout,attr"`
}

func writeTwiMLSay(w http.ResponseWriter, say string, hangup bool) {
	resp := twimlResponse{Say: say}
	if hangup {
		resp.Hangup = &struct{}{}
	} else {
		resp.Gather = &twimlGather{Input: "speech", Timeout: 5}
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_ = xml.NewEncoder(w).Encode(resp)
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/volteec/volteec-server/internal/buildinfo"
	"github.com/volteec/volteec-server/internal/model"
	"github.com/volteec/volteec-server/internal/relay"
)

// PairRelay is the relay slice the pairing and push endpoints use.
type PairRelay interface {
	CreatePairCode(ctx context.Context, code string, timestamp int64) error
	SendEvent(p relay.EventParams)
	BaseURL() string
	ServerID() string
	Environment() model.Environment
}

// CompatibilityReporter exposes the update checker's last classification.
type CompatibilityReporter interface {
	Compatibility() relay.Compatibility
}

type pairResponse struct {
	APIVersion string `json:"apiVersion"`
	RelayURL   string `json:"relayUrl"`
	PairCode   string `json:"pairCode"`
	ServerID   string `json:"serverId"`
}

// HandleRelayPair registers a fresh pairing code with the relay and hands it
// to the app. 503 without relay config, 502 when the relay rejects the code.
func HandleRelayPair(rl PairRelay) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl == nil {
			WriteError(w, http.StatusServiceUnavailable, "Relay not configured")
			return
		}
		code, err := relay.NewPairCode()
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to generate pair code")
			return
		}
		if err := rl.CreatePairCode(r.Context(), code, time.Now().Unix()); err != nil {
			WriteError(w, http.StatusBadGateway, "Relay rejected pair code")
			return
		}
		WriteJSON(w, http.StatusOK, pairResponse{
			APIVersion: "1.0",
			RelayURL:   rl.BaseURL(),
			PairCode:   code,
			ServerID:   rl.ServerID(),
		})
	})
}

type serverStatusResponse struct {
	Version         string              `json:"version"`
	ProtocolVersion string              `json:"protocolVersion"`
	Compatibility   relay.Compatibility `json:"compatibility"`
}

// HandleServerStatus reports the server version and the relay compatibility
// classification from the last update check.
func HandleServerStatus(compat CompatibilityReporter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := serverStatusResponse{
			Version:         buildinfo.Version,
			ProtocolVersion: relay.ProtocolVersion,
			Compatibility:   relay.CompatUnreachable,
		}
		if compat != nil {
			resp.Compatibility = compat.Compatibility()
		}
		WriteJSON(w, http.StatusOK, resp)
	})
}

type simulatePushRequest struct {
	UPSID     string `json:"upsId"`
	EventType string `json:"eventType"`
}

// HandleSimulatePush fires a test relay event so a paired device can verify
// push delivery end to end. Registered outside production only.
func HandleSimulatePush(rl PairRelay, repo UPSReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl == nil {
			WriteError(w, http.StatusServiceUnavailable, "Relay not configured")
			return
		}
		var req simulatePushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "Malformed JSON body")
			return
		}
		eventType := req.EventType
		if eventType == "" {
			eventType = relay.EventUPSStatusChange
		}
		switch eventType {
		case relay.EventUPSStatusChange, relay.EventBatteryLow:
		default:
			WriteError(w, http.StatusBadRequest, "Unsupported eventType")
			return
		}

		params := relay.EventParams{
			Type:        eventType,
			Environment: rl.Environment(),
			Timestamp:   time.Now().Unix(),
		}
		if upsID := strings.ToLower(strings.TrimSpace(req.UPSID)); upsID != "" {
			params.UPSID = upsID
			if u, err := repo.Get(upsID); err == nil && u != nil {
				params.Status = u.Status
				params.BatteryLevel = u.BatteryPercent
			}
		}
		rl.SendEvent(params)
		WriteJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
	})
}

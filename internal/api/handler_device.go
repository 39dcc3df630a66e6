package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/volteec/volteec-server/internal/model"
	"github.com/volteec/volteec-server/internal/tokencrypt"
)

// DeviceStore is the store slice the registration endpoints use.
type DeviceStore interface {
	Register(d *model.Device) (bool, error)
	Unregister(tokenHash, upsID string, env model.Environment) error
}

type registerDeviceRequest struct {
	APIVersion     string  `json:"apiVersion"`
	UPSID          string  `json:"upsId"`
	UPSAlias       string  `json:"upsAlias"`
	DeviceToken    string  `json:"deviceToken"`
	Environment    string  `json:"environment"`
	InstallationID *string `json:"installationId"`
	UPSHidden      bool    `json:"upsHidden"`
}

type registerDeviceResponse struct {
	UPSID       string            `json:"upsId"`
	Environment model.Environment `json:"environment"`
	Created     bool              `json:"created"`
}

// HandleRegisterDevice stores (or refreshes) a push registration. The token
// is encrypted at rest; the SHA-256 hash is the lookup key. serverID, when
// non-empty, ties the registration to this server's relay identity.
func HandleRegisterDevice(devices DeviceStore, cipher *tokencrypt.Cipher, serverID string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cipher == nil {
			WriteError(w, http.StatusServiceUnavailable, "Device registration not configured")
			return
		}

		var req registerDeviceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "Malformed JSON body")
			return
		}
		if req.APIVersion != "" && req.APIVersion != "1.0" && req.APIVersion != "1.1" {
			WriteError(w, http.StatusBadRequest, "Unsupported apiVersion")
			return
		}
		req.UPSID = strings.ToLower(strings.TrimSpace(req.UPSID))
		if req.UPSID == "" {
			WriteError(w, http.StatusBadRequest, "upsId is required")
			return
		}
		if req.DeviceToken == "" {
			WriteError(w, http.StatusBadRequest, "deviceToken is required")
			return
		}
		env := model.Environment(req.Environment)
		if req.Environment == "" {
			env = model.EnvironmentSandbox
		}
		if !env.IsValid() {
			WriteError(w, http.StatusBadRequest, "Invalid environment")
			return
		}

		encrypted, err := cipher.Encrypt(req.DeviceToken)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to store device token")
			return
		}

		d := &model.Device{
			UPSID:       req.UPSID,
			DeviceToken: encrypted,
			TokenHash:   tokencrypt.HashToken(req.DeviceToken),
			UPSHidden:   req.UPSHidden,
			Environment: env,
		}
		if alias := strings.TrimSpace(req.UPSAlias); alias != "" {
			d.UPSAlias = &alias
		}
		if req.InstallationID != nil && *req.InstallationID != "" {
			d.InstallationID = req.InstallationID
		}
		if serverID != "" {
			d.ServerID = &serverID
		}

		created, err := devices.Register(d)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to register device")
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		WriteJSON(w, status, registerDeviceResponse{UPSID: req.UPSID, Environment: env, Created: created})
	})
}

type unregisterDeviceRequest struct {
	UPSID       string `json:"upsId"`
	DeviceToken string `json:"deviceToken"`
	Environment string `json:"environment"`
}

// HandleUnregisterDevice deletes a registration; removing an absent row is
// still a 200.
func HandleUnregisterDevice(devices DeviceStore) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req unregisterDeviceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "Malformed JSON body")
			return
		}
		req.UPSID = strings.ToLower(strings.TrimSpace(req.UPSID))
		if req.UPSID == "" || req.DeviceToken == "" {
			WriteError(w, http.StatusBadRequest, "upsId and deviceToken are required")
			return
		}
		env := model.Environment(req.Environment)
		if req.Environment == "" {
			env = model.EnvironmentSandbox
		}
		if !env.IsValid() {
			WriteError(w, http.StatusBadRequest, "Invalid environment")
			return
		}

		if err := devices.Unregister(tokencrypt.HashToken(req.DeviceToken), req.UPSID, env); err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to unregister device")
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"unregistered": true})
	})
}

package api

import (
	"net/http"
	"strings"

	"github.com/volteec/volteec-server/internal/model"
)

// UPSReader is the read-only store slice the UPS endpoints use.
type UPSReader interface {
	Get(upsID string) (*model.UPS, error)
	List() ([]model.UPS, error)
}

// HandleListUPS returns every known UPS snapshot.
func HandleListUPS(repo UPSReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		all, err := repo.List()
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to load UPS list")
			return
		}
		if all == nil {
			all = []model.UPS{}
		}
		WriteJSON(w, http.StatusOK, all)
	})
}

// HandleUPSStatus returns one snapshot by id, lowercased before lookup.
func HandleUPSStatus(repo UPSReader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upsID := strings.ToLower(r.PathValue("upsId"))
		u, err := repo.Get(upsID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "Failed to load UPS")
			return
		}
		if u == nil {
			WriteError(w, http.StatusNotFound, "Unknown UPS")
			return
		}
		WriteJSON(w, http.StatusOK, u)
	})
}

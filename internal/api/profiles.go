package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/ledger"
	"github.com/atmx/paper-ledger/internal/model"
)

// SettingsRequest is the JSON body of PUT /profiles/{profileID}/settings
// and the optional settings of profile creation.
type SettingsRequest struct {
	DefaultTakeProfitPercent decimal.Decimal `json:"defaultTakeProfitPercent"`
	DefaultStopLossPercent   decimal.Decimal `json:"defaultStopLossPercent"`
	MaxOpenPositions         int             `json:"maxOpenPositions"`
}

func (s SettingsRequest) settings() model.ProfileSettings {
	return model.ProfileSettings{
		DefaultTakeProfitPercent: s.DefaultTakeProfitPercent,
		DefaultStopLossPercent:   s.DefaultStopLossPercent.Abs(),
		MaxOpenPositions:         s.MaxOpenPositions,
	}
}

// CreateProfileRequest is the JSON body of POST /profiles.
type CreateProfileRequest struct {
	Name           string           `json:"name"`
	InitialBalance decimal.Decimal  `json:"initialBalance"`
	Activate       bool             `json:"activate"`
	Settings       *SettingsRequest `json:"settings,omitempty"`
}

// InitializeRequest is the JSON body of POST /profiles/initialize.
type InitializeRequest struct {
	Name           string          `json:"name"`
	InitialBalance decimal.Decimal `json:"initialBalance"`
}

// SwitchRequest is the JSON body of POST /profiles/switch.
type SwitchRequest struct {
	ProfileID string `json:"profileId"`
}

// ResetRequest is the JSON body of POST /profiles/{profileID}/reset.
type ResetRequest struct {
	InitialBalance decimal.Decimal `json:"initialBalance"`
}

// ProfilesResponse lists every profile and names the active one.
type ProfilesResponse struct {
	Profiles        []model.Profile `json:"profiles"`
	ActiveProfileID string          `json:"active_profile_id"`
}

// ListProfiles handles GET /profiles.
func (h *Handler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.ledger.ListProfiles(r.Context())
	if !usable(err) {
		h.writeError(w, r, err)
		return
	}
	markStale(w, err)

	resp := ProfilesResponse{Profiles: profiles}
	if resp.Profiles == nil {
		resp.Profiles = []model.Profile{}
	}
	for _, p := range profiles {
		if p.Active {
			resp.ActiveProfileID = p.ID
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateProfile handles POST /profiles.
func (h *Handler) CreateProfile(w http.ResponseWriter, r *http.Request) {
	var req CreateProfileRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	np := ledger.NewProfile{Name: req.Name, InitialBalance: req.InitialBalance, Activate: req.Activate}
	if req.Settings != nil {
		np.Settings = req.Settings.settings()
	}
	p, err := h.ledger.CreateProfile(r.Context(), np)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// InitializePortfolio handles POST /profiles/initialize.
func (h *Handler) InitializePortfolio(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.ledger.InitializePortfolio(r.Context(), req.Name, req.InitialBalance)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SwitchProfile handles POST /profiles/switch.
func (h *Handler) SwitchProfile(w http.ResponseWriter, r *http.Request) {
	var req SwitchRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.ledger.SwitchActive(r.Context(), req.ProfileID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetActiveProfile handles GET /profiles/active.
func (h *Handler) GetActiveProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.ledger.GetActiveProfile(r.Context())
	if !usable(err) {
		h.writeError(w, r, err)
		return
	}
	markStale(w, err)
	writeJSON(w, http.StatusOK, p)
}

// ResetProfile handles POST /profiles/{profileID}/reset.
func (h *Handler) ResetProfile(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.ledger.ResetProfile(r.Context(), chi.URLParam(r, "profileID"), req.InitialBalance)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdateSettings handles PUT /profiles/{profileID}/settings.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.ledger.UpdateSettings(r.Context(), chi.URLParam(r, "profileID"), req.settings())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeleteProfile handles DELETE /profiles/{profileID}.
func (h *Handler) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "profileID")
	if err := h.ledger.DeleteProfile(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// GetStats handles GET /profiles/{profileID}/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.ledger.Stats(r.Context(), chi.URLParam(r, "profileID"))
	if !usable(err) {
		h.writeError(w, r, err)
		return
	}
	markStale(w, err)
	writeJSON(w, http.StatusOK, st)
}

package app

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"sbstate/cmd/identity"
	"sbstate/cmd/internal/invite"
	"sbstate/cmd/internal/userstore"
)

// api is the local control surface under /v1. Every mutating route goes
// through the same store operations the UI uses.
type api struct {
	store   *userstore.Store
	invites *invite.Service
	session *identity.Session
	log     *slog.Logger
}

func newAPI(a *App) *api {
	return &api{store: a.store, invites: a.invites, session: a.session, log: a.log}
}

func (h *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/state", h.handleState)
	mux.HandleFunc("PATCH /v1/profile", h.handleProfile)
	mux.HandleFunc("POST /v1/reset", h.handleReset)

	mux.HandleFunc("POST /v1/coins/add", h.handleCoinsAdd)
	mux.HandleFunc("POST /v1/coins/deduct", h.handleCoinsDeduct)
	mux.HandleFunc("POST /v1/coins/set", h.handleCoinsSet)

	mux.HandleFunc("GET /v1/checkin", h.handleCheckInView)
	mux.HandleFunc("POST /v1/checkin", h.handleCheckIn)

	mux.HandleFunc("POST /v1/redeem", h.handleRedeem)
	mux.HandleFunc("POST /v1/premium/grant", h.handlePremiumGrant)
	mux.HandleFunc("POST /v1/premium/clear", h.handlePremiumClear)

	mux.HandleFunc("POST /v1/referral/ensure", h.handleReferralEnsure)
	mux.HandleFunc("POST /v1/referral/join", h.handleReferralJoin)

	mux.HandleFunc("POST /v1/invite", h.handleInvite)
	mux.HandleFunc("GET /v1/invite/history", h.handleInviteHistory)

	mux.HandleFunc("PUT /v1/session", h.handleSignIn)
	mux.HandleFunc("DELETE /v1/session", h.handleSignOut)
}

type stateResponse struct {
	userstore.Snapshot
	CheckIn userstore.CheckInView `json:"checkIn"`
}

func (h *api) state() stateResponse {
	return stateResponse{Snapshot: h.store.Snapshot(), CheckIn: h.store.CheckInView()}
}

func (h *api) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.state())
}

func (h *api) handleProfile(w http.ResponseWriter, r *http.Request) {
	var p userstore.ProfilePatch
	if !decodeBody(w, r, &p) {
		return
	}
	h.store.UpdateProfile(r.Context(), p)
	writeJSON(w, http.StatusOK, h.state())
}

func (h *api) handleReset(w http.ResponseWriter, r *http.Request) {
	h.store.Reset(r.Context())
	writeJSON(w, http.StatusOK, h.state())
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

func (h *api) decodeAmount(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return 0, false
	}
	if req.Amount < 0 {
		writeFailure(w, userstore.ErrNegativeAmount)
		return 0, false
	}
	return req.Amount, true
}

func (h *api) handleCoinsAdd(w http.ResponseWriter, r *http.Request) {
	n, ok := h.decodeAmount(w, r)
	if !ok {
		return
	}
	if err := h.store.AddCoins(r.Context(), n); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.state())
}

type deductResponse struct {
	OK          bool  `json:"ok"`
	CoinBalance int64 `json:"coinBalance"`
}

func (h *api) handleCoinsDeduct(w http.ResponseWriter, r *http.Request) {
	n, ok := h.decodeAmount(w, r)
	if !ok {
		return
	}
	done := h.store.DeductCoins(r.Context(), n)
	status := http.StatusOK
	if !done {
		status = http.StatusConflict
	}
	writeJSON(w, status, deductResponse{OK: done, CoinBalance: h.store.Record().CoinBalance})
}

func (h *api) handleCoinsSet(w http.ResponseWriter, r *http.Request) {
	n, ok := h.decodeAmount(w, r)
	if !ok {
		return
	}
	if err := h.store.SetCoinBalance(r.Context(), n); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.state())
}

func (h *api) handleCheckInView(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.store.CheckInView())
}

func (h *api) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	res := h.store.DailyCheckIn(r.Context())
	status := http.StatusOK
	if !res.Granted {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

func (h *api) handleRedeem(w http.ResponseWriter, r *http.Request) {
	res := h.store.RedeemPremium(r.Context())
	switch {
	case res.Success:
		writeJSON(w, http.StatusOK, res)
	case userstore.IsInsufficientFunds(res.Reason):
		writeJSON(w, http.StatusPaymentRequired, res)
	default:
		writeJSON(w, http.StatusConflict, res)
	}
}

type grantRequest struct {
	Source userstore.PremiumSource `json:"source"`
}

func (h *api) handlePremiumGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.store.GrantPremium24h(r.Context(), req.Source); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_source", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.state())
}

func (h *api) handlePremiumClear(w http.ResponseWriter, r *http.Request) {
	h.store.ClearPremium(r.Context())
	writeJSON(w, http.StatusOK, h.state())
}

type codeResponse struct {
	Code string `json:"code"`
}

func (h *api) handleReferralEnsure(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, codeResponse{Code: h.store.EnsureReferralCode(r.Context())})
}

type joinRequest struct {
	Payload string `json:"payload"`
}

func (h *api) handleReferralJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.store.JoinViaReferral(r.Context(), req.Payload)
	if err != nil {
		if !writeFailure(w, err) {
			h.log.Error("api.referral.join.fail", "err", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *api) handleInvite(w http.ResponseWriter, r *http.Request) {
	sh, err := h.invites.Share(r.Context())
	if err != nil {
		h.log.Warn("api.invite.fail", "err", err)
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (h *api) handleInviteHistory(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		code = h.store.EnsureReferralCode(r.Context())
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	shares, err := h.invites.History(r.Context(), code, limit)
	if err != nil {
		if !writeFailure(w, err) {
			h.log.Error("api.invite.history.fail", "err", err)
		}
		return
	}
	if shares == nil {
		shares = []invite.Share{}
	}
	writeJSON(w, http.StatusOK, shares)
}

type signInRequest struct {
	UserID string `json:"userId"`
}

func (h *api) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if identity.NormalizeUserID(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "userId is required")
		return
	}
	h.session.SignIn(req.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *api) handleSignOut(w http.ResponseWriter, _ *http.Request) {
	h.session.SignOut()
	w.WriteHeader(http.StatusNoContent)
}

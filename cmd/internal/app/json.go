package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"sbstate/cmd/internal/invite"
	"sbstate/cmd/internal/userstore"
)

// maxBodyBytes caps /v1 request bodies. The largest legitimate body is a
// full profile patch.
const maxBodyBytes = 16 << 10

// apiError is the body of every /v1 failure: {"error":{"code":..,"message":..}}.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// failure maps an operation error onto the envelope. The code is the stable
// part clients branch on; the message is what the UI would show.
type failure struct {
	kind   error
	status int
	code   string
	msg    string
}

var failures = []failure{
	{userstore.ErrNegativeAmount, http.StatusBadRequest, "negative_amount", "amount must not be negative"},
	{userstore.ErrInvalidInput, http.StatusBadRequest, "invalid_input", ""},
	{userstore.ErrInvalidReferral, http.StatusBadRequest, "invalid_referral", "invalid code"},
	{userstore.ErrSelfReferral, http.StatusConflict, "self_referral", "you can't use your own code"},
	{userstore.ErrAlreadyJoined, http.StatusConflict, "already_joined", "already joined"},
	{userstore.ErrRedeemInProgress, http.StatusConflict, "redeem_in_progress", "redeem already in progress"},
	{userstore.ErrInsufficientFunds, http.StatusPaymentRequired, "insufficient_funds", ""},
	{invite.ErrInvalidInput, http.StatusBadRequest, "invalid_input", ""},
	{invite.ErrNoCode, http.StatusServiceUnavailable, "invite_unavailable", ""},
}

// writeFailure writes err as an envelope and reports whether it was one the
// API knows. Unknown errors become a bare 500 so internals stay private.
func writeFailure(w http.ResponseWriter, err error) bool {
	for _, f := range failures {
		if !errors.Is(err, f.kind) {
			continue
		}
		msg := f.msg
		if msg == "" {
			msg = err.Error()
		}
		writeError(w, f.status, f.code, msg)
		return true
	}
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
	return false
}

// decodeBody reads exactly one JSON object into dst. Unknown fields are
// refused, so a profile patch cannot smuggle economy fields. On failure the
// 400 or 413 has already been written.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.Body == http.NoBody {
		writeError(w, http.StatusBadRequest, "bad_json", "empty body")
		return false
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errors.New("extra data after JSON object")
	}

	var tooBig *http.MaxBytesError
	switch {
	case err == nil:
		return true
	case errors.As(err, &tooBig):
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
	default:
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
	}
	return false
}

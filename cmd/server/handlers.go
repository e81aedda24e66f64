package main

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"openconv/go-core/internal/apperr"
	"openconv/go-core/internal/auth"
	"openconv/go-core/internal/auth/token"
	"openconv/go-core/internal/presence"
)

// api bundles the handles every endpoint needs, passed explicitly rather
// than reached ambiently.
type api struct {
	auth     *auth.Service
	tokens   *token.Service
	presence *presence.State
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func newAPI(authSvc *auth.Service, tokens *token.Service, pres *presence.State, logger *slog.Logger) *api {
	return &api{
		auth:     authSvc,
		tokens:   tokens,
		presence: pres,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 << 10,
			WriteBufferSize: 4 << 10,
			// Cross-origin upgrades are acceptable: the single-use
			// ticket in the query string is the upgrade credential,
			// not a browser-attached cookie.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/register/start", a.registerStart)
	mux.HandleFunc("POST /auth/verify-email", a.verifyEmail)
	mux.HandleFunc("POST /auth/register/complete", a.registerComplete)
	mux.HandleFunc("POST /auth/login/challenge", a.loginChallenge)
	mux.HandleFunc("POST /auth/login/verify", a.loginVerify)
	mux.HandleFunc("POST /auth/refresh", a.refresh)
	mux.HandleFunc("POST /auth/logout", a.logout)
	mux.HandleFunc("POST /auth/recover/start", a.recoverStart)
	mux.HandleFunc("POST /auth/recover/complete", a.recoverComplete)
	mux.HandleFunc("GET /keys/bundle", a.preKeyBundle)
	mux.HandleFunc("POST /ws/ticket", a.wsTicket)
	mux.HandleFunc("GET /ws", a.wsUpgrade)
}

type tokenPairResponse struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func pairResponse(userID string, pair *token.Pair) tokenPairResponse {
	return tokenPairResponse{UserID: userID, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken}
}

func (a *api) registerStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.auth.RegisterStart(r.Context(), req.Email, req.DisplayName, clientIP(r)); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "verification sent"})
}

func (a *api) verifyEmail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	tok, err := a.auth.VerifyEmail(req.Email, req.Code)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"registration_token": tok})
}

func (a *api) registerComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RegistrationToken string          `json:"registration_token"`
		DisplayName       string          `json:"display_name"`
		DeviceID          string          `json:"device_id"`
		DeviceName        string          `json:"device_name"`
		IdentityPublicKey string          `json:"identity_public_key"`
		Bundle            json.RawMessage `json:"bundle,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	identityKey, err := base64.StdEncoding.DecodeString(req.IdentityPublicKey)
	if err != nil {
		apperr.WriteJSON(w, apperr.Validation("identity_public_key is not valid base64"))
		return
	}
	pair, userID, err := a.auth.RegisterComplete(req.RegistrationToken, req.DisplayName, req.DeviceID, req.DeviceName, identityKey, req.Bundle)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pairResponse(userID, pair))
}

func (a *api) loginChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IdentityPublicKey string `json:"identity_public_key"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	challenge, err := a.auth.LoginChallenge(req.IdentityPublicKey)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"challenge": base64.StdEncoding.EncodeToString(challenge)})
}

func (a *api) loginVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IdentityPublicKey string `json:"identity_public_key"`
		DeviceID          string `json:"device_id"`
		DeviceName        string `json:"device_name"`
		Signature         string `json:"signature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		apperr.WriteJSON(w, apperr.Validation("signature is not valid base64"))
		return
	}
	pair, userID, err := a.auth.LoginVerify(req.IdentityPublicKey, req.DeviceID, req.DeviceName, sig)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(userID, pair))
}

func (a *api) refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	pair, err := a.auth.Refresh(req.RefreshToken)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairResponse{AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken})
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.auth.Logout(req.RefreshToken); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (a *api) recoverStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.auth.RecoverStart(r.Context(), req.Email, clientIP(r)); err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recovery code sent if the account exists"})
}

func (a *api) recoverComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecoveryToken     string          `json:"recovery_token"`
		DeviceID          string          `json:"device_id"`
		DeviceName        string          `json:"device_name"`
		IdentityPublicKey string          `json:"identity_public_key"`
		Bundle            json.RawMessage `json:"bundle,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	identityKey, err := base64.StdEncoding.DecodeString(req.IdentityPublicKey)
	if err != nil {
		apperr.WriteJSON(w, apperr.Validation("identity_public_key is not valid base64"))
		return
	}
	pair, userID, err := a.auth.RecoverComplete(req.RecoveryToken, req.DeviceID, req.DeviceName, identityKey, req.Bundle)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pairResponse(userID, pair))
}

func (a *api) preKeyBundle(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.requireAccess(w, r); !ok {
		return
	}
	userID := r.URL.Query().Get("user_id")
	deviceID := r.URL.Query().Get("device_id")
	if userID == "" || deviceID == "" {
		apperr.WriteJSON(w, apperr.Validation("user_id and device_id are required"))
		return
	}
	raw, err := a.auth.PreKeyBundle(userID, deviceID)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (a *api) wsTicket(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.requireAccess(w, r)
	if !ok {
		return
	}
	ticket := a.tokens.IssueWSTicket(claims.UserID, claims.DeviceID)
	writeJSON(w, http.StatusOK, map[string]string{"ticket": ticket})
}

func (a *api) wsUpgrade(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		apperr.WriteJSON(w, apperr.Unauthorized("ticket is required"))
		return
	}
	payload, ok := a.tokens.ConsumeWSTicket(ticket)
	if !ok {
		apperr.WriteJSON(w, apperr.Unauthorized("ticket invalid, expired or already used"))
		return
	}
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		a.logger.Debug("ws upgrade failed", "error", err)
		return
	}
	a.presence.HandleConn(r.Context(), ws, payload.UserID, payload.DeviceID)
}

func (a *api) requireAccess(w http.ResponseWriter, r *http.Request) (*token.AccessClaims, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		apperr.WriteJSON(w, apperr.Unauthorized("missing bearer token"))
		return nil, false
	}
	claims, err := a.tokens.VerifyAccess(header[len(prefix):])
	if err != nil {
		apperr.WriteJSON(w, err)
		return nil, false
	}
	return claims, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.KindValidation, "malformed JSON body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

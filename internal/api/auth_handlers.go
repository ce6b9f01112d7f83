package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"bitriver-relay/internal/auth"
	"bitriver-relay/internal/observability/logging"
)

type authURLResponse struct {
	Success bool   `json:"success"`
	AuthURL string `json:"authUrl"`
}

type channelInfo struct {
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail"`
}

type authStatusResponse struct {
	Authenticated bool         `json:"authenticated"`
	ChannelInfo   *channelInfo `json:"channelInfo,omitempty"`
}

// AuthYouTube starts the Google consent flow and returns the URL the browser
// should visit.
func (h *Handler) AuthYouTube(w http.ResponseWriter, r *http.Request) {
	begin, err := h.oauth.Begin(sanitizeReturnPath(r.URL.Query().Get("returnTo")))
	if err != nil {
		logging.WithContext(r.Context(), h.logger).Error("begin oauth flow", "error", err)
		writeError(w, http.StatusInternalServerError, errorTypeServer, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, authURLResponse{Success: true, AuthURL: begin.URL})
}

// AuthCallback completes the consent flow, opens a session and redirects the
// browser back to the frontend.
func (h *Handler) AuthCallback(w http.ResponseWriter, r *http.Request) {
	logger := logging.WithContext(r.Context(), h.logger)
	query := r.URL.Query()
	state := query.Get("state")
	if errParam := query.Get("error"); errParam != "" {
		returnTo, _ := h.oauth.Cancel(state)
		logger.Info("oauth consent declined", "reason", errParam)
		http.Redirect(w, r, h.frontendRedirect(returnTo, "error", "auth_failed"), http.StatusSeeOther)
		return
	}

	completion, err := h.oauth.Complete(r.Context(), state, query.Get("code"))
	if err != nil {
		logger.Warn("oauth callback failed", "error", err)
		http.Redirect(w, r, h.frontendRedirect(completion.ReturnTo, "error", "auth_failed"), http.StatusSeeOther)
		return
	}

	creds := auth.Credentials{Token: completion.Token, IssuedAt: time.Now().UTC()}
	if h.channels != nil {
		channel, err := h.channels.MyChannel(r.Context(), h.oauth.TokenSource(completion.Token))
		if err != nil {
			logger.Warn("channel lookup after consent failed", "error", err)
			http.Redirect(w, r, h.frontendRedirect(completion.ReturnTo, "error", "auth_failed"), http.StatusSeeOther)
			return
		}
		creds.Subject = channel.ID
	}

	token, expiresAt, err := h.sessions.Create(r.Context(), creds)
	if err != nil {
		logger.Error("create session", "error", err)
		http.Redirect(w, r, h.frontendRedirect(completion.ReturnTo, "error", "auth_failed"), http.StatusSeeOther)
		return
	}
	setSessionCookie(w, r, token, expiresAt, h.cookies)
	logger.Info("session opened", "channel_id", creds.Subject)
	http.Redirect(w, r, h.frontendRedirect(completion.ReturnTo, "auth", "success"), http.StatusSeeOther)
}

// AuthStatus reports whether the caller holds a usable session and, if so,
// the channel it grants access to. Failures read as unauthenticated.
func (h *Handler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	token := ExtractToken(r)
	if token == "" {
		writeJSON(w, http.StatusOK, authStatusResponse{})
		return
	}
	creds, _, ok, err := h.sessions.Validate(r.Context(), token)
	if err != nil || !ok {
		if err != nil {
			logging.WithContext(r.Context(), h.logger).Warn("session lookup failed", "error", err)
		}
		writeJSON(w, http.StatusOK, authStatusResponse{})
		return
	}
	resp := authStatusResponse{Authenticated: true}
	if h.channels != nil {
		channel, err := h.channels.MyChannel(r.Context(), h.tokenSource(requestSession{token: token, creds: creds}))
		if err != nil {
			logging.WithContext(r.Context(), h.logger).Warn("channel lookup failed", "error", err)
			writeJSON(w, http.StatusOK, authStatusResponse{})
			return
		}
		resp.ChannelInfo = &channelInfo{Title: channel.Title, Thumbnail: channel.Thumbnail}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Logout revokes the caller's session and clears the cookie.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if token := ExtractToken(r); token != "" {
		if err := h.sessions.Revoke(r.Context(), token); err != nil {
			logging.WithContext(r.Context(), h.logger).Warn("revoke session", "error", err)
		}
	}
	clearSessionCookie(w, r, h.cookies)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// frontendRedirect joins the frontend origin with a sanitised return path
// and appends one query parameter.
func (h *Handler) frontendRedirect(returnTo, key, value string) string {
	target := appendQueryParam(sanitizeReturnPath(returnTo), key, value)
	if h.frontendURL == "" {
		return target
	}
	if target == "/" || strings.HasPrefix(target, "/?") {
		return h.frontendURL + strings.TrimPrefix(target, "/")
	}
	return h.frontendURL + target
}

func sanitizeReturnPath(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "/"
	}
	parsed, err := url.Parse(trimmed)
	if err == nil {
		if parsed.IsAbs() {
			trimmed = parsed.Path
			if parsed.RawQuery != "" {
				trimmed = trimmed + "?" + parsed.RawQuery
			}
		} else {
			trimmed = parsed.RequestURI()
		}
	}
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" || strings.HasPrefix(trimmed, "//") {
		return "/"
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return trimmed
}

func appendQueryParam(path, key, value string) string {
	parsed, err := url.Parse(path)
	if err != nil {
		parsed = &url.URL{Path: path}
	}
	if parsed.Scheme != "" && parsed.Host != "" {
		parsed.Scheme = ""
		parsed.Host = ""
	}
	query := parsed.Query()
	query.Set(key, value)
	parsed.RawQuery = query.Encode()
	parsed.Fragment = ""
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	return parsed.String()
}

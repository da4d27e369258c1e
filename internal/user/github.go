package user

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GitHub OAuth, stateless: no session, the callback hands the client a JWT
// in the redirect URL exactly like the Node server did. The code exchange
// is two HTTP calls, done directly against the GitHub API.

type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
}

func (c GitHubConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type GitHubHandler struct {
	Service *Service
	Config  GitHubConfig
	client  *http.Client
}

func NewGitHubHandler(s *Service, cfg GitHubConfig) *GitHubHandler {
	return &GitHubHandler{
		Service: s,
		Config:  cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Authorize redirects the browser to GitHub's consent page.
func (h *GitHubHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	q := url.Values{}
	q.Set("client_id", h.Config.ClientID)
	q.Set("redirect_uri", h.Config.CallbackURL)
	q.Set("scope", "user:email")
	http.Redirect(w, r, "https://github.com/login/oauth/authorize?"+q.Encode(), http.StatusFound)
}

// Callback exchanges the code, upserts the user and redirects home with a
// token in the query string.
func (h *GitHubHandler) Callback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	res, err := h.login(r.Context(), code)
	if err != nil {
		slog.Error("github oauth callback", "err", err)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	http.Redirect(w, r, "/?token="+url.QueryEscape(res.AccessToken), http.StatusFound)
}

func (h *GitHubHandler) login(ctx context.Context, code string) (*LoginResponse, error) {
	token, err := h.exchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}

	profile, err := h.fetchProfile(ctx, token)
	if err != nil {
		return nil, err
	}

	username := profile.Login
	if username == "" {
		username = fmt.Sprintf("github_%d", profile.ID)
	}

	u, err := h.Service.repo.UpsertGitHubUser(ctx, fmt.Sprintf("%d", profile.ID), username, profile.Email, profile.AvatarURL)
	if err != nil {
		return nil, err
	}
	return h.Service.issueToken(u)
}

func (h *GitHubHandler) exchangeCode(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("client_id", h.Config.ClientID)
	form.Set("client_secret", h.Config.ClientSecret)
	form.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://github.com/login/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Error != "" || body.AccessToken == "" {
		return "", fmt.Errorf("github token exchange failed: %s", body.Error)
	}
	return body.AccessToken, nil
}

type githubProfile struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

func (h *GitHubHandler) fetchProfile(ctx context.Context, token string) (*githubProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github profile fetch: status %d", resp.StatusCode)
	}

	var profile githubProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

package user

import "time"

type User struct {
	ID            int       `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email,omitempty"`
	Password      string    `json:"-"`
	AvatarURL     string    `json:"avatar_url,omitempty"`
	GithubID      string    `json:"-"`
	IsOAuthUser   bool      `json:"is_oauth_user,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ID          int    `json:"id"`
	Username    string `json:"username"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type VerifyEmailRequest struct {
	Code string `json:"code"`
}

type ResendCodeRequest struct {
	Email string `json:"email"`
}

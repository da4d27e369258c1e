package user

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"kracken-chat/internal/email"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCode        = errors.New("invalid verification code")
	ErrCodeExpired        = errors.New("verification code expired")
)

const verificationCodeTTL = 15 * time.Minute

type Service struct {
	repo      *Repository
	mailer    email.Sender
	jwtSecret string
}

type ChatClaims struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo *Repository, mailer email.Sender, secret string) *Service {
	return &Service{
		repo:      repo,
		mailer:    mailer,
		jwtSecret: secret,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 3 || len(req.Username) > 50 {
		return nil, fmt.Errorf("%w: username must be between 3 and 50 characters", ErrInvalidInput)
	}
	if len(req.Password) < 4 {
		return nil, fmt.Errorf("%w: password must be at least 4 characters", ErrInvalidInput)
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username:  req.Username,
		Email:     strings.TrimSpace(req.Email),
		Password:  string(hashedPwd),
		AvatarURL: avatarFor(req.Username),
	}

	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	if err := s.repo.AddToGeneralRoom(ctx, u.ID); err != nil {
		return nil, err
	}

	if u.Email != "" {
		if err := s.sendVerificationCode(ctx, u.ID, u.Username, u.Email); err != nil {
			// Registration already succeeded; the user can request a resend.
			slog.Error("sending verification code", "user_id", u.ID, "err", err)
		}
	}

	return u, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	_ = s.repo.TouchLastSeen(ctx, u.ID)
	return s.issueToken(u)
}

func (s *Service) issueToken(u *User) (*LoginResponse, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ChatClaims{
		ID:       u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "kracken-chat",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		ID:          u.ID,
		Username:    u.Username,
		AvatarURL:   u.AvatarURL,
	}, nil
}

func (s *Service) ValidateToken(tokenString string) (int, string, error) {
	claims := &ChatClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	})

	if err != nil || !token.Valid {
		return 0, "", err
	}

	return claims.ID, claims.Username, nil
}

// VerifyEmail consumes a pending 6-digit code and marks the account
// verified. Verified users are guaranteed a general-room membership.
func (s *Service) VerifyEmail(ctx context.Context, code string) (*User, error) {
	code = strings.TrimSpace(code)
	if len(code) != 6 {
		return nil, ErrInvalidCode
	}

	u, expires, err := s.repo.GetUserByVerificationCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCode
		}
		return nil, err
	}
	if time.Now().After(expires) {
		return nil, ErrCodeExpired
	}

	if err := s.repo.MarkEmailVerified(ctx, u.ID); err != nil {
		return nil, err
	}
	if err := s.repo.AddToGeneralRoom(ctx, u.ID); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) ResendCode(ctx context.Context, emailAddr string) error {
	u, err := s.repo.GetUserByEmail(ctx, strings.TrimSpace(emailAddr))
	if err != nil {
		return err
	}
	if u.EmailVerified {
		return fmt.Errorf("%w: email already verified", ErrInvalidInput)
	}
	return s.sendVerificationCode(ctx, u.ID, u.Username, u.Email)
}

func (s *Service) sendVerificationCode(ctx context.Context, userID int, username, to string) error {
	code, err := generateCode()
	if err != nil {
		return err
	}
	if err := s.repo.SetVerificationCode(ctx, userID, code, time.Now().Add(verificationCodeTTL)); err != nil {
		return err
	}
	return s.mailer.SendVerificationCode(ctx, to, username, code)
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}

// generateCode returns a 6-digit numeric code with a crypto source.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// avatarFor derives the same dicebear avatar the web client always showed.
func avatarFor(username string) string {
	seed := url.QueryEscape(strings.ToLower(username))
	return fmt.Sprintf("https://api.dicebear.com/7.x/avataaars/svg?seed=%s&backgroundColor=6366f1", seed)
}

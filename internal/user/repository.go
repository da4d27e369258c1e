package user

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"kracken-chat/internal/db"
)

var (
	ErrNotFound      = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
)

type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	var id int
	query := r.db.Rebind(`INSERT INTO users (username, email, password_hash, avatar_url) VALUES (?, ?, ?, ?) RETURNING id`)

	err := r.db.Conn.QueryRowContext(ctx, query, u.Username, nullable(u.Email), u.Password, u.AvatarURL).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	u.ID = id
	return u, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	var email, avatar sql.NullString
	query := r.db.Rebind(`SELECT id, username, COALESCE(password_hash, ''), email, avatar_url, email_verified FROM users WHERE username = ?`)

	err := r.db.Conn.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.Password, &email, &avatar, &u.EmailVerified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Email = email.String
	u.AvatarURL = avatar.String
	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	// We limit to 10 to keep it fast
	q := r.db.Rebind(`SELECT id, username, COALESCE(avatar_url, '') FROM users WHERE LOWER(username) LIKE LOWER(?) LIMIT 10`)
	rows, err := r.db.Conn.QueryContext(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpsertGitHubUser finds a user by their GitHub id or creates one on first
// OAuth login. New OAuth users land verified and in the general room.
func (r *Repository) UpsertGitHubUser(ctx context.Context, githubID, username, email, avatarURL string) (*User, error) {
	u := &User{}
	query := r.db.Rebind(`SELECT id, username, COALESCE(avatar_url, '') FROM users WHERE github_id = ?`)
	err := r.db.Conn.QueryRowContext(ctx, query, githubID).Scan(&u.ID, &u.Username, &u.AvatarURL)
	if err == nil {
		_ = r.TouchLastSeen(ctx, u.ID)
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	insert := r.db.Rebind(`INSERT INTO users (username, email, github_id, avatar_url, is_oauth_user, email_verified)
        VALUES (?, ?, ?, ?, TRUE, TRUE) RETURNING id`)
	var id int
	if err := r.db.Conn.QueryRowContext(ctx, insert, username, nullable(email), githubID, avatarURL).Scan(&id); err != nil {
		return nil, err
	}

	if err := r.AddToGeneralRoom(ctx, id); err != nil {
		return nil, err
	}
	return &User{ID: id, Username: username, Email: email, AvatarURL: avatarURL, IsOAuthUser: true}, nil
}

// AddToGeneralRoom makes membership in room 1 idempotent for new users.
func (r *Repository) AddToGeneralRoom(ctx context.Context, userID int) error {
	query := r.db.Rebind(`INSERT INTO chat_room_participants (room_id, user_id) VALUES (1, ?) ON CONFLICT (room_id, user_id) DO NOTHING`)
	_, err := r.db.Conn.ExecContext(ctx, query, userID)
	return err
}

func (r *Repository) SetVerificationCode(ctx context.Context, userID int, code string, expires time.Time) error {
	query := r.db.Rebind(`UPDATE users SET verification_code = ?, verification_code_expires = ? WHERE id = ?`)
	_, err := r.db.Conn.ExecContext(ctx, query, code, expires.UTC(), userID)
	return err
}

// GetUserByVerificationCode returns the unverified user holding this code,
// together with the code's expiry.
func (r *Repository) GetUserByVerificationCode(ctx context.Context, code string) (*User, time.Time, error) {
	u := &User{}
	var email sql.NullString
	var expires time.Time
	query := r.db.Rebind(`SELECT id, username, email, verification_code_expires FROM users
        WHERE verification_code = ? AND email_verified = FALSE`)

	err := r.db.Conn.QueryRowContext(ctx, query, code).Scan(&u.ID, &u.Username, &email, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, ErrNotFound
		}
		return nil, time.Time{}, err
	}
	u.Email = email.String
	return u, expires, nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u := &User{}
	query := r.db.Rebind(`SELECT id, username, email, email_verified FROM users WHERE email = ?`)
	err := r.db.Conn.QueryRowContext(ctx, query, email).Scan(&u.ID, &u.Username, &u.Email, &u.EmailVerified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) MarkEmailVerified(ctx context.Context, userID int) error {
	query := r.db.Rebind(`UPDATE users SET email_verified = TRUE, verification_code = NULL, verification_code_expires = NULL WHERE id = ?`)
	_, err := r.db.Conn.ExecContext(ctx, query, userID)
	return err
}

func (r *Repository) TouchLastSeen(ctx context.Context, userID int) error {
	query := r.db.Rebind(`UPDATE users SET last_seen = CURRENT_TIMESTAMP WHERE id = ?`)
	_, err := r.db.Conn.ExecContext(ctx, query, userID)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation matches both backends without importing driver error
// types: pgx wraps SQLSTATE 23505, modernc reports "UNIQUE constraint failed".
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "UNIQUE constraint failed")
}

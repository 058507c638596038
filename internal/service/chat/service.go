package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/models"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"
)

// Service implements user and conversation persistence on the relational store.
type Service struct {
	db *sqlx.DB
}

var (
	// ErrDuplicateUsername indicates the username is already registered.
	ErrDuplicateUsername = errors.New("username already taken")
	// ErrDuplicateEmail indicates the email is already registered.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrInvalidCredentials covers unknown users and wrong passwords alike.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrUserDisabled indicates the account exists but has been disabled.
	ErrUserDisabled = errors.New("user account disabled")
)

// NewService builds the chat persistence service.
func NewService(db *sqlx.DB) *Service {
	return &Service{db: db}
}

// RegisterUser creates a user with a bcrypt password hash.
func (s *Service) RegisterUser(ctx context.Context, username, email, password, fullName string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	fullName = strings.TrimSpace(fullName)
	if username == "" {
		return nil, errors.New("username required")
	}
	if email == "" {
		return nil, errors.New("email required")
	}
	if len(password) < 6 {
		return nil, errors.New("password must be at least 6 characters")
	}

	var count int
	if err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM users WHERE username = ?`, username); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if count > 0 {
		return nil, ErrDuplicateUsername
	}
	if err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM users WHERE email = ?`, email); err != nil {
		return nil, fmt.Errorf("check email: %w", err)
	}
	if count > 0 {
		return nil, ErrDuplicateEmail
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, full_name, password_hash, disabled, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		username, email, fullName, string(hash), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{
		ID:           id,
		Username:     username,
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(hash),
		CreatedAt:    now,
	}, nil
}

// Authenticate checks username and password and returns the user.
// Disabled accounts fail with ErrUserDisabled.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	var user models.User
	err := s.db.GetContext(ctx, &user,
		`SELECT id, username, email, full_name, password_hash, disabled, created_at
		 FROM users WHERE username = ?`, username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if user.Disabled {
		return nil, ErrUserDisabled
	}
	return &user, nil
}

// GetUserByID fetches a user by primary key.
func (s *Service) GetUserByID(ctx context.Context, userID int64) (*models.User, error) {
	var user models.User
	err := s.db.GetContext(ctx, &user,
		`SELECT id, username, email, full_name, password_hash, disabled, created_at
		 FROM users WHERE id = ?`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

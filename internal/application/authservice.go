package application

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
	"github.com/ericfisherdev/kisfolio/internal/domain/port/driven"
)

// DevUsername is the account used when the development auth bypass is enabled.
const DevUsername = "dev_user"

var (
	// ErrValidation wraps input validation failures.
	ErrValidation = errors.New("validation failed")
	// ErrUsernameTaken is returned by Signup for a duplicate username.
	ErrUsernameTaken = errors.New("username already registered")
	// ErrInvalidCredentials is returned by Login for an unknown user or wrong password.
	ErrInvalidCredentials = errors.New("incorrect username or password")
	// ErrInvalidToken is returned by ValidateToken for a bad, expired or foreign token.
	ErrInvalidToken = errors.New("invalid or expired token")
)

// AuthService manages application accounts and issues session tokens.
type AuthService struct {
	users     driven.UserStore
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
}

// NewAuthService creates an AuthService signing HS256 tokens with jwtSecret.
func NewAuthService(users driven.UserStore, jwtSecret []byte, tokenTTL time.Duration) *AuthService {
	return &AuthService{
		users:     users,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

// Signup creates a new account.
func (s *AuthService) Signup(ctx context.Context, username, password string) (model.User, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 50 {
		return model.User{}, fmt.Errorf("%w: username must be 3 to 50 characters", ErrValidation)
	}
	if len(password) < 8 {
		return model.User{}, fmt.Errorf("%w: password must be at least 8 characters", ErrValidation)
	}
	if len(password) > 72 {
		return model.User{}, fmt.Errorf("%w: password must be at most 72 bytes", ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return model.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.users.Create(ctx, model.User{Username: username, PasswordHash: string(hash)})
	if errors.Is(err, driven.ErrDuplicateUser) {
		return model.User{}, ErrUsernameTaken
	}
	if err != nil {
		return model.User{}, err
	}

	return user, nil
}

// Login verifies the password and returns a signed access token.
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.users.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.issueToken(user.ID)
}

// ValidateToken parses a token issued by Login and returns the user ID it names.
func (s *AuthService) ValidateToken(tokenString string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return 0, ErrInvalidToken
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}

	return userID, nil
}

// UserByID returns the account, or nil when it no longer exists.
func (s *AuthService) UserByID(ctx context.Context, id int64) (*model.User, error) {
	return s.users.GetByID(ctx, id)
}

// DevUser returns the development account, creating it on first use. Callers
// must only reach this when the bypass has been explicitly enabled.
func (s *AuthService) DevUser(ctx context.Context) (model.User, error) {
	user, err := s.users.GetByUsername(ctx, DevUsername)
	if err != nil {
		return model.User{}, err
	}
	if user != nil {
		return *user, nil
	}

	// The dev account gets an unguessable password; it is only reachable through the bypass.
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return model.User{}, fmt.Errorf("generate dev password: %w", err)
	}

	created, err := s.Signup(ctx, DevUsername, hex.EncodeToString(buf))
	if errors.Is(err, ErrUsernameTaken) {
		// Lost a creation race; the other request created it.
		existing, err := s.users.GetByUsername(ctx, DevUsername)
		if err != nil {
			return model.User{}, err
		}
		if existing == nil {
			return model.User{}, errors.New("dev user vanished after creation")
		}
		return *existing, nil
	}
	return created, err
}

func (s *AuthService) issueToken(userID int64) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

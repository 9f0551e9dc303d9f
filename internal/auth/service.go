package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidConfig      = errors.New("invalid auth config")
)

const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleProctor = "proctor"
	RoleAdmin   = "admin"
)

var StaffRoles = []string{RoleTeacher, RoleProctor, RoleAdmin}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
}

// IsStaff reports whether the user may act on attempts they do not own.
func (u *User) IsStaff() bool {
	if u == nil {
		return false
	}
	switch u.Role {
	case RoleTeacher, RoleProctor, RoleAdmin:
		return true
	default:
		return false
	}
}

// CanManageTest scopes staff actions: teachers reach only tests they authored,
// proctors and admins reach every test.
func (u *User) CanManageTest(authorID int64) bool {
	if u == nil {
		return false
	}
	switch u.Role {
	case RoleProctor, RoleAdmin:
		return true
	case RoleTeacher:
		return authorID == u.ID
	default:
		return false
	}
}

// LocalAccount is a statically configured login. Password hashes are bcrypt.
type LocalAccount struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	UserID       int64  `mapstructure:"user_id"`
	Role         string `mapstructure:"role"`
}

type Service struct {
	accounts  map[string]LocalAccount
	secret    []byte
	issuer    string
	tokenTTL  time.Duration
	dummyHash []byte
	now       func() time.Time
}

type ServiceConfig struct {
	Accounts    []LocalAccount
	TokenSecret string
	TokenIssuer string
	TokenTTL    time.Duration
	Now         func() time.Time
}

type tokenClaims struct {
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if len(cfg.TokenSecret) < 16 {
		return nil, fmt.Errorf("%w: token secret must be at least 16 bytes", ErrInvalidConfig)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 8 * time.Hour
	}
	if strings.TrimSpace(cfg.TokenIssuer) == "" {
		cfg.TokenIssuer = "cbtattempt"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	accounts := make(map[string]LocalAccount, len(cfg.Accounts))
	for _, acc := range cfg.Accounts {
		name := normalizeUsername(acc.Username)
		if name == "" || acc.UserID <= 0 || !isValidRole(acc.Role) {
			return nil, fmt.Errorf("%w: account %q", ErrInvalidConfig, acc.Username)
		}
		acc.Username = name
		accounts[name] = acc
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("cbtattempt-dummy"), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}

	return &Service{
		accounts:  accounts,
		secret:    []byte(cfg.TokenSecret),
		issuer:    cfg.TokenIssuer,
		tokenTTL:  cfg.TokenTTL,
		dummyHash: dummy,
		now:       cfg.Now,
	}, nil
}

func (s *Service) AuthenticatePassword(_ context.Context, identifier, password string) (*User, error) {
	identifier = normalizeUsername(identifier)
	if identifier == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	acc, ok := s.accounts[identifier]
	if !ok {
		// Keep the timing of unknown users close to known ones.
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &User{ID: acc.UserID, Username: acc.Username, Role: acc.Role}, nil
}

func (s *Service) IssueToken(user *User) (string, time.Time, error) {
	if user == nil || user.ID <= 0 {
		return "", time.Time{}, ErrUnauthorized
	}
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &tokenClaims{
		Username: user.Username,
		Role:     user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (s *Service) ParseToken(raw string) (*User, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrUnauthorized
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrUnauthorized
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 || !isValidRole(claims.Role) {
		return nil, ErrUnauthorized
	}
	return &User{ID: id, Username: claims.Username, Role: claims.Role}, nil
}

func isValidRole(role string) bool {
	switch role {
	case RoleStudent, RoleTeacher, RoleProctor, RoleAdmin:
		return true
	default:
		return false
	}
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

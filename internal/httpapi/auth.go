package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"agrivetpos/backend/internal/domain"
)

const (
	tokenIssuer = "agrivetpos"
	// staleAfter bounds how long a cached account list is trusted before a
	// login goes back to the store.
	staleAfter = 30 * time.Second
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
	errInvalidToken       = errors.New("invalid or expired token")
)

// UserStore is the slice of the repository the authenticator needs.
type UserStore interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type staffCredential struct {
	hash   string
	role   string
	active bool
}

type tokenClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

// AuthManager issues and verifies staff access tokens. Accounts are read
// from the store and cached; the cache survives store outages.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    UserStore
	log      logrus.FieldLogger

	mu          sync.RWMutex
	staff       map[string]staffCredential
	refreshedAt time.Time
}

func NewAuthManager(ctx context.Context, secret string, tokenTTL time.Duration, users UserStore, log logrus.FieldLogger) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	a := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		log:      log.WithField("module", "auth"),
		staff:    make(map[string]staffCredential),
	}
	a.reload(ctx)
	return a
}

func normalizeUsername(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := normalizeUsername(req.Username)

	cred, known := a.lookup(username)
	if !known || a.stale() {
		reloadCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.reload(reloadCtx)
		cancel()
		cred, known = a.lookup(username)
	}

	if !known || !checkPassword(cred.hash, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, cred.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken verifies signature, issuer and expiry and returns the actor the
// token was issued to.
func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	var claims tokenClaims
	_, err := jwtlib.ParseWithClaims(raw, &claims,
		func(*jwtlib.Token) (interface{}, error) { return a.secret, nil },
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil || claims.Subject == "" || claims.Role == "" {
		return domain.Actor{}, errInvalidToken
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	claims := tokenClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			Issuer:    tokenIssuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AuthManager) lookup(username string) (staffCredential, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cred, ok := a.staff[username]
	return cred, ok
}

func (a *AuthManager) stale() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return time.Since(a.refreshedAt) > staleAfter
}

// reload replaces cached credentials with the store's accounts. On a store
// error the previous cache is kept.
func (a *AuthManager) reload(ctx context.Context) {
	if a.users == nil {
		return
	}
	accounts, err := a.users.ListUsers(ctx)
	if err != nil {
		a.log.WithError(err).Warn("could not refresh user accounts")
		return
	}

	fresh := make(map[string]staffCredential, len(accounts))
	for _, account := range accounts {
		username := normalizeUsername(account.Username)
		if username == "" {
			continue
		}
		fresh[username] = staffCredential{
			hash:   a.ensureHashed(ctx, username, account.Password),
			role:   account.Role,
			active: account.Active,
		}
	}

	a.mu.Lock()
	a.staff = fresh
	a.refreshedAt = time.Now()
	a.mu.Unlock()
}

// ensureHashed upgrades a legacy plain-text password to bcrypt and writes
// the hash back to the store.
func (a *AuthManager) ensureHashed(ctx context.Context, username string, stored string) string {
	if isBcryptHash(stored) {
		return stored
	}
	hashed, err := hashPassword(stored)
	if err != nil {
		a.log.WithError(err).WithField("username", username).Warn("could not hash legacy password")
		return ""
	}
	if err := a.users.UpdateUserPassword(ctx, username, hashed); err != nil {
		a.log.WithError(err).WithField("username", username).Warn("could not upgrade password hash")
	}
	return hashed
}

func checkPassword(hash string, input string) bool {
	if !isBcryptHash(hash) || strings.TrimSpace(input) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func isBcryptHash(value string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

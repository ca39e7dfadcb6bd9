package auth

import (
	"context"
	"time"

	"incident-desk/core/apperr"
	"incident-desk/core/rbac"
	"incident-desk/core/store"
	"incident-desk/core/utils"
)

type contextKey string

const SessionContextKey contextKey = "session_user"

var (
	ErrInvalidCredentials = apperr.Unauthenticated("invalid credentials")
	ErrAccountInactive    = apperr.Forbidden("account is deactivated, contact an administrator")
	ErrAccountPending     = apperr.Forbidden("account is pending approval by an administrator")
)

// dummyHash keeps the unknown-email path as slow as a real password check.
var dummyHash = MustHashPassword("timing-equalizer", 10)

type LoginResult struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      *store.User `json:"user"`
}

type SessionManager struct {
	users  store.UsersStore
	tokens *TokenManager
	logger *utils.Logger
}

func NewSessionManager(users store.UsersStore, tokens *TokenManager, logger *utils.Logger) *SessionManager {
	return &SessionManager{users: users, tokens: tokens, logger: logger}
}

// Authenticate checks the password before revealing account state, so unknown
// emails and wrong passwords are indistinguishable to the caller.
func (m *SessionManager) Authenticate(ctx context.Context, email, password string) (*LoginResult, error) {
	email = utils.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperr.Validation("email and password are required")
	}
	user, err := m.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		CheckPassword(dummyHash, password)
		return nil, ErrInvalidCredentials
	}
	if !CheckPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	if err := CheckAccountState(user); err != nil {
		return nil, err
	}
	token, exp, err := m.tokens.Issue(user.ID, user.Role, user.Email)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Token: token, ExpiresAt: exp, User: user}, nil
}

// VerifySession validates the token and reloads the user so deactivation and
// role changes apply to tokens that are already out.
func (m *SessionManager) VerifySession(ctx context.Context, raw string) (*store.User, error) {
	claims, err := m.tokens.Parse(raw)
	if err != nil {
		return nil, apperr.Unauthenticated("invalid or expired token")
	}
	id, _ := claims.UserID()
	user, err := m.users.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, apperr.Unauthenticated("user not found")
	}
	if err := CheckAccountState(user); err != nil {
		return nil, err
	}
	return user, nil
}

func CheckAccountState(user *store.User) error {
	if !user.Active {
		return ErrAccountInactive
	}
	if !user.Approved && user.Role != rbac.RoleAdministrator {
		return ErrAccountPending
	}
	return nil
}

func WithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, SessionContextKey, user)
}

func UserFromContext(ctx context.Context) (*store.User, bool) {
	user, ok := ctx.Value(SessionContextKey).(*store.User)
	return user, ok && user != nil
}

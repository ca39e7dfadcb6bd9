package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"incident-desk/config"
	"incident-desk/core/utils"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carry the identity snapshot taken at login. Only the subject is
// trusted on later requests; role and email are re-read from the store.
type Claims struct {
	Role  string `json:"role"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenManager(cfg *config.AppConfig, logger *utils.Logger) (*TokenManager, error) {
	secret := []byte(cfg.Auth.JWTSecret)
	if len(secret) == 0 {
		if !cfg.IsDevLike() {
			return nil, errors.New("jwt secret is not configured")
		}
		random, err := utils.RandHex(32)
		if err != nil {
			return nil, err
		}
		secret = []byte(random)
		logger.Warnf("jwt secret not configured, using an ephemeral secret")
	}
	issuer := cfg.Auth.Issuer
	if issuer == "" {
		issuer = "incident-desk"
	}
	return &TokenManager{secret: secret, issuer: issuer, ttl: cfg.EffectiveTokenTTL(), now: utils.NowUTC}, nil
}

func (m *TokenManager) Issue(userID int64, role, email string) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(m.ttl)
	claims := Claims{
		Role:  role,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.Must(uuid.NewV4()).String(),
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func (m *TokenManager) Parse(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TokenTypeRealtime = "realtime"
	TokenTypeAccess   = "access"
)

// RoleOperator marks API tokens allowed to inspect and requeue delivery jobs.
const RoleOperator = "operator"

var (
	ErrMissingToken  = errors.New("token missing")
	ErrInvalidToken  = errors.New("invalid token")
	ErrWrongType     = errors.New("unexpected token type")
	ErrTokenTooOld   = errors.New("token issued too long ago")
	ErrTokenRevoked  = errors.New("token has been revoked")
	ErrMissingUserID = errors.New("token has no user id")
)

type Claims struct {
	UserID string `json:"user_id"`
	Type   string `json:"type"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) IsOperator() bool { return c.Role == RoleOperator }

// Verifier checks the two credential kinds the service accepts. Realtime
// tokens carry their own audience and a short lifetime because they sit on
// long-lived connections.
type Verifier interface {
	VerifyRealtime(ctx context.Context, token string) (*Claims, error)
	VerifyAPI(ctx context.Context, token string) (*Claims, error)
}

type Config struct {
	Secret           string
	Issuer           string
	RealtimeAudience string
	APIAudience      string
	RealtimeTTL      time.Duration // lifetime of minted realtime tokens
	APITTL           time.Duration
	RealtimeMaxAge   time.Duration // oldest iat accepted on connect
	Leeway           time.Duration
	Revocations      RevocationList // optional
}

type JWTManager struct {
	secretKey []byte
	cfg       Config
	now       func() time.Time
}

func NewJWTManager(cfg Config) *JWTManager {
	if cfg.Issuer == "" {
		cfg.Issuer = "parkdog-api"
	}
	if cfg.RealtimeAudience == "" {
		cfg.RealtimeAudience = "parkdog-realtime"
	}
	if cfg.APIAudience == "" {
		cfg.APIAudience = "parkdog-client"
	}
	if cfg.RealtimeTTL == 0 {
		cfg.RealtimeTTL = 15 * time.Minute
	}
	if cfg.APITTL == 0 {
		cfg.APITTL = time.Hour
	}
	if cfg.RealtimeMaxAge == 0 {
		cfg.RealtimeMaxAge = 15 * time.Minute
	}
	return &JWTManager{secretKey: []byte(cfg.Secret), cfg: cfg, now: time.Now}
}

// GenerateRealtime mints a short-lived token for the WebSocket handshake.
func (m *JWTManager) GenerateRealtime(userID string) (string, error) {
	return m.generate(userID, TokenTypeRealtime, "", m.cfg.RealtimeAudience, m.cfg.RealtimeTTL)
}

// GenerateAPI mints a general client token for the REST endpoints.
func (m *JWTManager) GenerateAPI(userID string) (string, error) {
	return m.generate(userID, TokenTypeAccess, "", m.cfg.APIAudience, m.cfg.APITTL)
}

// GenerateOperator mints an API token carrying the operator role.
func (m *JWTManager) GenerateOperator(userID string) (string, error) {
	return m.generate(userID, TokenTypeAccess, RoleOperator, m.cfg.APIAudience, m.cfg.APITTL)
}

func (m *JWTManager) generate(userID, typ, role, audience string, ttl time.Duration) (string, error) {
	now := m.now()
	claims := &Claims{
		UserID: userID,
		Type:   typ,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    m.cfg.Issuer,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

func (m *JWTManager) VerifyRealtime(ctx context.Context, token string) (*Claims, error) {
	claims, err := m.verify(ctx, token, TokenTypeRealtime, m.cfg.RealtimeAudience)
	if err != nil {
		return nil, err
	}
	if claims.IssuedAt == nil || m.now().Sub(claims.IssuedAt.Time) > m.cfg.RealtimeMaxAge {
		return nil, ErrTokenTooOld
	}
	return claims, nil
}

func (m *JWTManager) VerifyAPI(ctx context.Context, token string) (*Claims, error) {
	return m.verify(ctx, token, TokenTypeAccess, m.cfg.APIAudience)
}

func (m *JWTManager) verify(ctx context.Context, tokenString, typ, audience string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secretKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(m.cfg.Leeway),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != typ {
		return nil, ErrWrongType
	}
	if claims.UserID == "" {
		return nil, ErrMissingUserID
	}

	if m.cfg.Revocations != nil && claims.ID != "" && m.cfg.Revocations.IsRevoked(ctx, claims.ID) {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// ExtractToken reads the bearer token from the Authorization header, falling
// back to the "token" query parameter that browsers use for WebSockets.
func ExtractToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(h, bearerPrefix) {
			return "", errors.New("invalid authorization header format")
		}
		return strings.TrimPrefix(h, bearerPrefix), nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", ErrMissingToken
}

var _ Verifier = (*JWTManager)(nil)

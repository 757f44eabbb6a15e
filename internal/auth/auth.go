// Package auth provides SIWE verification and JWT authentication for the
// agent owner. Only the configured owner address may obtain a token.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	siwe "github.com/spruceid/siwe-go"
)

// Errors returned by the auth service.
var (
	ErrInvalidSignature = errors.New("auth: invalid SIWE signature")
	ErrNonceNotFound    = errors.New("auth: nonce not found or expired")
	ErrInvalidToken     = errors.New("auth: invalid or expired JWT token")
	ErrNotOwner         = errors.New("auth: address is not the agent owner")
	ErrBadMessage       = errors.New("auth: malformed SIWE message")
)

// UserClaims holds the authenticated user information extracted from a JWT.
type UserClaims struct {
	Address   string    `json:"address"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NonceStore keeps one-time SIWE nonces.
type NonceStore interface {
	Put(ctx context.Context, nonce string, ttl time.Duration) error
	// Take consumes nonce, reporting whether it existed and had not expired.
	Take(ctx context.Context, nonce string) (bool, error)
}

// RedisNonces stores nonces in Redis with a TTL.
type RedisNonces struct {
	rdb redis.UniversalClient
}

// NewRedisNonces wraps a Redis client.
func NewRedisNonces(rdb redis.UniversalClient) *RedisNonces { return &RedisNonces{rdb: rdb} }

func (r *RedisNonces) Put(ctx context.Context, nonce string, ttl time.Duration) error {
	return r.rdb.Set(ctx, nonceKey(nonce), "1", ttl).Err()
}

func (r *RedisNonces) Take(ctx context.Context, nonce string) (bool, error) {
	res, err := r.rdb.GetDel(ctx, nonceKey(nonce)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res != "", nil
}

// MemoryNonces stores nonces in process memory, for single-instance setups
// without Redis.
type MemoryNonces struct {
	mu     sync.Mutex
	nonces map[string]time.Time
	now    func() time.Time
}

// NewMemoryNonces returns an empty store.
func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{nonces: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryNonces) Put(_ context.Context, nonce string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for n, exp := range m.nonces {
		if now.After(exp) {
			delete(m.nonces, n)
		}
	}
	m.nonces[nonce] = now.Add(ttl)
	return nil
}

func (m *MemoryNonces) Take(_ context.Context, nonce string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.nonces[nonce]
	delete(m.nonces, nonce)
	return ok && !m.now().After(exp), nil
}

// Service provides SIWE verification and JWT authentication.
type Service struct {
	nonces    NonceStore
	owner     common.Address
	jwtSecret []byte
	jwtTTL    time.Duration
	nonceTTL  time.Duration
	agentKey  []byte
}

// Option configures a Service.
type Option func(*Service)

// WithAgentToken sets the shared bearer token accepted by RequireWriter.
func WithAgentToken(token string) Option {
	return func(s *Service) { s.agentKey = []byte(token) }
}

// NewService creates a new auth service. A zero owner disables owner checks:
// every route guarded by RequireOwner or RequireWriter becomes open.
func NewService(nonces NonceStore, jwtSecret string, owner common.Address, opts ...Option) *Service {
	s := &Service{
		nonces:    nonces,
		owner:     owner,
		jwtSecret: []byte(jwtSecret),
		jwtTTL:    24 * time.Hour,
		nonceTTL:  5 * time.Minute,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enabled reports whether an owner is configured.
func (s *Service) Enabled() bool { return s.owner != (common.Address{}) }

// GenerateNonce creates a random nonce valid for five minutes.
func (s *Service) GenerateNonce(ctx context.Context) (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(b)
	if err := s.nonces.Put(ctx, nonce, s.nonceTTL); err != nil {
		return "", fmt.Errorf("auth: store nonce: %w", err)
	}
	return nonce, nil
}

// VerifySIWE parses a SIWE message, verifies the signature, consumes the
// nonce, checks the signer is the owner and issues a JWT.
func (s *Service) VerifySIWE(ctx context.Context, message string, signature string) (string, error) {
	msg, err := siwe.ParseMessage(message)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadMessage, err)
	}

	if _, err := msg.Verify(signature, nil, nil, nil); err != nil {
		return "", ErrInvalidSignature
	}

	ok, err := s.nonces.Take(ctx, msg.GetNonce())
	if err != nil || !ok {
		return "", ErrNonceNotFound
	}

	address := msg.GetAddress()
	if s.Enabled() && address != s.owner {
		return "", ErrNotOwner
	}

	token, err := s.issueJWT(address.Hex())
	if err != nil {
		return "", fmt.Errorf("auth: issue JWT: %w", err)
	}
	return token, nil
}

// ValidateJWT verifies a JWT token and returns the user claims.
func (s *Service) ValidateJWT(_ context.Context, tokenStr string) (*UserClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	address, _ := claims["sub"].(string)
	if address == "" {
		return nil, ErrInvalidToken
	}

	iat, _ := claims.GetIssuedAt()
	exp, _ := claims.GetExpirationTime()
	if iat == nil || exp == nil {
		return nil, ErrInvalidToken
	}

	return &UserClaims{
		Address:   address,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
	}, nil
}

// issueJWT creates a signed JWT for the given Ethereum address.
func (s *Service) issueJWT(address string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": address,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(s.jwtTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func nonceKey(nonce string) string {
	return "auth:nonce:" + nonce
}

// --- JWT Middleware ---

type contextKey string

const userClaimsKey contextKey = "userClaims"

// JWTMiddleware validates the bearer token and injects UserClaims into the
// request context. Invalid or missing tokens result in a 401 response.
func (s *Service) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid authorization header")
			return
		}

		claims, err := s.ValidateJWT(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireOwner guards owner-only routes. Without a configured owner it is a
// pass-through; otherwise the token subject must be the owner.
func (s *Service) RequireOwner(next http.Handler) http.Handler {
	if !s.Enabled() {
		return next
	}
	return s.JWTMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil || !common.IsHexAddress(claims.Address) || common.HexToAddress(claims.Address) != s.owner {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "owner only")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// RequireWriter guards history writes. Without a configured owner it is a
// pass-through; otherwise the bearer must be the agent token or an owner JWT.
func (s *Service) RequireWriter(next http.Handler) http.Handler {
	if !s.Enabled() {
		return next
	}
	owner := s.RequireOwner(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if ok && len(s.agentKey) > 0 && subtle.ConstantTimeCompare([]byte(bearer), s.agentKey) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		owner.ServeHTTP(w, r)
	})
}

// ClaimsFromContext extracts UserClaims from the request context.
// Returns nil if no claims are present.
func ClaimsFromContext(ctx context.Context) *UserClaims {
	claims, _ := ctx.Value(userClaimsKey).(*UserClaims)
	return claims
}

package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAuthFormat    = errors.New("invalid authorization header format")
	ErrMissingSubject       = errors.New("missing subject in token")
)

// JWTCookieName is the cookie browser clients carry the token in.
const JWTCookieName = "ontask_jwt"

// AuthService authenticates API requests.
type AuthService interface {
	// ValidateRequest returns the claims and raw token of the request. The
	// "ontask_jwt" cookie wins over an "Authorization: Bearer" header, so
	// the UI and scripted clients can share one endpoint.
	ValidateRequest(r *http.Request) (*Claims, string, error)
}

type authService struct {
	jwksClient JWKSClientInterface
	logger     *zap.Logger
}

func NewAuthService(jwksClient JWKSClientInterface, logger *zap.Logger) AuthService {
	return &authService{
		jwksClient: jwksClient,
		logger:     logger,
	}
}

func (s *authService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	token, source, err := tokenFromRequest(r)
	if err != nil {
		s.logger.Debug("No usable token in request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		return nil, "", err
	}

	claims, err := s.jwksClient.ValidateToken(token)
	if err != nil {
		s.logger.Debug("JWT validation failed",
			zap.String("path", r.URL.Path),
			zap.String("token_source", source),
			zap.Error(err))
		return nil, "", err
	}
	// Leases and sessions are keyed by subject.
	if claims.Subject == "" {
		return nil, "", ErrMissingSubject
	}
	return claims, token, nil
}

// tokenFromRequest reports where the token came from for logging.
func tokenFromRequest(r *http.Request) (token, source string, err error) {
	if cookie, cerr := r.Cookie(JWTCookieName); cerr == nil && cookie.Value != "" {
		return cookie.Value, "cookie", nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "", ErrMissingAuthorization
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.Contains(token, " ") {
		return "", "", ErrInvalidAuthFormat
	}
	return token, "header", nil
}

var _ AuthService = (*authService)(nil)

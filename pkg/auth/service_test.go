package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

type stubJWKS struct {
	claims *Claims
	err    error
	seen   string
}

func (s *stubJWKS) ValidateToken(tokenString string) (*Claims, error) {
	s.seen = tokenString
	if s.err != nil {
		return nil, s.err
	}
	return s.claims, nil
}

func (s *stubJWKS) Close() {}

func subjectClaims(sub, email string) *Claims {
	c := &Claims{Email: email}
	c.Subject = sub
	return c
}

func TestValidateRequest_TokenSources(t *testing.T) {
	tests := []struct {
		name      string
		cookie    string
		header    string
		wantToken string
	}{
		{name: "cookie", cookie: "cookie-token", wantToken: "cookie-token"},
		{name: "bearer header", header: "Bearer header-token", wantToken: "header-token"},
		{name: "lowercase scheme", header: "bearer header-token", wantToken: "header-token"},
		{name: "cookie wins over header", cookie: "cookie-token", header: "Bearer header-token", wantToken: "cookie-token"},
		{name: "empty cookie falls back to header", cookie: "", header: "Bearer header-token", wantToken: "header-token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jwks := &stubJWKS{claims: subjectClaims("user-1", "ana@example.com")}
			service := NewAuthService(jwks, zap.NewNop())

			req := httptest.NewRequest(http.MethodGet, "/api/workflows", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: JWTCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			claims, token, err := service.ValidateRequest(req)
			if err != nil {
				t.Fatalf("ValidateRequest() error = %v", err)
			}
			if token != tt.wantToken {
				t.Errorf("token = %q, want %q", token, tt.wantToken)
			}
			if jwks.seen != tt.wantToken {
				t.Errorf("validated %q, want %q", jwks.seen, tt.wantToken)
			}
			if claims.Subject != "user-1" {
				t.Errorf("Subject = %q, want user-1", claims.Subject)
			}
		})
	}
}

func TestValidateRequest_Rejections(t *testing.T) {
	expired := errors.New("token is expired")

	tests := []struct {
		name    string
		header  string
		jwks    *stubJWKS
		wantErr error
	}{
		{name: "nothing", jwks: &stubJWKS{}, wantErr: ErrMissingAuthorization},
		{name: "bare token", header: "just-a-token", jwks: &stubJWKS{}, wantErr: ErrInvalidAuthFormat},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", jwks: &stubJWKS{}, wantErr: ErrInvalidAuthFormat},
		{name: "scheme only", header: "Bearer", jwks: &stubJWKS{}, wantErr: ErrInvalidAuthFormat},
		{name: "scheme and space", header: "Bearer ", jwks: &stubJWKS{}, wantErr: ErrInvalidAuthFormat},
		{name: "extra parts", header: "Bearer token extra", jwks: &stubJWKS{}, wantErr: ErrInvalidAuthFormat},
		{name: "rejected by jwks", header: "Bearer old", jwks: &stubJWKS{err: expired}, wantErr: expired},
		{name: "no subject", header: "Bearer anon", jwks: &stubJWKS{claims: subjectClaims("", "a@example.com")}, wantErr: ErrMissingSubject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := NewAuthService(tt.jwks, zap.NewNop())
			req := httptest.NewRequest(http.MethodPost, "/api/workflows", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			claims, token, err := service.ValidateRequest(req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if claims != nil || token != "" {
				t.Errorf("expected no claims or token on failure, got %v %q", claims, token)
			}
		})
	}
}

package network

import (
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrUnauthenticated  = errors.New("network: unauthenticated")
	ErrPermissionDenied = errors.New("network: permission denied")
)

// Authenticator evaluates an incoming request and returns an error when it
// should be rejected.
type Authenticator interface {
	Authorize(r *http.Request) error
}

type authenticatorFunc func(*http.Request) error

func (f authenticatorFunc) Authorize(r *http.Request) error {
	if f == nil {
		return nil
	}
	return f(r)
}

// ChainAuthenticators combines multiple authenticators, short-circuiting on the
// first failure. When no authenticators are supplied the returned instance
// always authorizes the request.
func ChainAuthenticators(auths ...Authenticator) Authenticator {
	filtered := make([]Authenticator, 0, len(auths))
	for _, auth := range auths {
		if auth != nil {
			filtered = append(filtered, auth)
		}
	}
	if len(filtered) == 0 {
		return authenticatorFunc(func(*http.Request) error { return nil })
	}
	return authenticatorFunc(func(r *http.Request) error {
		for _, auth := range filtered {
			if err := auth.Authorize(r); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewTokenAuthenticator validates that the supplied header carries the
// configured shared secret, either bare or as "Bearer <token>".
func NewTokenAuthenticator(header, secret string) Authenticator {
	cleanedHeader := strings.TrimSpace(header)
	if cleanedHeader == "" {
		cleanedHeader = "Authorization"
	}
	trimmedSecret := strings.TrimSpace(secret)
	if trimmedSecret == "" {
		return nil
	}
	return authenticatorFunc(func(r *http.Request) error {
		for _, value := range r.Header.Values(cleanedHeader) {
			token := strings.TrimSpace(value)
			if constantTimeEqual(token, trimmedSecret) {
				return nil
			}
			if len(token) >= len("bearer ") && strings.EqualFold(token[:len("bearer ")], "bearer ") {
				if constantTimeEqual(strings.TrimSpace(token[len("bearer "):]), trimmedSecret) {
					return nil
				}
			}
		}
		return errors.Join(ErrUnauthenticated, errors.New("invalid or missing shared secret"))
	})
}

// NewTLSAuthorizer ensures the peer presented a client certificate and, when
// a non-empty allow list is provided, that one of them matches it.
func NewTLSAuthorizer(allowed []string) Authenticator {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, cn := range allowed {
		normalized := normalizeIdentity(cn)
		if normalized == "" {
			continue
		}
		allowedSet[normalized] = struct{}{}
	}
	return authenticatorFunc(func(r *http.Request) error {
		if r.TLS == nil {
			return errors.Join(ErrUnauthenticated, errors.New("connection is not using TLS"))
		}
		if len(r.TLS.PeerCertificates) == 0 {
			return errors.Join(ErrUnauthenticated, errors.New("no client certificate presented"))
		}
		if len(allowedSet) == 0 {
			return nil
		}
		for _, cert := range r.TLS.PeerCertificates {
			if certificateMatchesAllowlist(cert, allowedSet) {
				return nil
			}
		}
		return errors.Join(ErrPermissionDenied, errors.New("client certificate not authorised"))
	})
}

// StatusCode maps an authenticator error to an HTTP status.
func StatusCode(err error) int {
	if errors.Is(err, ErrPermissionDenied) {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// Middleware rejects requests auth does not authorize.
func Middleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if auth == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.Authorize(r); err != nil {
				http.Error(w, err.Error(), StatusCode(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func normalizeIdentity(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	return strings.ToLower(trimmed)
}

func certificateMatchesAllowlist(cert *x509.Certificate, allowed map[string]struct{}) bool {
	if cert == nil {
		return false
	}
	for _, dns := range cert.DNSNames {
		if _, ok := allowed[normalizeIdentity(dns)]; ok {
			return true
		}
	}
	for _, uri := range cert.URIs {
		if uri == nil {
			continue
		}
		if _, ok := allowed[normalizeIdentity(uri.String())]; ok {
			return true
		}
	}
	cn := normalizeIdentity(cert.Subject.CommonName)
	if _, ok := allowed[cn]; ok {
		return true
	}
	return false
}

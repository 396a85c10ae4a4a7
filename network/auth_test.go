package network

import (
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestTokenAuthenticatorConstantTime(t *testing.T) {
	t.Parallel()

	auth := NewTokenAuthenticator("x-chain-token", "super-secret")
	if auth == nil {
		t.Fatalf("authenticator should not be nil")
	}

	direct := tokenRequest("x-chain-token", "super-secret")
	if err := auth.Authorize(direct); err != nil {
		t.Fatalf("direct token should authorize: %v", err)
	}

	bearer := tokenRequest("x-chain-token", "Bearer super-secret")
	if err := auth.Authorize(bearer); err != nil {
		t.Fatalf("bearer token should authorize: %v", err)
	}

	mismatch := tokenRequest("x-chain-token", "super-secret-with-extra")
	err := auth.Authorize(mismatch)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated for mismatched token, got %v", err)
	}
	if StatusCode(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", StatusCode(err))
	}

	if NewTokenAuthenticator("", "  ") != nil {
		t.Fatalf("empty secret should disable token auth")
	}
}

func TestTLSAuthorizerMatchesSANsAndCN(t *testing.T) {
	t.Parallel()

	allowed := []string{"example.com", "spiffe://network/service"}
	auth := NewTLSAuthorizer(allowed)
	uri, err := url.Parse("spiffe://network/service")
	if err != nil {
		t.Fatalf("parse uri: %v", err)
	}
	cert := &x509.Certificate{
		DNSNames: []string{"Example.COM"},
		URIs:     []*url.URL{uri},
		Subject:  pkixName("ignored"),
	}
	if err := auth.Authorize(tlsRequest(cert)); err != nil {
		t.Fatalf("SAN match should authorize: %v", err)
	}

	cnCert := &x509.Certificate{Subject: pkixName("Example.com")}
	if err := auth.Authorize(tlsRequest(cnCert)); err != nil {
		t.Fatalf("CN match should authorize: %v", err)
	}

	mismatch := &x509.Certificate{Subject: pkixName("other")}
	err = auth.Authorize(tlsRequest(mismatch))
	if !errors.Is(err, ErrPermissionDenied) || StatusCode(err) != http.StatusForbidden {
		t.Fatalf("expected permission denied for mismatched cert, got %v", err)
	}

	plain := httptest.NewRequest(http.MethodGet, "/gossip", nil)
	if err := auth.Authorize(plain); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated without TLS, got %v", err)
	}
}

func TestMiddlewareRejectsBeforeHandler(t *testing.T) {
	t.Parallel()

	called := false
	handler := Middleware(NewTokenAuthenticator("", "secret"))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized || called {
		t.Fatalf("expected 401 without reaching handler, got %d (called=%v)", rec.Code, called)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, tokenRequest("Authorization", "Bearer secret"))
	if rec.Code != http.StatusNoContent || !called {
		t.Fatalf("expected handler to run, got %d", rec.Code)
	}
}

func TestNilReadAuthForbidden(t *testing.T) {
	t.Parallel()

	relay := NewRelay(nil)
	auth := authenticatorFunc(func(*http.Request) error { return nil })

	if _, err := NewService(relay, auth, WithReadAuthenticator(nil)); err == nil {
		t.Fatalf("expected error when read auth is nil without opt-in")
	}

	svc, err := NewService(relay, auth, WithReadAuthenticator(nil), WithAllowUnauthenticatedReads(true))
	if err != nil {
		t.Fatalf("unexpected error when opting into anonymous reads: %v", err)
	}
	if svc == nil {
		t.Fatalf("expected service instance")
	}

	if _, err := NewService(relay, nil); err == nil {
		t.Fatalf("expected error without a write authenticator")
	}
}

func tokenRequest(header, value string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/gossip", nil)
	req.Header.Set(header, value)
	return req
}

func tlsRequest(cert *x509.Certificate) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/gossip", nil)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
	return req
}

func pkixName(cn string) pkix.Name {
	return pkix.Name{CommonName: cn}
}

package network

import (
	"net/http"
	"strings"
)

// StaticTokenHeader returns the header set a client presents on every relay
// handshake. An empty token yields an empty header set.
func StaticTokenHeader(header, token string) http.Header {
	normalizedHeader := strings.TrimSpace(header)
	if normalizedHeader == "" {
		normalizedHeader = "Authorization"
	}
	h := make(http.Header)
	if trimmed := strings.TrimSpace(token); trimmed != "" {
		h.Set(normalizedHeader, "Bearer "+trimmed)
	}
	return h
}

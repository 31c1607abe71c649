package security

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Header names used to identify callers.
const (
	ClientIDHeader = "X-Client-ID"
	APIKeyHeader   = "X-API-Key"
)

// LookupAPIKey returns the client mapped to presented. Every configured key
// is compared in constant time.
func LookupAPIKey(keys map[string]string, presented string) (string, bool) {
	if presented == "" {
		return "", false
	}
	clientID := ""
	for key, id := range keys {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1 {
			clientID = id
		}
	}
	return clientID, clientID != ""
}

// PresentedAPIKey extracts the key from "Authorization: Bearer" or X-API-Key.
func PresentedAPIKey(h http.Header) string {
	if auth := h.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return h.Get(APIKeyHeader)
}

// ClientFromRequest resolves the caller of an HTTP request. Without keys the
// caller names itself through X-Client-ID and falls back to AnonymousClient.
func ClientFromRequest(keys map[string]string, h http.Header) (string, bool) {
	if len(keys) == 0 {
		if id := strings.TrimSpace(h.Get(ClientIDHeader)); id != "" {
			return id, true
		}
		return AnonymousClient, true
	}
	return LookupAPIKey(keys, PresentedAPIKey(h))
}

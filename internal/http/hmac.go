package httpx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// SignatureHeader carries hex(hmac_sha256(secret, body)).
const SignatureHeader = "X-Sinkflow-Signature"

// HMACAuth verifies signed requests to the write endpoints
type HMACAuth struct {
	secret []byte
	log    *slog.Logger
}

// NewHMACAuth returns nil when secret is empty, which disables verification.
func NewHMACAuth(secret string, log *slog.Logger) *HMACAuth {
	if secret == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &HMACAuth{secret: []byte(secret), log: log}
}

// Sign returns the signature a client must send for body.
func (h *HMACAuth) Sign(body []byte) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the request signature against body. A nil HMACAuth accepts
// everything.
func (h *HMACAuth) Verify(r *http.Request, body []byte) bool {
	if h == nil {
		return true
	}

	provided := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if provided == "" {
		h.log.Warn("signature missing", "client_ip", clientIP(r), "path", r.URL.Path)
		return false
	}
	got, err := hex.DecodeString(provided)
	if err != nil {
		h.log.Warn("signature is not hex", "client_ip", clientIP(r), "path", r.URL.Path)
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		h.log.Warn("signature mismatch", "client_ip", clientIP(r), "path", r.URL.Path)
		return false
	}
	return true
}

// clientIP extracts the real client IP considering proxies
func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header (most common)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the chain
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	return normalizeIP(r.RemoteAddr)
}

// normalizeIP strips the port from host:port and [v6]:port forms.
func normalizeIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

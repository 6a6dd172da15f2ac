package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderKey        = "X-API-KEY"
	HeaderTimestamp  = "X-API-TIMESTAMP"
	HeaderPassphrase = "X-API-PASSPHRASE"
	HeaderSignature  = "X-API-SIGNATURE"
)

// HMACAuth signs exchange requests. The signature is base64
// HMAC-SHA256(Secret, millis + METHOD + path?query + body).
type HMACAuth struct {
	Key        string
	Secret     string
	Passphrase string
}

func (h *HMACAuth) signature(ts, method, path, body string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	for _, part := range [...]string{ts, method, path, body} {
		mac.Write([]byte(part))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Headers returns the auth headers for a request sent at at.
func (h *HMACAuth) Headers(method, path, body string, at time.Time) map[string]string {
	ts := strconv.FormatInt(at.UnixMilli(), 10)
	hdr := make(map[string]string, 4)
	hdr[HeaderKey] = h.Key
	hdr[HeaderTimestamp] = ts
	hdr[HeaderSignature] = h.signature(ts, method, path, body)
	if h.Passphrase != "" {
		hdr[HeaderPassphrase] = h.Passphrase
	}
	return hdr
}

// Sign stamps req. body must be exactly what goes on the wire.
func (h *HMACAuth) Sign(req *http.Request, body []byte, at time.Time) {
	for k, v := range h.Headers(req.Method, req.URL.RequestURI(), string(body), at) {
		req.Header.Set(k, v)
	}
}

// Verify checks sig in constant time.
func (h *HMACAuth) Verify(method, path, body, ts, sig string) bool {
	return hmac.Equal([]byte(h.signature(ts, method, path, body)), []byte(sig))
}

// String keeps credentials out of logs.
func (h *HMACAuth) String() string {
	return "HMACAuth{key=" + mask(h.Key) + ", secret=" + mask(h.Secret) + "}"
}

func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "****"
}

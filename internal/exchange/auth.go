package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Auth signs REST requests and WebSocket subscriptions with the account's
// API key pair. The exchange expects an HMAC-SHA256 hex signature over
// "timestamp + method + path [+ body]" in the access headers.
type Auth struct {
	key    string
	secret string
}

// NewAuth creates an Auth from the configured key pair. Both fields may be
// empty in paper-trading mode; signing then produces anonymous requests,
// which is fine because paper mode only touches public endpoints.
func NewAuth(key, secret string) *Auth {
	return &Auth{key: key, secret: secret}
}

// HasCredentials reports whether a key pair is configured.
func (a *Auth) HasCredentials() bool {
	return a.key != "" && a.secret != ""
}

// Headers generates the signed headers for one REST request. path must be
// the full request path without the host, e.g. "/api/v3/brokerage/orders".
func (a *Auth) Headers(method, path, body string) map[string]string {
	if !a.HasCredentials() {
		return nil
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	return map[string]string{
		"CB-ACCESS-KEY":       a.key,
		"CB-ACCESS-SIGN":      a.sign(timestamp + method + path + body),
		"CB-ACCESS-TIMESTAMP": timestamp,
	}
}

// WSSignature signs a WebSocket subscribe message for authenticated
// channels. The signed payload is "timestamp + channel + joined products".
func (a *Auth) WSSignature(channel string, productIDs []string) (apiKey, timestamp, signature string) {
	timestamp = strconv.FormatInt(time.Now().Unix(), 10)
	return a.key, timestamp, a.sign(timestamp + channel + strings.Join(productIDs, ","))
}

func (a *Auth) sign(message string) string {
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

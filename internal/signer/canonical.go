package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key derivation scopes. Push keys sign ledger->instance traffic,
// client keys sign instance->ledger traffic; the two never collide.
const (
	ScopePush   = "push"
	ScopeClient = "client"
)

// SignaturePrefix is the required prefix of X-Signature values.
// Matching is case-insensitive.
const SignaturePrefix = "sha256="

// InstanceMessage builds the canonical signing string for instance
// requests:
//
//	METHOD "\n" PATH_WITH_QUERY "\n" TIMESTAMP "\n" NONCE "\n" BODY
//
// The body bytes are appended verbatim with no trailing newline.
func InstanceMessage(method, pathWithQuery string, ts int64, nonce string, body []byte) []byte {
	msg := fmt.Sprintf("%s\n%s\n%d\n%s\n", strings.ToUpper(method), pathWithQuery, ts, nonce)
	return append([]byte(msg), body...)
}

// BootstrapMessage builds the canonical signing string for bootstrap
// requests: TIMESTAMP "." NONCE BODY.
func BootstrapMessage(ts int64, nonce string, body []byte) []byte {
	msg := fmt.Sprintf("%d.%s", ts, nonce)
	return append([]byte(msg), body...)
}

// Sign computes HMAC-SHA256(key, msg) as lowercase hex.
func Sign(key, msg []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// EncodeSignature formats a computed HMAC hex for the X-Signature header.
func EncodeSignature(hexDigest string) string {
	return SignaturePrefix + hexDigest
}

// ParseSignature splits a "sha256=<hex>" value into its hex part.
// Returns false when the prefix is wrong or the hex part is empty.
func ParseSignature(sig string) (string, bool) {
	if len(sig) <= len(SignaturePrefix) {
		return "", false
	}
	if !strings.EqualFold(sig[:len(SignaturePrefix)], SignaturePrefix) {
		return "", false
	}
	return strings.ToLower(sig[len(SignaturePrefix):]), true
}

// VerifyHex compares an expected hex digest with a provided one in
// constant time.
func VerifyHex(expected, provided string) bool {
	return hmac.Equal([]byte(expected), []byte(provided))
}

// DeriveInstanceKey derives the per-instance key for a scope:
// HMAC-SHA256(token, scope + ":" + instanceID).
func DeriveInstanceKey(scope string, token []byte, instanceID string) []byte {
	mac := hmac.New(sha256.New, token)
	mac.Write([]byte(scope + ":" + instanceID))
	return mac.Sum(nil)
}

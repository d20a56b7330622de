// Package token decodes shared-token material.
package token

import (
	"encoding/base64"
	"strings"
)

// ToBytes decodes a token string. A "base64:" prefix marks base64
// payloads; anything else is taken as UTF-8 bytes.
func ToBytes(token string) ([]byte, error) {
	if strings.HasPrefix(token, "base64:") {
		return base64.StdEncoding.DecodeString(strings.SplitN(token, ":", 2)[1])
	}
	return []byte(token), nil
}

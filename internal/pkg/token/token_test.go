package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToBytes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []byte
	}{
		{"plain utf8", "my-secret-token", []byte("my-secret-token")},
		{"base64 prefix", "base64:MTIz", []byte("123")},
		{"base64 binary", "base64:AAECAw==", []byte{0, 1, 2, 3}},
		{"empty", "", []byte("")},
		{"colon without prefix", "not-base64:MTIz", []byte("not-base64:MTIz")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToBytes(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToBytesInvalidBase64(t *testing.T) {
	_, err := ToBytes("base64:!!!not-base64!!!")
	assert.Error(t, err)
}

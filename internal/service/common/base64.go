package common

import (
	"encoding/base64"
	"fmt"
)

// EncodeBase64 encodes an opaque page state as a URL-safe token.
func EncodeBase64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeBase64 decodes a page token produced by EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode page token: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("decode page token: empty")
	}
	return data, nil
}

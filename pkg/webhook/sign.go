package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Sign computes the X-ASAP-Signature header value for body, HMAC-SHA256
// over the JCS (RFC 8785) canonicalized form of body, keyed by secret.
// Canonicalizing first means field reordering or whitespace differences
// on either side of the wire never change the signature.
func Sign(body []byte, secret []byte) (string, error) {
	canon, err := canonicalize(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canon)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether sig is a valid signature for body under secret,
// using a constant-time comparison to avoid timing side-channels.
func Verify(body []byte, secret []byte, sig string) bool {
	want, err := Sign(body, secret)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1
}

func canonicalize(body []byte) ([]byte, error) {
	if !json.Valid(body) {
		return nil, fmt.Errorf("webhook: payload is not valid JSON")
	}
	canon, err := jcs.Transform(body)
	if err != nil {
		return nil, fmt.Errorf("webhook: canonicalize payload: %w", err)
	}
	return canon, nil
}

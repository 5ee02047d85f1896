package backend

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"

	"github.com/briangreenhill/purchasesync/cache"
)

const HeaderSignature = "X-Signature"

// Sign returns the signature a server attaches to a response. content is the
// body, or the ETag for a not-modified response.
func Sign(secret []byte, nonce, requestTime string, content []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(nonce))
	mac.Write([]byte{0})
	mac.Write([]byte(requestTime))
	mac.Write([]byte{0})
	mac.Write(content)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// HMACVerifier checks X-Signature against a shared secret.
type HMACVerifier struct {
	Secret []byte
}

func (v HMACVerifier) Verify(_ Endpoint, resp Response, nonce string) cache.Verification {
	sig := resp.Header.Get(HeaderSignature)
	if sig == "" {
		return cache.VerificationFailed
	}
	content := resp.Body
	if resp.StatusCode == http.StatusNotModified {
		content = []byte(resp.Header.Get(cache.HeaderETag))
	}
	want := Sign(v.Secret, nonce, resp.Header.Get(HeaderRequestTime), content)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return cache.VerificationFailed
	}
	return cache.VerificationVerified
}

package backend

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/briangreenhill/purchasesync/cache"
)

func TestHMACVerifier(t *testing.T) {
	secret := []byte("shh")
	v := HMACVerifier{Secret: secret}
	body := []byte(`{"subscriber":{}}`)

	signed := func(nonce string, content []byte, status int) Response {
		h := http.Header{}
		h.Set(HeaderRequestTime, "1767225600000")
		h.Set(cache.HeaderETag, "etag-1")
		h.Set(HeaderSignature, Sign(secret, nonce, "1767225600000", content))
		return Response{StatusCode: status, Header: h, Body: body}
	}

	assert.Equal(t, cache.VerificationVerified, v.Verify(GetCustomerInfo, signed("n1", body, 200), "n1"))
	assert.Equal(t, cache.VerificationVerified, v.Verify(GetCustomerInfo, signed("n1", []byte("etag-1"), 304), "n1"))
	assert.Equal(t, cache.VerificationFailed, v.Verify(GetCustomerInfo, signed("n1", body, 200), "n2"), "nonce mismatch")

	tampered := signed("n1", body, 200)
	tampered.Body = []byte(`{"subscriber":{"entitlements":{"pro":{}}}}`)
	assert.Equal(t, cache.VerificationFailed, v.Verify(GetCustomerInfo, tampered, "n1"))

	assert.Equal(t, cache.VerificationFailed, v.Verify(GetCustomerInfo, Response{StatusCode: 200, Header: http.Header{}}, "n1"))
}

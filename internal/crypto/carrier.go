package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
)

// CarrierSignature computes the carrier webhook signature: HMAC-SHA1 over
// the request URL concatenated with every form parameter in key-sorted
// order (key immediately followed by value), base64-encoded.
func CarrierSignature(authToken, requestURL string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(requestURL))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte(params[k]))
	}
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyCarrierSignature checks a carrier-provided signature in constant
// time.
func VerifyCarrierSignature(authToken, requestURL string, params map[string]string, signature string) bool {
	expected := CarrierSignature(authToken, requestURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}

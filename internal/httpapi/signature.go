package httpapi

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// SignatureConfig controls verification of carrier webhook signatures.
// When Enforce is false (local dev, simulator mode) unsigned requests are
// accepted; in production every webhook must carry a valid signature.
type SignatureConfig struct {
	AuthToken string
	BaseURL   string
	Enforce   bool
}

// Verify checks the X-Carrier-Signature header against the HMAC-SHA1 of
// the full webhook URL plus the sorted form parameters.
func (c SignatureConfig) Verify(r *http.Request) bool {
	signature := r.Header.Get("X-Carrier-Signature")
	if signature == "" {
		return !c.Enforce
	}
	if c.AuthToken == "" {
		return !c.Enforce
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	payload := buildSignaturePayload(strings.TrimRight(c.BaseURL, "/")+r.URL.RequestURI(), r.PostForm)
	expected := computeSignature(payload, c.AuthToken)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// buildSignaturePayload concatenates the URL with each form key and value,
// keys sorted lexicographically.
func buildSignaturePayload(url string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(url)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}
	return payload.String()
}

func computeSignature(data, key string) string {
	h := hmac.New(sha1.New, []byte(key))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

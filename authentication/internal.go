package authentication

import (
	"net/http"
)

// HeaderInternal marks a request issued by a trusted background caller.
const HeaderInternal = "X-Internal-Request"

// SetInternal marks header as an internal request authenticated with token.
func SetInternal(header http.Header, token string) {
	header.Set("Authorization", "Bearer "+token)
	header.Set(HeaderInternal, "true")
}

// IsInternalHeader reports whether header carries the internal marker and a
// bearer token valid for sharedSecret. Both are required. An empty secret
// disables internal access.
func IsInternalHeader(header http.Header, sharedSecret string) bool {
	if sharedSecret == "" || header.Get(HeaderInternal) != "true" {
		return false
	}
	token, ok := BearerToken(header.Get("Authorization"))
	if !ok {
		return false
	}
	return ValidateToken(sharedSecret, token) == nil
}

// IsInternal is IsInternalHeader for r.
func IsInternal(r *http.Request, sharedSecret string) bool {
	return IsInternalHeader(r.Header, sharedSecret)
}

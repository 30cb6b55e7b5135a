package authz

import (
	"github.com/hqnguyen/devguard/internal/common"
	"github.com/hqnguyen/devguard/params"
)

// ValidToken reports whether the presented value is a well-formed device
// token: exactly 64 lowercase hex characters. Anything else degrades to
// "unregistered device" rather than an error.
func ValidToken(token string) bool {
	if len(token) != params.DeviceTokenLength {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ResolveToken returns the request's device token, minting a fresh one
// when the presented value is missing or malformed. isNew instructs the
// adapter to set the replacement cookie on the response.
func ResolveToken(presented string) (token string, isNew bool, err error) {
	if ValidToken(presented) {
		return presented, false, nil
	}
	token, err = common.GenerateHexToken(params.DeviceTokenLength)
	return token, true, err
}

// TokenPrefix reduces a token to its loggable correlation prefix.
func TokenPrefix(token string) string {
	if !ValidToken(token) {
		return ""
	}
	return token[:params.DeviceTokenPrefixLen]
}

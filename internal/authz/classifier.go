package authz

import (
	"strings"

	"github.com/hqnguyen/devguard/model"
)

// Classifier maps request paths to the security tier they require.
// Exempt prefixes always win, then explicit HIGH_SECURITY prefixes, then
// explicit RESTRICTED prefixes. The catch-all classifies everything else
// as HIGH_SECURITY when protectRoot is set, so administrators carve out
// exceptions inside an otherwise locked-down deployment.
type Classifier struct {
	exempt      []string
	high        []string
	restricted  []string
	protectRoot bool
}

func NewClassifier(exempt, high, restricted []string, protectRoot bool) *Classifier {
	return &Classifier{
		exempt:      exempt,
		high:        high,
		restricted:  restricted,
		protectRoot: protectRoot,
	}
}

func matchesPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (c *Classifier) Classify(path string) model.SecurityTier {
	if matchesPrefix(path, c.exempt) {
		return model.TierExempt
	}
	if matchesPrefix(path, c.high) {
		return model.TierHighSecurity
	}
	if matchesPrefix(path, c.restricted) {
		return model.TierRestricted
	}
	if c.protectRoot {
		return model.TierHighSecurity
	}
	return model.TierExempt
}

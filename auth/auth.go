// Package auth derives tenancy from API keys of the form
// sc-<tenant>-<secret> and tracks key usage in a pluggable registry.
package auth

import (
	"regexp"
	"strings"
)

// Messages surfaced to clients on authentication failures. Their wording is
// part of the API contract.
const (
	MsgMissingKey   = "Missing or invalid API key"
	MsgMalformedKey = "Malformed API key"
)

// UnauthorizedError rejects a request with a specific client-visible
// message.
type UnauthorizedError struct {
	Message string
}

func (e UnauthorizedError) Error() string {
	return e.Message
}

var bearerPattern = regexp.MustCompile(`^Bearer\s+(\S+)$`)

// ParseBearer extracts the API key from an Authorization header value. Any
// shape problem up to and including a missing sc- prefix reads as a missing
// key; a present sc- key with too few segments reads as malformed.
func ParseBearer(header string) (string, error) {
	matches := bearerPattern.FindStringSubmatch(strings.TrimSpace(header))
	if matches == nil {
		return "", UnauthorizedError{Message: MsgMissingKey}
	}
	token := matches[1]
	if !strings.HasPrefix(token, "sc-") {
		return "", UnauthorizedError{Message: MsgMissingKey}
	}
	return token, nil
}

// Tenant extracts the tenant segment from an sc-<tenant>-<secret> key.
func Tenant(token string) (string, error) {
	parts := strings.Split(token, "-")
	if len(parts) < 3 || parts[1] == "" {
		return "", UnauthorizedError{Message: MsgMalformedKey}
	}
	return parts[1], nil
}

// Authenticate resolves an Authorization header to a tenant id and the raw
// token.
func Authenticate(header string) (tenant string, token string, err error) {
	token, err = ParseBearer(header)
	if err != nil {
		return "", "", err
	}
	tenant, err = Tenant(token)
	if err != nil {
		return "", "", err
	}
	return tenant, token, nil
}

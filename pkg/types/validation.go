package types

import (
	"regexp"
	"strings"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var (
	userIDRegex    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	tokenRegex     = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	categoryRegex  = regexp.MustCompile(`^[a-zA-Z0-9 _&-]+$`)
	sessionIDRegex = regexp.MustCompile(`^[0-9a-f]+$`)
)

const maxPayloadBytes = 65536

// IsValidUserID checks if a user ID meets format requirements
// FUNCTIONAL DISCOVERY: 1-50 character limit keeps directory keys bounded
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidToken checks a correlation token. UUIDs and short client handles both pass.
func IsValidToken(token string) bool {
	if len(token) < 1 || len(token) > 64 {
		return false
	}
	return tokenRegex.MatchString(token)
}

// IsValidCategory checks a topic label such as "Dynamic Programming".
func IsValidCategory(category string) bool {
	if len(category) < 1 || len(category) > 50 {
		return false
	}
	if strings.TrimSpace(category) != category {
		return false
	}
	return categoryRegex.MatchString(category)
}

// IsValidMessageType checks if the message type is one of the allowed types
func IsValidMessageType(msgType MessageType) bool {
	_, err := RouteFor(msgType)
	return err == nil
}

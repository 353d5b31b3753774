package validation

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex validates identity, chat and call identifiers
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)

	// RoomIDRegex validates room identifiers, which carry a kind prefix
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:\-]+$`)
)

const (
	maxIDLength          = 128
	maxRoomIDLength      = 160
	maxDisplayNameLength = 100
)

// ValidateID validates an opaque identifier such as a call or chat id
func ValidateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, maxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateRoomID validates room identifier format. Whether the room kind may be
// joined is decided by the registry.
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("roomId is required")
	}
	if len(roomID) > maxRoomIDLength {
		return fmt.Errorf("roomId is too long (max %d characters)", maxRoomIDLength)
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("invalid roomId format")
	}
	return nil
}

// ValidateDisplayName validates the display name carried in token claims
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	return ValidateStringLength(strings.TrimSpace(name), 0, maxDisplayNameLength, "display name")
}

// ValidateURL validates URL format
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateSessionDescription checks that a raw payload looks like an SDP
// offer or answer. The relay forwards it unchanged either way.
func ValidateSessionDescription(raw json.RawMessage) error {
	var desc struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return fmt.Errorf("invalid session description: %w", err)
	}
	switch desc.Type {
	case "offer", "answer", "pranswer", "rollback":
	default:
		return fmt.Errorf("invalid session description type %q", desc.Type)
	}
	if desc.Type != "rollback" && !strings.HasPrefix(desc.SDP, "v=") {
		return fmt.Errorf("session description must start with v=")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}

package storage

import (
	"path/filepath"
	"regexp"
	"strings"
)

const (
	maxImageNameLength = 40

	// TTL bounds for expiring links, inclusive on both ends.
	MinExpiringLinkTTLSeconds = 30
	MaxExpiringLinkTTLSeconds = 30000
)

var imageNamePattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

var allowedImageExtensions = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
}

func validateImageName(name string) error {
	if name == "" {
		return validationError("name is required")
	}
	if len(name) > maxImageNameLength {
		return validationError("name exceeds %d characters", maxImageNameLength)
	}
	if !imageNamePattern.MatchString(name) {
		return validationError("only letters, numbers and hyphens are allowed in name")
	}
	return nil
}

func validateImageFilename(filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return validationError("file extension is required")
	}
	if _, ok := allowedImageExtensions[ext]; !ok {
		return validationError("extension %q is not allowed, use png, jpg or jpeg", strings.TrimPrefix(ext, "."))
	}
	return nil
}

func validateExpiringLinkTTL(seconds int64) error {
	if seconds < MinExpiringLinkTTLSeconds || seconds > MaxExpiringLinkTTLSeconds {
		return validationError("ttl must be between %d and %d seconds", MinExpiringLinkTTLSeconds, MaxExpiringLinkTTLSeconds)
	}
	return nil
}

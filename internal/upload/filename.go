package upload

import (
	"path/filepath"
	"strings"
)

// SanitizeFilename reduces a client-supplied filename to a safe basename.
// Path components are stripped, control and separator characters are
// replaced, and an empty or dot-only result is rejected.
func SanitizeFilename(name string) (string, error) {
	// Take the basename under both path conventions.
	name = name[strings.LastIndexByte(name, '/')+1:]
	name = name[strings.LastIndexByte(name, '\\')+1:]
	name = strings.TrimSpace(name)

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// drop control characters
		case r == ' ':
			b.WriteByte('_')
		case strings.ContainsRune(`<>:"|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.Trim(b.String(), ". ")
	if cleaned == "" {
		return "", ErrInvalidFilename
	}
	return cleaned, nil
}

// extensionAllowed checks name's extension against the allow list. An
// empty list allows everything.
func extensionAllowed(name string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == ext {
			return true
		}
	}
	return false
}

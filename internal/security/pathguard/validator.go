// Package pathguard holds the checks applied wherever an externally
// influenced identifier, URL or file path crosses into the runtime. Every
// function is total: it never panics and answers for any input string.
package pathguard

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	aferrors "agentflow/internal/errors"
)

var (
	windowsDrivePattern = regexp.MustCompile(`^[a-zA-Z]:[\\/]`)
	encodedPatterns     = []string{"%2e", "%2f", "%5c", "%00"}
)

// IsValidUUID reports whether s is a canonical, hyphenated RFC 4122 version 4 UUID.
func IsValidUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// IsValidURL reports whether s is an absolute http(s) URL with a host.
func IsValidURL(s string) bool {
	if strings.TrimSpace(s) != s || s == "" {
		return false
	}
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != "" && u.Hostname() != ""
}

// IsPathTraversal reports whether p contains a parent reference, an
// encoded separator or dot, a NUL byte, a Windows drive prefix or a UNC
// prefix. Plain absolute Unix paths are not traversal by themselves.
func IsPathTraversal(p string) bool {
	if p == "" {
		return false
	}
	if strings.Contains(p, "..") {
		return true
	}
	if strings.ContainsRune(p, 0) {
		return true
	}
	lower := strings.ToLower(p)
	for _, pattern := range encodedPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	if strings.HasPrefix(p, `\\`) || strings.HasPrefix(p, "//") {
		return true
	}
	return windowsDrivePattern.MatchString(p)
}

// IsUnsafeFilePath reports whether p must never be used as a user supplied
// file name: traversal, control characters, or any absolute marker.
func IsUnsafeFilePath(p string) bool {
	if IsPathTraversal(p) || hasControlChars(p) {
		return true
	}
	return strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`)
}

func hasControlChars(p string) bool {
	for _, r := range p {
		if r < 0x20 || r == 0x7f {
			return true
		}
	}
	return false
}

// WithinBase reports whether target resolves to base or a descendant of it.
func WithinBase(base, target string) bool {
	baseClean, err := filepath.Abs(filepath.Clean(base))
	if err != nil {
		return false
	}
	targetClean, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return false
	}

	rel, err := filepath.Rel(baseClean, targetClean)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// ValidateFlowID checks an identifier naming another flow.
func ValidateFlowID(id string) error {
	if !IsValidUUID(id) {
		return aferrors.NewInvalidFormat("flowId", "Invalid agentflow ID: must be a valid UUID")
	}
	return nil
}

// ValidateBaseURL checks a base URL used to build outbound requests.
func ValidateBaseURL(raw string) error {
	if !IsValidURL(raw) {
		return aferrors.NewInvalidFormat("baseURL", "Invalid base URL: must be a valid URL")
	}
	return nil
}

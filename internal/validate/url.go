// Package validate normalizes and validates audit target URLs, mirroring
// the original service's exact rules: default to https when no scheme is
// given, require http/https, require a dotted domain or recognized
// localhost/IP form, and reject out-of-range ports.
package validate

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/auditforge/auditforge/internal/model"
)

var (
	ipv4Pattern   = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)
	domainPattern = regexp.MustCompile(`^[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

var localHostnames = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"0.0.0.0":   true,
}

// URL validates and normalizes raw, returning the normalized form or a
// model.Error with KindValidationFailed.
func URL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", model.NewError(model.KindValidationFailed, "URL is required and must be a non-empty string")
	}

	candidate := strings.TrimSpace(raw)
	if !strings.Contains(candidate, "://") {
		candidate = "https://" + candidate
	}

	parsed, err := url.Parse(candidate)
	if err != nil {
		return "", model.WrapError(model.KindValidationFailed, "invalid URL format", err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", model.NewError(model.KindValidationFailed, "URL must use http or https protocol")
	}

	if parsed.Host == "" {
		return "", model.NewError(model.KindValidationFailed, "URL must include a valid domain")
	}
	if strings.Contains(parsed.Host, " ") {
		return "", model.NewError(model.KindValidationFailed, "URL domain appears to be invalid")
	}

	hostname := parsed.Hostname()
	if portStr := parsed.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", model.NewError(model.KindValidationFailed, fmt.Sprintf("invalid port: %s", portStr))
		}
		if port < 1 || port > 65535 {
			return "", model.NewError(model.KindValidationFailed, fmt.Sprintf("port %d is out of valid range (1-65535)", port))
		}
	}

	// localhost and literal IPs are exempt from the dotted-domain requirement.
	if !localHostnames[hostname] && !ipv4Pattern.MatchString(hostname) {
		if !strings.Contains(hostname, ".") || !domainPattern.MatchString(hostname) {
			return "", model.NewError(model.KindValidationFailed, "URL domain format appears invalid")
		}
	}

	return candidate, nil
}

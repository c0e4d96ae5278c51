package tools

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

var (
	hostnameRegex  = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	dangerousChars = regexp.MustCompile("[;|&`$(){}\\[\\]!<>\\\\\"']")
	urlForbidden   = regexp.MustCompile("[\\s`\"'<>\\\\|]")
)

// ErrOptionInjection is returned for argument values that would be parsed
// as flags by the invoked tool.
var ErrOptionInjection = errors.New("value must not start with '-'")

// ValidateHost checks that a host is a valid IP, CIDR, or hostname.
func ValidateHost(host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if strings.HasPrefix(host, "-") {
		return fmt.Errorf("host %q: %w", host, ErrOptionInjection)
	}

	if dangerousChars.MatchString(host) {
		return fmt.Errorf("host contains invalid characters")
	}

	if ip := net.ParseIP(host); ip != nil {
		return nil
	}

	if _, ipNet, err := net.ParseCIDR(host); err == nil {
		ones, bits := ipNet.Mask.Size()
		if bits == 32 && ones < 16 {
			return fmt.Errorf("CIDR range /%d is too large (minimum /16)", ones)
		}
		if bits == 128 && ones < 48 {
			return fmt.Errorf("IPv6 CIDR range /%d is too large (minimum /48)", ones)
		}
		return nil
	}

	if len(host) > 253 {
		return fmt.Errorf("hostname too long")
	}
	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid hostname: %s", host)
	}

	return nil
}

// ValidateURL checks that a target is a valid HTTP/HTTPS URL whose host
// passes ValidateHost.
func ValidateURL(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	if urlForbidden.MatchString(target) {
		return fmt.Errorf("URL contains invalid characters")
	}
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		return fmt.Errorf("URL must start with http:// or https://")
	}

	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if err := ValidateHost(u.Hostname()); err != nil {
		return fmt.Errorf("URL host: %w", err)
	}

	return nil
}

// ValidateArg checks a single option value before it is placed into an
// argument vector. Arguments are never passed through a shell, so only
// values that could be mistaken for flags or that carry control characters
// are rejected.
func ValidateArg(name, value string) error {
	if strings.HasPrefix(strings.TrimSpace(value), "-") {
		return fmt.Errorf("option %s: %w", name, ErrOptionInjection)
	}
	if strings.ContainsAny(value, "\x00\r\n") {
		return fmt.Errorf("option %s contains control characters", name)
	}
	return nil
}

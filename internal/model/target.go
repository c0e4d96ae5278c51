package model

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Target identifies what a scan runs against.
type Target struct {
	URL    string `json:"url,omitempty"`
	IP     string `json:"ip,omitempty"`
	Domain string `json:"domain,omitempty"`
	Ports  []int  `json:"ports"`
}

// Validate checks the structural invariants of a target: at least one
// identifying field, a parseable IP and URL when given, and ports in range.
func (t Target) Validate() error {
	if strings.TrimSpace(t.URL) == "" && strings.TrimSpace(t.IP) == "" && strings.TrimSpace(t.Domain) == "" {
		return ErrNoTarget
	}

	if t.IP != "" && net.ParseIP(strings.TrimSpace(t.IP)) == nil {
		return fmt.Errorf("%w: ip %q", ErrInvalidTarget, t.IP)
	}

	if t.URL != "" {
		u, err := url.Parse(strings.TrimSpace(t.URL))
		if err != nil {
			return fmt.Errorf("%w: url %q: %v", ErrInvalidTarget, t.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: url %q must use http or https", ErrInvalidTarget, t.URL)
		}
		if u.Hostname() == "" {
			return fmt.Errorf("%w: url %q has no host", ErrInvalidTarget, t.URL)
		}
	}

	for _, p := range t.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("%w: %d", ErrInvalidPort, p)
		}
	}

	return nil
}

// Host returns the address network-level tools should use: the IP if set,
// then the domain, then the URL's host name.
func (t Target) Host() string {
	if ip := strings.TrimSpace(t.IP); ip != "" {
		return ip
	}
	if d := strings.TrimSpace(t.Domain); d != "" {
		return d
	}
	if u, err := url.Parse(strings.TrimSpace(t.URL)); err == nil {
		return u.Hostname()
	}
	return ""
}

// WebURL returns the URL web tools should use. When no URL was given one is
// derived from the domain or IP, preferring https when only 443 is listed.
func (t Target) WebURL() string {
	if u := strings.TrimSpace(t.URL); u != "" {
		return u
	}

	host := strings.TrimSpace(t.Domain)
	if host == "" {
		host = strings.TrimSpace(t.IP)
	}
	if host == "" {
		return ""
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		host = "[" + host + "]"
	}

	if slices.Contains(t.Ports, 443) && !slices.Contains(t.Ports, 80) {
		return "https://" + host
	}
	return "http://" + host
}

// TLSPort picks the port a TLS inspection should connect to.
func (t Target) TLSPort() int {
	if u, err := url.Parse(strings.TrimSpace(t.URL)); err == nil && u.Scheme == "https" {
		if p, err := strconv.Atoi(u.Port()); err == nil {
			return p
		}
		return 443
	}
	for _, p := range t.Ports {
		if p == 443 || p == 8443 {
			return p
		}
	}
	return 443
}

// String renders a short human-readable form of the target.
func (t Target) String() string {
	var parts []string
	if t.URL != "" {
		parts = append(parts, t.URL)
	}
	if t.Domain != "" {
		parts = append(parts, t.Domain)
	}
	if t.IP != "" {
		parts = append(parts, t.IP)
	}
	s := strings.Join(parts, " / ")
	if len(t.Ports) > 0 {
		s += " ports " + FormatPorts(t.Ports)
	}
	return s
}

// ParsePorts expands a port specification such as "80,443,8000-8010".
// Duplicates are dropped and the first-seen order is kept.
func ParsePorts(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}

	var ports []int
	seen := make(map[int]bool)
	add := func(p int) {
		if !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")
		start, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		if !isRange {
			add(start)
			continue
		}

		end, err := parsePort(hi)
		if err != nil {
			return nil, err
		}
		if end < start {
			return nil, fmt.Errorf("%w: range %q is reversed", ErrInvalidPort, part)
		}
		for p := start; p <= end; p++ {
			add(p)
		}
	}

	return ports, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPort, s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPort, p)
	}
	return p, nil
}

// FormatPorts renders ports as a comma-separated list suitable for nmap -p.
func FormatPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

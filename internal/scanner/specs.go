package scanner

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/tools"
)

// argBuilder produces the argument vector of one tool.
type argBuilder func(target model.Target, opts map[string]string, cfg AdapterConfig) ([]string, error)

var (
	timingRegex    = regexp.MustCompile(`^T?[0-5]$`)
	tuningRegex    = regexp.MustCompile(`^[0-9a-cx]+$`)
	maxTimeRegex   = regexp.MustCompile(`^[0-9]+[smh]?$`)
	tagsRegex      = regexp.MustCompile(`^[a-zA-Z0-9_\-]+(,[a-zA-Z0-9_\-]+)*$`)
	extensionRegex = regexp.MustCompile(`^[a-zA-Z0-9]+(,[a-zA-Z0-9]+)*$`)
)

// checkOptions rejects unknown keys and flag-like values. Keys are visited
// in sorted order so errors are deterministic.
func checkOptions(tool model.ToolName, opts map[string]string, allowed ...string) error {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !slices.Contains(allowed, k) {
			return unknownOption(tool, k)
		}
		if err := tools.ValidateArg(k, opts[k]); err != nil {
			return err
		}
	}
	return nil
}

func intOption(opts map[string]string, key string, lo, hi int) (int, bool, error) {
	v, ok := opts[key]
	if !ok || strings.TrimSpace(v) == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < lo || n > hi {
		return 0, false, fmt.Errorf("option %s must be an integer between %d and %d", key, lo, hi)
	}
	return n, true, nil
}

func webURL(target model.Target) (string, error) {
	u := target.WebURL()
	if err := tools.ValidateURL(u); err != nil {
		return "", err
	}
	return u, nil
}

func buildNmapArgs(target model.Target, opts map[string]string, _ AdapterConfig) ([]string, error) {
	if err := checkOptions(model.ToolPortScan, opts, "scan_type", "ports", "timing", "xml"); err != nil {
		return nil, err
	}

	host := target.Host()
	if err := tools.ValidateHost(host); err != nil {
		return nil, err
	}

	timing := "T4"
	if t := strings.TrimSpace(opts["timing"]); t != "" {
		if !timingRegex.MatchString(t) {
			return nil, fmt.Errorf("option timing must be T0..T5")
		}
		timing = "T" + strings.TrimPrefix(t, "T")
	}
	args := []string{"-" + timing}

	scanType := opts["scan_type"]
	switch scanType {
	case "", "connect":
		args = append(args, "-sT")
	case "service":
		args = append(args, "-sV")
	case "os":
		args = append(args, "-O")
	case "ping":
		args = append(args, "-sn")
	default:
		return nil, fmt.Errorf("option scan_type must be one of connect, service, os, ping")
	}

	if scanType != "ping" {
		ports := target.Ports
		if spec := strings.TrimSpace(opts["ports"]); spec != "" {
			parsed, err := model.ParsePorts(spec)
			if err != nil {
				return nil, err
			}
			ports = parsed
		}
		if len(ports) > 0 {
			args = append(args, "-p", model.FormatPorts(ports))
		}
	}

	if xml, _ := strconv.ParseBool(opts["xml"]); xml {
		args = append(args, "-oX", "-")
	}

	return append(args, host), nil
}

func buildNiktoArgs(target model.Target, opts map[string]string, _ AdapterConfig) ([]string, error) {
	if err := checkOptions(model.ToolWebVuln, opts, "port", "tuning", "maxtime"); err != nil {
		return nil, err
	}

	u, err := webURL(target)
	if err != nil {
		return nil, err
	}
	args := []string{"-h", u, "-ask", "no", "-nointeractive"}

	if port, ok, err := intOption(opts, "port", 1, 65535); err != nil {
		return nil, err
	} else if ok {
		args = append(args, "-port", strconv.Itoa(port))
	}
	if t := opts["tuning"]; t != "" {
		if !tuningRegex.MatchString(t) {
			return nil, fmt.Errorf("option tuning must contain only 0-9, a-c or x")
		}
		args = append(args, "-Tuning", t)
	}
	if m := opts["maxtime"]; m != "" {
		if !maxTimeRegex.MatchString(m) {
			return nil, fmt.Errorf("option maxtime must look like 3600, 60m or 1h")
		}
		args = append(args, "-maxtime", m)
	}

	return args, nil
}

func buildNucleiArgs(target model.Target, opts map[string]string, _ AdapterConfig) ([]string, error) {
	if err := checkOptions(model.ToolTemplateScan, opts, "severity", "tags"); err != nil {
		return nil, err
	}

	u, err := webURL(target)
	if err != nil {
		return nil, err
	}
	args := []string{"-target", u, "-silent", "-nc"}

	if s := strings.TrimSpace(opts["severity"]); s != "" {
		for _, part := range strings.Split(s, ",") {
			if sev := model.Severity(strings.TrimSpace(part)); !sev.IsValid() {
				return nil, fmt.Errorf("option severity: unknown severity %q", part)
			}
		}
		args = append(args, "-severity", s)
	}
	if t := strings.TrimSpace(opts["tags"]); t != "" {
		if !tagsRegex.MatchString(t) {
			return nil, fmt.Errorf("option tags must be a comma-separated list of words")
		}
		args = append(args, "-tags", t)
	}

	return args, nil
}

func buildGobusterArgs(target model.Target, opts map[string]string, cfg AdapterConfig) ([]string, error) {
	if err := checkOptions(model.ToolDirBrute, opts, "wordlist", "threads", "extensions"); err != nil {
		return nil, err
	}

	u, err := webURL(target)
	if err != nil {
		return nil, err
	}

	wordlist := strings.TrimSpace(opts["wordlist"])
	if wordlist == "" {
		wordlist = cfg.Wordlist
	}
	if wordlist == "" {
		return nil, fmt.Errorf("no wordlist configured")
	}

	threads := 10
	if n, ok, err := intOption(opts, "threads", 1, 200); err != nil {
		return nil, err
	} else if ok {
		threads = n
	}

	args := []string{"dir", "-u", u, "-w", wordlist, "-t", strconv.Itoa(threads), "--no-color", "-q"}
	if ext := strings.TrimSpace(opts["extensions"]); ext != "" {
		if !extensionRegex.MatchString(ext) {
			return nil, fmt.Errorf("option extensions must be a comma-separated list like php,txt")
		}
		args = append(args, "-x", ext)
	}

	return args, nil
}

func buildSqlmapArgs(target model.Target, opts map[string]string, _ AdapterConfig) ([]string, error) {
	if err := checkOptions(model.ToolSQLInjection, opts, "level", "risk", "data", "cookie"); err != nil {
		return nil, err
	}

	u, err := webURL(target)
	if err != nil {
		return nil, err
	}
	args := []string{"-u", u, "--batch"}

	if level, ok, err := intOption(opts, "level", 1, 5); err != nil {
		return nil, err
	} else if ok {
		args = append(args, "--level", strconv.Itoa(level))
	}
	if risk, ok, err := intOption(opts, "risk", 1, 3); err != nil {
		return nil, err
	} else if ok {
		args = append(args, "--risk", strconv.Itoa(risk))
	}
	if d := opts["data"]; d != "" {
		args = append(args, "--data", d)
	}
	if c := opts["cookie"]; c != "" {
		args = append(args, "--cookie", c)
	}

	return args, nil
}

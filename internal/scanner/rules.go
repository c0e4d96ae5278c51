package scanner

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jamesruggles/aegis/internal/model"
)

// maxFindings caps how many findings one tool run can produce.
const maxFindings = 5000

// Rule classifies a single output line. Patterns may use the named groups
// cat, sev, desc and loc; the first matching rule of a set wins.
type Rule struct {
	Category string
	Severity model.Severity
	Pattern  *regexp.Regexp
	// Skip drops matching lines without producing a finding.
	Skip     bool
	Describe func(groups map[string]string) string
}

func (r Rule) apply(line string) (model.Finding, bool) {
	m := r.Pattern.FindStringSubmatch(line)
	if m == nil {
		return model.Finding{}, false
	}

	groups := make(map[string]string, len(m))
	for i, name := range r.Pattern.SubexpNames() {
		if name != "" && i < len(m) {
			groups[name] = strings.TrimSpace(m[i])
		}
	}

	f := model.Finding{
		Category:    r.Category,
		Severity:    r.Severity,
		Description: strings.TrimSpace(line),
		Location:    groups["loc"],
	}
	if c := groups["cat"]; c != "" {
		f.Category = c
	}
	if s := groups["sev"]; s != "" {
		f.Severity = model.ParseSeverity(s)
	}
	if d := groups["desc"]; d != "" {
		f.Description = d
	}
	if r.Describe != nil {
		f.Description = r.Describe(groups)
	}
	if f.Severity == "" {
		f.Severity = model.SeverityUnknown
	}
	return f, true
}

// Classifier turns streamed lines into findings. A failure inside a rule
// discards everything collected so far.
type Classifier struct {
	mu       sync.Mutex
	rules    []Rule
	findings []model.Finding
	failed   bool
	dropped  int
}

// NewClassifier returns a classifier over rules.
func NewClassifier(rules []Rule) *Classifier {
	return &Classifier{rules: rules, findings: []model.Finding{}}
}

// Feed classifies one line.
func (c *Classifier) Feed(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.failed = true
			c.findings = []model.Finding{}
		}
	}()

	for _, rule := range c.rules {
		f, ok := rule.apply(line)
		if !ok {
			continue
		}
		if rule.Skip {
			return
		}
		if len(c.findings) >= maxFindings {
			c.dropped++
			return
		}
		c.findings = append(c.findings, f)
		return
	}
}

// Findings returns what has been classified, never nil.
func (c *Classifier) Findings() []model.Finding {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Finding, len(c.findings))
	copy(out, c.findings)
	return out
}

// Failed reports whether a rule panicked.
func (c *Classifier) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// Dropped is the number of findings discarded over the cap.
func (c *Classifier) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

var nmapRules = []Rule{
	{
		Category: "vulnerability",
		Severity: model.SeverityHigh,
		Pattern:  regexp.MustCompile(`^\|[_ ]*(?P<desc>.*\bVULNERABLE\b.*)$`),
	},
	{
		Category: "os",
		Severity: model.SeverityInfo,
		Pattern:  regexp.MustCompile(`^(?:OS details|Running|Aggressive OS guesses): (?P<desc>.+)$`),
	},
	{
		Category: "service-info",
		Severity: model.SeverityInfo,
		Pattern:  regexp.MustCompile(`^Service Info: (?P<desc>.+)$`),
	},
	{
		Category: "script",
		Severity: model.SeverityInfo,
		Pattern:  regexp.MustCompile(`^\|_?(?P<desc>[\w\-]+: .+)$`),
	},
}

var niktoRules = []Rule{
	{
		Skip:    true,
		Pattern: regexp.MustCompile(`^\+ (?:Target (?:IP|Hostname|Port)|Start Time|End Time|\d+ host\(s\) tested|\d+ requests?|\d+ error\(s\)|SSL Info|Scan terminated|No CGI Directories)`),
	},
	{
		Category: "server-banner",
		Severity: model.SeverityInfo,
		Pattern:  regexp.MustCompile(`^\+ (?:(?P<loc>/\S*): )?(?P<desc>Server: .+)$`),
	},
	{
		Category: "missing-header",
		Severity: model.SeverityLow,
		Pattern:  regexp.MustCompile(`^\+ (?:(?P<loc>/\S*): )?(?P<desc>.*header is not (?:present|defined|set).*)$`),
	},
	{
		Category: "vulnerability",
		Severity: model.SeverityMedium,
		Pattern:  regexp.MustCompile(`(?i)^\+ (?:(?P<loc>/\S*): )?(?P<desc>.*(?:OSVDB|CVE-\d{4}-\d+|vulnerab|injection|XSS|remote code|backdoor|default (?:file|account|password)).*)$`),
	},
	{
		Category: "interesting-path",
		Severity: model.SeverityLow,
		Pattern:  regexp.MustCompile(`^\+ (?P<loc>/\S*): (?P<desc>.+)$`),
	},
	{
		Category: "observation",
		Severity: model.SeverityInfo,
		Pattern:  regexp.MustCompile(`^\+ (?P<desc>.+)$`),
	},
}

func describeNuclei(g map[string]string) string {
	if g["extra"] != "" {
		return fmt.Sprintf("%s: %s", g["cat"], g["extra"])
	}
	return g["cat"]
}

var nucleiRules = []Rule{
	{
		Pattern:  regexp.MustCompile(`^\[(?P<cat>[^\]]+)\] \[(?P<proto>[^\]]+)\] \[(?P<sev>critical|high|medium|low|info|unknown)\] (?P<loc>\S+)(?: \[(?P<extra>.*)\])?`),
		Describe: describeNuclei,
	},
	{
		Severity: model.SeverityInfo,
		Pattern:  regexp.MustCompile(`^\[(?P<cat>[^\]]+)\] \[(?P<proto>[^\]]+)\] (?P<loc>\S+)(?: \[(?P<extra>.*)\])?$`),
		Describe: describeNuclei,
	},
}

func describeGobuster(g map[string]string) string {
	if g["size"] != "" {
		return fmt.Sprintf("%s returned status %s (%s bytes)", g["loc"], g["status"], g["size"])
	}
	return fmt.Sprintf("%s returned status %s", g["loc"], g["status"])
}

var gobusterRules = []Rule{
	{
		Category: "sensitive-path",
		Severity: model.SeverityMedium,
		Pattern:  regexp.MustCompile(`(?i)^(?:Found: )?(?P<loc>/\S*(?:\.git|\.env|\.svn|\.htpasswd|\.bak|\.sql|backup|admin|phpmyadmin|config)\S*)\s+\(Status: (?P<status>\d{3})\)(?:\s+\[Size: (?P<size>\d+)\])?`),
		Describe: describeGobuster,
	},
	{
		Category: "path",
		Severity: model.SeverityInfo,
		Pattern:  regexp.MustCompile(`^(?:Found: )?(?P<loc>/\S*)\s+\(Status: (?P<status>\d{3})\)(?:\s+\[Size: (?P<size>\d+)\])?`),
		Describe: describeGobuster,
	},
}

var sqlmapRules = []Rule{
	{
		Category: "sql-injection",
		Severity: model.SeverityCritical,
		Pattern:  regexp.MustCompile(`(?i)parameter '(?P<loc>[^']+)' (?:appears to be|is) '(?P<technique>[^']+)' injectable`),
		Describe: func(g map[string]string) string {
			return fmt.Sprintf("parameter %s is injectable (%s)", g["loc"], g["technique"])
		},
	},
	{
		Category: "sql-injection",
		Severity: model.SeverityCritical,
		Pattern:  regexp.MustCompile(`(?i)parameter '(?P<loc>[^']+)' is vulnerable`),
		Describe: func(g map[string]string) string {
			return fmt.Sprintf("parameter %s is vulnerable", g["loc"])
		},
	},
	{
		Category: "injectable-parameter",
		Severity: model.SeverityHigh,
		Pattern:  regexp.MustCompile(`^Parameter: (?P<loc>.+)$`),
	},
	{
		Category: "dbms",
		Severity: model.SeverityInfo,
		Pattern:  regexp.MustCompile(`back-end DBMS(?::| is) (?P<desc>.+)$`),
		Describe: func(g map[string]string) string {
			return "back-end DBMS: " + g["desc"]
		},
	},
	{
		Category: "protection",
		Severity: model.SeverityLow,
		Pattern:  regexp.MustCompile(`(?i)\[WARNING\] (?P<desc>.*(?:WAF|IPS|protection).*)$`),
	},
	{
		Category: "sqlmap",
		Severity: model.SeverityInfo,
		Pattern:  regexp.MustCompile(`\[CRITICAL\] (?P<desc>.+)$`),
	},
}

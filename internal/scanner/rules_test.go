package scanner

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/aegis/internal/model"
)

// classify runs rules over a complete output.
func classify(rules []Rule, output string) []model.Finding {
	c := NewClassifier(rules)
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		c.Feed(line)
	}
	return c.Findings()
}

func TestClassifyNmap(t *testing.T) {
	t.Parallel()

	out := `Starting Nmap 7.94 ( https://nmap.org )
80/tcp  open  http
| http-vuln-cve2017-5638: VULNERABLE:
|_http-title: Welcome
Service Info: OS: Linux; CPE: cpe:/o:linux:linux_kernel
`
	findings := classify(nmapRules, out)
	require.Len(t, findings, 3)

	assert.Equal(t, "vulnerability", findings[0].Category)
	assert.Equal(t, model.SeverityHigh, findings[0].Severity)
	assert.Equal(t, "http-vuln-cve2017-5638: VULNERABLE:", findings[0].Description)

	assert.Equal(t, "script", findings[1].Category)
	assert.Equal(t, "http-title: Welcome", findings[1].Description)

	assert.Equal(t, "service-info", findings[2].Category)
	assert.Equal(t, model.SeverityInfo, findings[2].Severity)
}

func TestClassifyPortLinesProduceNoFindings(t *testing.T) {
	t.Parallel()

	findings := classify(nmapRules, "80/tcp open http\n443/tcp open https\n")
	assert.NotNil(t, findings)
	assert.Empty(t, findings)
}

func TestClassifyNikto(t *testing.T) {
	t.Parallel()

	out := `- Nikto v2.5.0
+ Target IP:          93.184.216.34
+ Start Time:         2024-03-01 10:00:00
+ Server: Apache/2.4.41 (Ubuntu)
+ /: The anti-clickjacking X-Frame-Options header is not present.
+ /admin/: Admin directory found.
+ OSVDB-3092: /config/: This might be interesting.
+ 8102 requests: 0 error(s) and 4 item(s) reported on remote host
`
	findings := classify(niktoRules, out)
	require.Len(t, findings, 4)

	assert.Equal(t, model.Finding{Category: "server-banner", Severity: model.SeverityInfo, Description: "Server: Apache/2.4.41 (Ubuntu)"}, findings[0])
	assert.Equal(t, "missing-header", findings[1].Category)
	assert.Equal(t, model.SeverityLow, findings[1].Severity)
	assert.Equal(t, "/", findings[1].Location)
	assert.Equal(t, "interesting-path", findings[2].Category)
	assert.Equal(t, "/admin/", findings[2].Location)
	assert.Equal(t, "vulnerability", findings[3].Category)
	assert.Equal(t, model.SeverityMedium, findings[3].Severity)
}

func TestClassifyNuclei(t *testing.T) {
	t.Parallel()

	out := `[git-config] [http] [medium] http://example.com/.git/config
[tech-detect:nginx] [http] [info] http://example.com [nginx]
[weird-template] [dns] example.com
`
	findings := classify(nucleiRules, out)
	require.Len(t, findings, 3)

	assert.Equal(t, model.Finding{
		Category:    "git-config",
		Severity:    model.SeverityMedium,
		Description: "git-config",
		Location:    "http://example.com/.git/config",
	}, findings[0])
	assert.Equal(t, "tech-detect:nginx: nginx", findings[1].Description)
	assert.Equal(t, model.SeverityInfo, findings[1].Severity)
	assert.Equal(t, model.SeverityInfo, findings[2].Severity)
	assert.Equal(t, "example.com", findings[2].Location)
}

func TestClassifyGobuster(t *testing.T) {
	t.Parallel()

	out := `/admin                (Status: 301) [Size: 312] [--> /admin/]
/index.html           (Status: 200) [Size: 1024]
/.env (Status: 200)
`
	findings := classify(gobusterRules, out)
	require.Len(t, findings, 3)

	assert.Equal(t, "sensitive-path", findings[0].Category)
	assert.Equal(t, model.SeverityMedium, findings[0].Severity)
	assert.Equal(t, "/admin returned status 301 (312 bytes)", findings[0].Description)
	assert.Equal(t, "path", findings[1].Category)
	assert.Equal(t, "/index.html", findings[1].Location)
	assert.Equal(t, "/.env returned status 200", findings[2].Description)
}

func TestClassifySqlmap(t *testing.T) {
	t.Parallel()

	out := `[10:00:01] [INFO] testing connection to the target URL
[10:00:05] [INFO] GET parameter 'id' appears to be 'AND boolean-based blind - WHERE or HAVING clause' injectable
[10:00:09] [INFO] the back-end DBMS is MySQL
[10:00:10] [CRITICAL] all tested parameters do not appear to be injectable
`
	findings := classify(sqlmapRules, out)
	require.Len(t, findings, 3)

	assert.Equal(t, model.SeverityCritical, findings[0].Severity)
	assert.Equal(t, "id", findings[0].Location)
	assert.Equal(t, "parameter id is injectable (AND boolean-based blind - WHERE or HAVING clause)", findings[0].Description)
	assert.Equal(t, "back-end DBMS: MySQL", findings[1].Description)
	assert.Equal(t, "sqlmap", findings[2].Category)
}

func TestClassifierCap(t *testing.T) {
	t.Parallel()

	c := NewClassifier([]Rule{{Category: "line", Severity: model.SeverityInfo, Pattern: regexp.MustCompile(`.+`)}})
	for range maxFindings + 10 {
		c.Feed("x")
	}
	assert.Len(t, c.Findings(), maxFindings)
	assert.Equal(t, 10, c.Dropped())
}

func TestClassifierPanicDiscardsFindings(t *testing.T) {
	t.Parallel()

	rules := []Rule{{
		Category: "boom",
		Pattern:  regexp.MustCompile(`^(?P<desc>.+)$`),
		Describe: func(g map[string]string) string {
			if g["desc"] == "explode" {
				panic("bad rule")
			}
			return g["desc"]
		},
	}}
	c := NewClassifier(rules)
	c.Feed("fine")
	require.Len(t, c.Findings(), 1)

	c.Feed("explode")
	c.Feed("after")
	assert.True(t, c.Failed())
	assert.NotNil(t, c.Findings())
	assert.Empty(t, c.Findings())
}

func TestRuleDefaultsUnknownSeverity(t *testing.T) {
	t.Parallel()

	f, ok := Rule{Pattern: regexp.MustCompile(`^x$`)}.apply("x")
	require.True(t, ok)
	assert.Equal(t, model.SeverityUnknown, f.Severity)
	assert.Equal(t, "x", f.Description)
}

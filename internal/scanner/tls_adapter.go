package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/tlsinspect"
	"github.com/jamesruggles/aegis/internal/tools"
)

// expiryWarning is how close to expiry a certificate is flagged.
const expiryWarning = 30 * 24 * time.Hour

// TLSInspector is the part of tlsinspect.Inspector the adapter uses.
type TLSInspector interface {
	AnalyzeCertificate(ctx context.Context, host string, port int) tlsinspect.CertificateResult
	CheckProtocols(ctx context.Context, host string, port int) tlsinspect.ProtocolResult
}

// TLSAdapter wraps the in-process TLS inspector as a tool.
type TLSAdapter struct {
	inspector TLSInspector
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewTLSAdapter returns the tls-inspect adapter.
func NewTLSAdapter(inspector TLSInspector, timeout time.Duration, logger *slog.Logger) *TLSAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TLSAdapter{
		inspector: inspector,
		timeout:   timeout,
		logger:    logger.With("tool", string(model.ToolTLSInspect)),
		now:       time.Now,
	}
}

func (a *TLSAdapter) Name() model.ToolName {
	return model.ToolTLSInspect
}

// IsAvailable is always true; no external program is involved.
func (a *TLSAdapter) IsAvailable() bool {
	return true
}

// BuildArguments returns the host and port that will be inspected.
func (a *TLSAdapter) BuildArguments(target model.Target, opts map[string]string) ([]string, error) {
	if err := checkOptions(model.ToolTLSInspect, opts, "port"); err != nil {
		return nil, err
	}

	host := target.Host()
	if err := tools.ValidateHost(host); err != nil {
		return nil, err
	}

	port := target.TLSPort()
	if p, ok, err := intOption(opts, "port", 1, 65535); err != nil {
		return nil, err
	} else if ok {
		port = p
	}
	return []string{host, strconv.Itoa(port)}, nil
}

func (a *TLSAdapter) Execute(ctx context.Context, target model.Target, opts map[string]string, onLine LineFunc) model.ToolResult {
	start := time.Now()

	args, err := a.BuildArguments(target, opts)
	if err != nil {
		return model.Failed(model.ToolTLSInspect, "invalid arguments: "+err.Error())
	}
	host := args[0]
	port, _ := strconv.Atoi(args[1])

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	cert := a.inspector.AnalyzeCertificate(ctx, host, port)
	protos := a.inspector.CheckProtocols(ctx, host, port)

	var raw strings.Builder
	emit := func(format string, args ...any) {
		line := fmt.Sprintf(format, args...)
		raw.WriteString(line)
		raw.WriteByte('\n')
		if onLine != nil {
			onLine(tools.OutputLine{Timestamp: time.Now(), Tool: string(model.ToolTLSInspect), Stream: "stdout", Line: line})
		}
	}

	location := host + ":" + strconv.Itoa(port)
	if c := cert.Certificate; c != nil {
		emit("subject: %s", c.Subject)
		emit("issuer: %s", c.Issuer)
		emit("valid: %s - %s", c.ValidFrom.Format(time.RFC3339), c.ValidTo.Format(time.RFC3339))
		emit("negotiated: %s %s", c.Version, c.CipherSuite)
	} else if cert.Error != "" {
		emit("certificate: %s", cert.Error)
	}
	for _, v := range tlsinspect.Versions {
		emit("%s: %t", v, protos.Protocols[v])
	}

	res := model.ToolResult{
		Tool:       model.ToolTLSInspect,
		Success:    cert.Success,
		RawOutput:  raw.String(),
		Findings:   TLSFindings(cert, protos, location, a.now()),
		Services:   []model.Service{},
		Error:      cert.Error,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if !res.Success && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.Error = model.ErrMsgTimeout
	}

	a.logger.Info("tool finished", "success", res.Success, "findings", len(res.Findings), "duration_ms", res.DurationMS)
	return res.Normalize()
}

// TLSFindings converts inspection results into findings.
func TLSFindings(cert tlsinspect.CertificateResult, protos tlsinspect.ProtocolResult, location string, now time.Time) []model.Finding {
	findings := []model.Finding{}
	add := func(category string, sev model.Severity, desc string) {
		findings = append(findings, model.Finding{Category: category, Severity: sev, Description: desc, Location: location})
	}

	if c := cert.Certificate; cert.Success && c != nil {
		switch {
		case now.After(c.ValidTo):
			add("certificate-expired", model.SeverityHigh, "certificate expired on "+c.ValidTo.Format(time.DateOnly))
		case now.Before(c.ValidFrom):
			add("certificate-not-yet-valid", model.SeverityHigh, "certificate is not valid before "+c.ValidFrom.Format(time.DateOnly))
		case c.ValidTo.Sub(now) < expiryWarning:
			days := int(c.ValidTo.Sub(now).Hours() / 24)
			add("certificate-expiring", model.SeverityMedium, fmt.Sprintf("certificate expires in %d days", days))
		}
		if c.SelfSigned {
			add("self-signed-certificate", model.SeverityMedium, "certificate is self-signed: "+c.Subject)
		}
	}

	if protos.Success {
		for _, v := range []string{"TLSv1.0", "TLSv1.1"} {
			if protos.Protocols[v] {
				add("weak-protocol", model.SeverityMedium, v+" is enabled")
			}
		}
		if !protos.Protocols["TLSv1.3"] {
			add("missing-tls13", model.SeverityLow, "TLSv1.3 is not supported")
		}
	}

	if c := cert.Certificate; cert.Success && c != nil {
		add("certificate", model.SeverityInfo, fmt.Sprintf("subject=%s issuer=%s valid until %s, %s %s",
			c.Subject, c.Issuer, c.ValidTo.Format(time.DateOnly), c.Version, c.CipherSuite))
	}

	return findings
}

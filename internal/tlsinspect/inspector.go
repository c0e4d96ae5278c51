// Package tlsinspect performs protocol-level TLS inspection of a host
// without spawning external programs.
package tlsinspect

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	utls "github.com/refraction-networking/utls"
)

// DefaultTimeout bounds each dial and handshake.
const DefaultTimeout = 10 * time.Second

// Protocol versions probed by CheckProtocols, oldest first.
var Versions = []string{"TLSv1.0", "TLSv1.1", "TLSv1.2", "TLSv1.3"}

var versionIDs = map[string]uint16{
	"TLSv1.0": utls.VersionTLS10,
	"TLSv1.1": utls.VersionTLS11,
	"TLSv1.2": utls.VersionTLS12,
	"TLSv1.3": utls.VersionTLS13,
}

// Certificate summarizes the leaf certificate a server presented.
type Certificate struct {
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	ValidFrom          time.Time `json:"valid_from"`
	ValidTo            time.Time `json:"valid_to"`
	Serial             string    `json:"serial"`
	DNSNames           []string  `json:"dns_names"`
	Version            string    `json:"version"`
	CipherSuite        string    `json:"cipher_suite"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	SelfSigned         bool      `json:"self_signed"`
	Verified           bool      `json:"verified"`
	VerifyError        string    `json:"verify_error,omitempty"`
}

// CertificateResult is the outcome of AnalyzeCertificate.
type CertificateResult struct {
	Success     bool         `json:"success"`
	Certificate *Certificate `json:"certificate,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// ProtocolResult is the outcome of CheckProtocols. A version the server
// rejects is recorded as false.
type ProtocolResult struct {
	Success   bool            `json:"success"`
	Protocols map[string]bool `json:"protocols"`
	Error     string          `json:"error,omitempty"`
}

// Inspector dials hosts and inspects their TLS configuration.
type Inspector struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// New returns an Inspector with the given per-connection timeout.
func New(timeout time.Duration, logger *slog.Logger) *Inspector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{Timeout: timeout, Logger: logger}
}

func address(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// AnalyzeCertificate connects to host:port and describes the presented
// certificate. Verification is skipped during the handshake so that
// invalid certificates can still be inspected; chain validity is reported
// separately.
func (i *Inspector) AnalyzeCertificate(ctx context.Context, host string, port int) (res CertificateResult) {
	defer func() {
		if r := recover(); r != nil {
			res = CertificateResult{Error: fmt.Sprintf("certificate analysis panicked: %v", r)}
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, i.Timeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: i.Timeout},
		Config: &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: true, //nolint:gosec // inspection must see invalid certificates
		},
	}

	conn, err := dialer.DialContext(ctx, "tcp", address(host, port))
	if err != nil {
		return CertificateResult{Error: fmt.Sprintf("tls connection failed: %v", err)}
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return CertificateResult{Error: "unexpected connection type"}
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return CertificateResult{Error: "no certificates presented"}
	}

	leaf := state.PeerCertificates[0]
	cert := &Certificate{
		Subject:            leaf.Subject.String(),
		Issuer:             leaf.Issuer.String(),
		ValidFrom:          leaf.NotBefore.UTC(),
		ValidTo:            leaf.NotAfter.UTC(),
		Serial:             leaf.SerialNumber.String(),
		DNSNames:           leaf.DNSNames,
		Version:            tlsVersionName(state.Version),
		CipherSuite:        tls.CipherSuiteName(state.CipherSuite),
		SignatureAlgorithm: leaf.SignatureAlgorithm.String(),
		SelfSigned:         isSelfSigned(leaf),
	}

	intermediates := x509.NewCertPool()
	for _, c := range state.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: host, Intermediates: intermediates}); err != nil {
		cert.VerifyError = err.Error()
	} else {
		cert.Verified = true
	}

	return CertificateResult{Success: true, Certificate: cert}
}

// CheckProtocols attempts one handshake per protocol version. Success is
// false only when the host could not be reached at all.
func (i *Inspector) CheckProtocols(ctx context.Context, host string, port int) (res ProtocolResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ProtocolResult{Protocols: map[string]bool{}, Error: fmt.Sprintf("protocol check panicked: %v", r)}
		}
	}()

	res = ProtocolResult{Protocols: make(map[string]bool, len(Versions))}

	reached := false
	var lastErr error
	for _, name := range Versions {
		ok, err := i.tryVersion(ctx, host, port, versionIDs[name])
		res.Protocols[name] = ok
		if err == nil || !errors.Is(err, errUnreachable) {
			reached = true
		} else {
			lastErr = err
		}
		if err != nil {
			i.Logger.Debug("tls version rejected", "host", host, "port", port, "version", name, "error", err)
		}
	}

	res.Success = reached
	if !reached && lastErr != nil {
		res.Error = lastErr.Error()
	}
	return res
}

var errUnreachable = errors.New("host unreachable")

func (i *Inspector) tryVersion(ctx context.Context, host string, port int, version uint16) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, i.Timeout)
	defer cancel()

	d := &net.Dialer{Timeout: i.Timeout}
	conn, err := d.DialContext(ctx, "tcp", address(host, port))
	if err != nil {
		return false, fmt.Errorf("%w: %v", errUnreachable, err)
	}
	defer conn.Close()

	cfg := &utls.Config{
		ServerName:         host,
		InsecureSkipVerify: true, //nolint:gosec // probing protocol support only
		MinVersion:         version,
		MaxVersion:         version,
	}
	if net.ParseIP(host) != nil {
		cfg.ServerName = ""
	}

	uConn := utls.UClient(conn, cfg, utls.HelloGolang)
	if err := uConn.HandshakeContext(ctx); err != nil {
		return false, fmt.Errorf("handshake failed: %w", err)
	}
	negotiated := uConn.ConnectionState().Version
	_ = uConn.Close()

	return negotiated == version, nil
}

func isSelfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

func tlsVersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLSv1.0"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return fmt.Sprintf("0x%04x", v)
	}
}

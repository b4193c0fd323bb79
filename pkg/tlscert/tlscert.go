// Package tlscert reports the status of the certificate served on the DoT
// listener.
package tlscert

import (
	"crypto/x509"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/monitor"
)

// Expiry thresholds.
const (
	WarningDays  = 30
	CriticalDays = 7
)

// ErrNotConfigured is returned when DoT has no certificate file.
var ErrNotConfigured = errors.New("no DoT certificate configured")

// Report describes one certificate.
type Report struct {
	CommonName      string    `json:"common_name"`
	SANs            []string  `json:"sans"`
	Issuer          string    `json:"issuer"`
	SerialNumber    string    `json:"serial_number"`
	NotBefore       time.Time `json:"not_before"`
	NotAfter        time.Time `json:"not_after"`
	DaysRemaining   int       `json:"days_remaining"`
	Status          string    `json:"status"`
	ChainValid      bool      `json:"chain_valid"`
	ChainError      string    `json:"chain_error,omitempty"`
	ChainLength     int       `json:"chain_length"`
	RenewalEstimate time.Time `json:"renewal_estimate"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Options for Inspect.
type Options struct {
	// Intermediates are added to any certificates following the leaf.
	Intermediates []*x509.Certificate
	// Roots nil means the system pool.
	Roots       *x509.CertPool
	RenewBefore time.Duration
	Now         time.Time
}

// Inspect parses a PEM bundle (leaf first) and builds its report.
func Inspect(bundle []byte, opts Options) (*Report, error) {
	certs, err := certcrypto.ParsePEMBundle(bundle)
	if err != nil {
		return nil, fmt.Errorf("parse certificate bundle: %w", err)
	}
	leaf := certs[0]
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	r := &Report{
		CommonName:   leaf.Subject.CommonName,
		SANs:         certcrypto.ExtractDomains(leaf),
		Issuer:       leaf.Issuer.CommonName,
		SerialNumber: leaf.SerialNumber.Text(16),
		NotBefore:    leaf.NotBefore.UTC(),
		NotAfter:     leaf.NotAfter.UTC(),
		CheckedAt:    now.UTC(),
		ChainLength:  len(certs),
	}
	if r.SANs == nil {
		r.SANs = []string{}
	}
	r.DaysRemaining = DaysRemaining(leaf.NotAfter, now)
	r.Status = StatusFor(r.DaysRemaining)
	r.RenewalEstimate = RenewalEstimate(leaf.NotBefore, leaf.NotAfter, opts.RenewBefore).UTC()

	pool := x509.NewCertPool()
	for _, c := range certs[1:] {
		pool.AddCert(c)
	}
	for _, c := range opts.Intermediates {
		pool.AddCert(c)
	}
	_, verr := leaf.Verify(x509.VerifyOptions{
		Roots:         opts.Roots,
		Intermediates: pool,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if verr != nil {
		r.ChainError = verr.Error()
		if r.Status == monitor.StatusOK {
			r.Status = monitor.StatusWarning
		}
	} else {
		r.ChainValid = true
	}
	return r, nil
}

// DaysRemaining rounds down; an expired certificate reports a negative count.
func DaysRemaining(notAfter, now time.Time) int {
	return int(math.Floor(notAfter.Sub(now).Hours() / 24))
}

// StatusFor maps days remaining to ok, warning or critical.
func StatusFor(days int) string {
	switch {
	case days <= CriticalDays:
		return monitor.StatusCritical
	case days <= WarningDays:
		return monitor.StatusWarning
	default:
		return monitor.StatusOK
	}
}

// RenewalEstimate is notAfter minus renewBefore, or the point two thirds
// into the validity period when renewBefore is unset.
func RenewalEstimate(notBefore, notAfter time.Time, renewBefore time.Duration) time.Time {
	if renewBefore > 0 {
		return notAfter.Add(-renewBefore)
	}
	lifetime := notAfter.Sub(notBefore)
	return notAfter.Add(-lifetime / 3)
}

// Inspector re-reads the configured files at most once per refresh period.
type Inspector struct {
	cfg     config.DoTConfig
	logger  *logging.Logger
	roots   *x509.CertPool
	now     func() time.Time
	refresh time.Duration

	mu      sync.Mutex
	last    *Report
	lastErr error
	loaded  time.Time
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithRoots replaces the system root pool.
func WithRoots(p *x509.CertPool) Option { return func(i *Inspector) { i.roots = p } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(i *Inspector) { i.now = now } }

// WithRefresh sets how long a report is reused.
func WithRefresh(d time.Duration) Option { return func(i *Inspector) { i.refresh = d } }

// NewInspector returns an Inspector for the DoT certificate.
func NewInspector(cfg config.DoTConfig, logger *logging.Logger, opts ...Option) *Inspector {
	i := &Inspector{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		refresh: time.Minute,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Report returns the current certificate report.
func (i *Inspector) Report() (*Report, error) {
	if i.cfg.CertFile == "" {
		return nil, ErrNotConfigured
	}
	now := i.now()

	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.loaded.IsZero() && now.Sub(i.loaded) < i.refresh {
		return i.last, i.lastErr
	}

	i.last, i.lastErr = i.load(now)
	i.loaded = now
	if i.lastErr != nil {
		i.logger.Warn("Certificate inspection failed", "component", "tlscert", "file", i.cfg.CertFile, "error", i.lastErr)
	}
	return i.last, i.lastErr
}

func (i *Inspector) load(now time.Time) (*Report, error) {
	bundle, err := os.ReadFile(i.cfg.CertFile)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	opts := Options{Roots: i.roots, RenewBefore: i.cfg.RenewBefore, Now: now}
	if i.cfg.ChainFile != "" {
		chain, err := os.ReadFile(i.cfg.ChainFile)
		if err != nil {
			return nil, fmt.Errorf("read chain: %w", err)
		}
		opts.Intermediates, err = certcrypto.ParsePEMBundle(chain)
		if err != nil {
			return nil, fmt.Errorf("parse chain: %w", err)
		}
	}
	return Inspect(bundle, opts)
}

// Badge implements monitor.BadgeSource.
func (i *Inspector) Badge() monitor.Badge {
	r, err := i.Report()
	switch {
	case errors.Is(err, ErrNotConfigured):
		return monitor.Badge{Name: "tls", Status: monitor.StatusOK, Detail: "DoT disabled"}
	case err != nil:
		return monitor.Badge{Name: "tls", Status: monitor.StatusCritical, Detail: err.Error()}
	}
	detail := fmt.Sprintf("%s expires in %d days", r.CommonName, r.DaysRemaining)
	if !r.ChainValid {
		detail += "; chain invalid"
	}
	return monitor.Badge{Name: "tls", Status: r.Status, Detail: detail}
}

// Facts sets cert_days_remaining for alert rules.
func (i *Inspector) Facts(env *monitor.AlertEnv) {
	if r, err := i.Report(); err == nil {
		env.CertDaysRemaining = r.DaysRemaining
	}
}

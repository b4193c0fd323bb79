package blocklist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"

	"wequi-guard/pkg/logging"
)

// Downloader fetches and parses category source lists.
type Downloader struct {
	client *http.Client
	logger *logging.Logger
}

// NewDownloader creates a downloader. A nil client gets a 60s timeout client.
func NewDownloader(logger *logging.Logger, client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Downloader{client: client, logger: logger}
}

// Download fetches url and returns the domains it lists.
func (d *Downloader) Download(ctx context.Context, url string) (map[string]struct{}, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	domains, err := Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", url, err)
	}
	d.logger.Debug("List downloaded", "url", url, "domains", len(domains), "duration", time.Since(start))
	return domains, nil
}

// ReadFile parses a local list.
func (d *Downloader) ReadFile(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open list: %w", err)
	}
	defer func() { _ = f.Close() }()

	domains, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return domains, nil
}

// Parse reads hosts-file ("0.0.0.0 domain"), adblock ("||domain^") or plain
// domain-per-line input. Names are returned lowercase without the trailing
// dot. Invalid names are skipped.
func Parse(r io.Reader) (map[string]struct{}, error) {
	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "!") {
			continue
		}
		if name := Normalize(extractDomain(line)); name != "" {
			domains[name] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading list: %w", err)
	}
	return domains, nil
}

func extractDomain(line string) string {
	if strings.HasPrefix(line, "||") {
		name := strings.TrimPrefix(line, "||")
		if i := strings.IndexByte(name, '^'); i >= 0 {
			name = name[:i]
		}
		return name
	}

	fields := strings.Fields(line)
	switch len(fields) {
	case 0:
		return ""
	case 1:
		return fields[0]
	default:
		// hosts format: address then name
		return fields[1]
	}
}

// Normalize lowercases name, strips the trailing dot and rejects anything
// that is not a valid domain name or is a loopback placeholder.
func Normalize(name string) string {
	name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
	switch name {
	case "", "localhost", "localhost.localdomain", "local", "broadcasthost", "0.0.0.0":
		return ""
	}
	if _, err := netip.ParseAddr(name); err == nil {
		return ""
	}
	if _, ok := dns.IsDomainName(name); !ok {
		return ""
	}
	return name
}

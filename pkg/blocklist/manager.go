// Package blocklist maintains the per-category domain sets the classifier
// matches queries against.
package blocklist

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/logging"
	"wequi-guard/pkg/telemetry"
)

// Category is one named domain set.
type Category struct {
	Name    string
	Label   string
	domains map[string]struct{}
}

// Size returns the number of listed domains.
func (c *Category) Size() int { return len(c.domains) }

// Snapshot is an immutable view of every category, in evaluation order.
type Snapshot struct {
	categories []*Category
	byName     map[string]*Category
	UpdatedAt  time.Time
}

// NewSnapshot builds a snapshot from inline domain sets; used by tests and
// the initial load.
func NewSnapshot(order []string, sets map[string][]string) *Snapshot {
	s := &Snapshot{byName: make(map[string]*Category, len(order))}
	for _, name := range order {
		c := &Category{Name: name, Label: name, domains: make(map[string]struct{})}
		for _, d := range sets[name] {
			if n := Normalize(d); n != "" {
				c.domains[n] = struct{}{}
			}
		}
		s.categories = append(s.categories, c)
		s.byName[name] = c
	}
	return s
}

// Categories returns categories in evaluation order.
func (s *Snapshot) Categories() []*Category {
	return s.categories
}

// Has reports whether name is a known category.
func (s *Snapshot) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Match reports whether qname, or any parent of it, is listed in category.
// The listed suffix that matched is returned.
func (s *Snapshot) Match(category, qname string) (string, bool) {
	c, ok := s.byName[category]
	if !ok || len(c.domains) == 0 {
		return "", false
	}
	name := strings.TrimSuffix(strings.ToLower(qname), ".")
	for name != "" {
		if _, ok := c.domains[name]; ok {
			return name, true
		}
		i := strings.IndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[i+1:]
	}
	return "", false
}

// Size returns the total domains across categories.
func (s *Snapshot) Size() int {
	n := 0
	for _, c := range s.categories {
		n += len(c.domains)
	}
	return n
}

// Manager loads category sources and swaps snapshots atomically.
type Manager struct {
	mu         sync.Mutex
	cfg        config.PolicyConfig
	downloader *Downloader
	logger     *logging.Logger
	metrics    *telemetry.Metrics

	current atomic.Pointer[Snapshot]

	stop    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewManager creates a manager holding an inline-only snapshot until the
// first Update.
func NewManager(cfg config.PolicyConfig, logger *logging.Logger, metrics *telemetry.Metrics, client *http.Client) *Manager {
	m := &Manager{
		cfg:        cfg,
		downloader: NewDownloader(logger, client),
		logger:     logger,
		metrics:    metrics,
	}
	m.current.Store(inlineSnapshot(cfg))
	return m
}

func inlineSnapshot(cfg config.PolicyConfig) *Snapshot {
	order := make([]string, 0, len(cfg.Categories))
	sets := make(map[string][]string, len(cfg.Categories))
	for _, c := range cfg.Categories {
		order = append(order, c.Name)
		sets[c.Name] = c.Domains
	}
	s := NewSnapshot(order, sets)
	for i, c := range cfg.Categories {
		s.categories[i].Label = c.Label
	}
	s.UpdatedAt = time.Now()
	return s
}

// Snapshot returns the current category view.
func (m *Manager) Snapshot() *Snapshot {
	return m.current.Load()
}

// Start performs the initial load and, if enabled, the periodic refresh.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	if err := m.Update(ctx); err != nil {
		m.logger.Error("Initial category load failed", "component", "blocklist", "error", err)
	}

	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()
	m.stop = make(chan struct{})
	if cfg.AutoUpdate && cfg.UpdateInterval > 0 {
		m.wg.Add(1)
		go m.updateLoop(ctx, cfg.UpdateInterval)
	}
}

func (m *Manager) updateLoop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.Update(ctx); err != nil {
				m.logger.Error("Category refresh failed", "component", "blocklist", "error", err)
			}
		}
	}
}

// Stop halts the refresh loop.
func (m *Manager) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}
	close(m.stop)
	m.wg.Wait()
}

// Reload applies new category definitions and reloads sources.
func (m *Manager) Reload(ctx context.Context, cfg config.PolicyConfig) error {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return m.Update(ctx)
}

// Update rebuilds every category from inline domains, files and URLs. A
// failing source is logged and skipped; the rest of the category loads.
func (m *Manager) Update(ctx context.Context) error {
	m.mu.Lock()
	cfg := m.cfg
	m.mu.Unlock()

	start := time.Now()
	next := inlineSnapshot(cfg)

	for i, cc := range cfg.Categories {
		cat := next.categories[i]
		for _, path := range cc.Files {
			domains, err := m.downloader.ReadFile(path)
			if err != nil {
				m.logger.Error("Failed to read category file", "component", "blocklist", "category", cc.Name, "path", path, "error", err)
				continue
			}
			for d := range domains {
				cat.domains[d] = struct{}{}
			}
		}
		for _, url := range cc.URLs {
			if err := ctx.Err(); err != nil {
				return err
			}
			domains, err := m.downloader.Download(ctx, url)
			if err != nil {
				m.logger.Error("Failed to download category list", "component", "blocklist", "category", cc.Name, "url", url, "error", err)
				continue
			}
			for d := range domains {
				cat.domains[d] = struct{}{}
			}
		}
	}
	next.UpdatedAt = time.Now()

	prev := m.current.Swap(next)
	if m.metrics != nil && m.metrics.BlocklistDomains != nil {
		m.metrics.BlocklistDomains.Add(ctx, int64(next.Size()-prev.Size()))
	}

	m.logger.Info("Categories loaded",
		"categories", len(next.categories),
		"total_domains", next.Size(),
		"duration", time.Since(start))
	return nil
}

// Stats returns per-category domain counts.
func (m *Manager) Stats() map[string]int {
	s := m.current.Load()
	stats := make(map[string]int, len(s.categories)+1)
	for _, c := range s.categories {
		stats[c.Name] = len(c.domains)
	}
	stats["total"] = s.Size()
	return stats
}

package blocklist

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wequi-guard/pkg/config"
	"wequi-guard/pkg/logging"
)

func TestParse(t *testing.T) {
	input := `# comment
0.0.0.0 Ads.Example.com
127.0.0.1 localhost
||tracker.example.net^
plain.example.org.
10.0.0.1
! adblock comment
bad..name
`
	domains, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	for _, want := range []string{"ads.example.com", "tracker.example.net", "plain.example.org"} {
		assert.Contains(t, domains, want)
	}
	assert.NotContains(t, domains, "localhost")
	assert.NotContains(t, domains, "10.0.0.1")
	assert.Len(t, domains, 3)
}

func TestSnapshotSuffixMatch(t *testing.T) {
	s := NewSnapshot([]string{"ads", "gambling"}, map[string][]string{
		"ads":      {"doubleclick.net"},
		"gambling": {"pokerclub.net"},
	})

	got, ok := s.Match("gambling", "www.PokerClub.net.")
	assert.True(t, ok)
	assert.Equal(t, "pokerclub.net", got)

	_, ok = s.Match("gambling", "notpokerclub.net")
	assert.False(t, ok, "suffix match is label aligned")

	_, ok = s.Match("ads", "pokerclub.net")
	assert.False(t, ok)

	_, ok = s.Match("unknown", "doubleclick.net")
	assert.False(t, ok)

	assert.Equal(t, 2, s.Size())
	assert.True(t, s.Has("ads"))
}

func TestManagerLoadsSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("0.0.0.0 casino.example\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	file := filepath.Join(dir, "malware.txt")
	require.NoError(t, os.WriteFile(file, []byte("evil.example\n"), 0o600))

	cfg := config.PolicyConfig{Categories: []config.CategoryConfig{
		{Name: "malware", Files: []string{file, filepath.Join(dir, "missing.txt")}},
		{Name: "gambling", Domains: []string{"pokerclub.net"}, URLs: []string{srv.URL}},
	}}
	m := NewManager(cfg, logging.NewDiscard(), nil, srv.Client())

	// Inline domains are available before the first update.
	_, ok := m.Snapshot().Match("gambling", "pokerclub.net")
	assert.True(t, ok)

	require.NoError(t, m.Update(context.Background()))

	snap := m.Snapshot()
	_, ok = snap.Match("malware", "a.evil.example")
	assert.True(t, ok)
	_, ok = snap.Match("gambling", "casino.example")
	assert.True(t, ok)
	assert.Equal(t, map[string]int{"malware": 1, "gambling": 2, "total": 3}, m.Stats())
}

func TestManagerReload(t *testing.T) {
	m := NewManager(config.PolicyConfig{Categories: []config.CategoryConfig{{Name: "ads", Domains: []string{"a.example"}}}},
		logging.NewDiscard(), nil, nil)
	before := m.Snapshot()

	require.NoError(t, m.Reload(context.Background(), config.PolicyConfig{Categories: []config.CategoryConfig{
		{Name: "ads", Domains: []string{"b.example"}},
	}}))

	_, ok := before.Match("ads", "a.example")
	assert.True(t, ok, "old snapshot is immutable")
	_, ok = m.Snapshot().Match("ads", "a.example")
	assert.False(t, ok)
	_, ok = m.Snapshot().Match("ads", "b.example")
	assert.True(t, ok)
}

package safesearch

import (
	"testing"

	"wequi-guard/pkg/config"
)

func TestDefaultTable(t *testing.T) {
	table := Default()

	tests := []struct {
		qname      string
		provider   string
		restricted string
	}{
		{"google.com.", "google", "forcesafesearch.google.com"},
		{"WWW.Google.com", "google", "forcesafesearch.google.com"},
		{"www.bing.com", "bing", "strict.bing.com"},
		{"duckduckgo.com", "duckduckgo", "safe.duckduckgo.com"},
		{"m.youtube.com", "youtube", "restrict.youtube.com"},
	}

	for _, tt := range tests {
		p, ok := table.Lookup(tt.qname)
		if !ok {
			t.Errorf("Lookup(%s) found nothing", tt.qname)
			continue
		}
		if p.Name != tt.provider || p.Restricted != tt.restricted {
			t.Errorf("Lookup(%s) = %s/%s, want %s/%s", tt.qname, p.Name, p.Restricted, tt.provider, tt.restricted)
		}
	}
}

func TestLookupMisses(t *testing.T) {
	table := Default()
	for _, name := range []string{"forcesafesearch.google.com", "mail.google.com", "example.com", ""} {
		if _, ok := table.Lookup(name); ok {
			t.Errorf("Lookup(%q) should not match", name)
		}
	}
}

func TestCustomTable(t *testing.T) {
	table := New([]config.SafeSearchProvider{
		{Name: "Pixabay", Domains: []string{"pixabay.com"}, Restricted: "safesearch.pixabay.com."},
	})
	p, ok := table.Provider("pixabay")
	if !ok {
		t.Fatal("provider missing")
	}
	if p.Restricted != "safesearch.pixabay.com" {
		t.Errorf("Restricted = %s", p.Restricted)
	}
	if names := table.Names(); len(names) != 1 || names[0] != "pixabay" {
		t.Errorf("Names() = %v", names)
	}
}

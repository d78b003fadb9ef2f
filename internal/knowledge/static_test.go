package knowledge

import (
	"os"
	"path/filepath"
	"testing"
)

func TestQueryRanksByHits(t *testing.T) {
	p := NewStaticProvider([]Snippet{
		{Title: "gas", Content: "transfers cost 21000 gas", Keywords: []string{"send"}},
		{Title: "checksum", Content: "EIP-55 mixed case", Keywords: []string{"send", "address"}, Tags: []string{"validate"}},
		{Title: "deploy", Content: "creation has no to", Keywords: []string{"deploy"}},
	}, 2)

	got := p.Query("Send 1 ETH to address Bob", []string{"transfer", "validate"})
	if len(got) != 2 {
		t.Fatalf("expected 2 snippets, got %d", len(got))
	}
	if got[0].Title != "checksum" || got[1].Title != "gas" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if cards := Cards(got); len(cards) != 2 || cards[0].Title != "checksum" {
		t.Fatalf("unexpected cards %+v", cards)
	}
	var nilProvider *StaticProvider
	if nilProvider.Query("x", nil) != nil {
		t.Fatalf("nil provider must return nil")
	}
}

func TestLoadStaticProviderFormats(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "k.json")
	yamlPath := filepath.Join(dir, "k.yaml")
	if err := os.WriteFile(jsonPath, []byte(`[{"title":"a","content":"b"}]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(yamlPath, []byte("- title: c\n  content: d\n  keywords: [deploy]\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadStaticProvider(jsonPath, 0)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if got := p.Query("anything", nil); len(got) != 1 || got[0].Title != "a" {
		t.Fatalf("unexpected json result %+v", got)
	}

	p, err = LoadStaticProvider(yamlPath, 0)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if got := p.Query("deploy 0x60", nil); len(got) != 1 || got[0].Title != "c" {
		t.Fatalf("unexpected yaml result %+v", got)
	}

	if _, err := LoadStaticProvider("", 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

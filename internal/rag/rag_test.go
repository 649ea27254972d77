package rag

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"blacksky.com/maurice/internal/store"
)

type staticSearcher struct {
	results []Result
	err     error
}

func (s staticSearcher) Search(context.Context, string, int) ([]Result, error) {
	return s.results, s.err
}

func sentence(n int, letter string) string {
	return strings.Repeat(letter, n-1) + "."
}

func TestBuild_NeverExceedsBudgetOrCutsChunks(t *testing.T) {
	a := Result{Text: sentence(100, "a"), Score: 0.9}
	b := Result{Text: sentence(300, "b"), Score: 0.8}
	c := Result{Text: sentence(50, "c"), Score: 0.7}
	d := Result{Text: sentence(100, "d"), Score: 0.6}
	e := Result{Text: sentence(60, "e"), Score: 0.5}

	builder := NewContextBuilder(staticSearcher{results: []Result{c, a, e, b, d}}, 5, 300, zerolog.Nop())
	out := builder.Build(context.Background(), "anything")

	if n := utf8.RuneCountInString(out); n > 300 {
		t.Fatalf("context is %d characters, budget 300", n)
	}
	want := strings.Join([]string{contextHeader, a.Text, c.Text, e.Text}, "\n\n")
	if out != want {
		t.Fatalf("context =\n%q\nwant\n%q", out, want)
	}
	if _, n := builder.BuildCounted(context.Background(), "anything"); n != 3 {
		t.Fatalf("BuildCounted chunks = %d, want 3", n)
	}
}

func TestBuild_BudgetSweep(t *testing.T) {
	var results []Result
	for i := 0; i < 12; i++ {
		results = append(results, Result{Text: sentence(40+i*17, string(rune('a'+i))), Score: float64(i) / 12})
	}
	for budget := 0; budget < 700; budget += 13 {
		out := NewContextBuilder(staticSearcher{results: results}, 12, budget, zerolog.Nop()).Build(context.Background(), "q")
		if n := utf8.RuneCountInString(out); n > budget {
			t.Fatalf("budget %d: got %d characters", budget, n)
		}
		if out == "" {
			continue
		}
		for _, part := range strings.Split(out, "\n\n")[1:] {
			if !strings.HasSuffix(part, ".") {
				t.Fatalf("budget %d: chunk cut mid-sentence: %q", budget, part)
			}
		}
	}
}

func TestBuild_DegradesToEmpty(t *testing.T) {
	ctx := context.Background()
	if out := NewContextBuilder(staticSearcher{}, 3, 1000, zerolog.Nop()).Build(ctx, "q"); out != "" {
		t.Errorf("no results: %q", out)
	}
	failing := staticSearcher{err: errors.New("vector search unavailable")}
	if out := NewContextBuilder(failing, 3, 1000, zerolog.Nop()).Build(ctx, "q"); out != "" {
		t.Errorf("search error: %q", out)
	}
	var nilBuilder *ContextBuilder
	if out := nilBuilder.Build(ctx, "q"); out != "" {
		t.Errorf("nil builder: %q", out)
	}
}

func TestBuild_StripsMarkdown(t *testing.T) {
	out, n := assemble([]Result{{Text: "## Services\n---\nWe build apps.", Score: 1}}, 1000)
	if strings.Contains(out, "#") || strings.Contains(out, "---") {
		t.Fatalf("markdown left in %q", out)
	}
	if n != 1 {
		t.Fatalf("chunks = %d", n)
	}
}

type fakeEmbedder map[string][]float32

func (f fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f[text]; ok {
		return v, nil
	}
	return nil, errors.New("unknown text")
}

type memoryChunks struct {
	chunks  []store.DataChunk
	written map[string][]store.DataChunk
}

func (m *memoryChunks) GetAllDataChunks(context.Context) ([]store.DataChunk, error) {
	return m.chunks, nil
}

func (m *memoryChunks) ReplaceDocumentChunks(_ context.Context, sourceID string, chunks []store.DataChunk) error {
	if m.written == nil {
		m.written = map[string][]store.DataChunk{}
	}
	m.written[sourceID] = chunks
	return nil
}

func TestEmbeddingSearcher_RanksAndFilters(t *testing.T) {
	src := &memoryChunks{chunks: []store.DataChunk{
		{ID: 1, SourceID: "services.md", Content: "web apps", Embedding: []float32{1, 0}},
		{ID: 2, SourceID: "about.md", Content: "history", Embedding: []float32{0, 1}},
		{ID: 3, SourceID: "services.md", Content: "mobile apps", Embedding: []float32{0.9, 0.2}},
		{ID: 4, SourceID: "broken.md", Content: "no vector"},
	}}
	emb := fakeEmbedder{"apps": {1, 0}}
	s, err := NewEmbeddingSearcher(context.Background(), src, emb, 0.5, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEmbeddingSearcher: %v", err)
	}
	if s.Len() != 4 {
		t.Fatalf("Len = %d", s.Len())
	}

	results, err := s.Search(context.Background(), "apps", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[0].Text != "web apps" || results[1].Text != "mobile apps" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].SourceID != "services.md" {
		t.Fatalf("source id = %q", results[0].SourceID)
	}

	if results, _ := s.Search(context.Background(), "apps", 1); len(results) != 1 {
		t.Fatalf("k=1 returned %d results", len(results))
	}
	if _, err := s.Search(context.Background(), "unknown", 3); err == nil {
		t.Fatal("embedding failure not reported")
	}
}

func TestCosineSimilarity(t *testing.T) {
	got, err := CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
	if err != nil || math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors = %v, %v", got, err)
	}
	if got, _ := CosineSimilarity([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Fatalf("orthogonal vectors = %v", got)
	}
	if _, err := CosineSimilarity([]float32{1}, []float32{1, 2}); err == nil {
		t.Fatal("dimension mismatch accepted")
	}
	if _, err := CosineSimilarity(nil, []float32{1}); err == nil {
		t.Fatal("empty vector accepted")
	}
}

func TestSplitIntoChunks(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 40; i++ {
		b.WriteString("Blacksky builds software for federal and commercial clients. ")
	}
	text := b.String()

	chunks := SplitIntoChunks(text, 500, 50)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 500 {
			t.Fatalf("chunk %d has %d characters", i, n)
		}
		if i < len(chunks)-1 && !strings.HasSuffix(c, ".") {
			t.Fatalf("chunk %d does not end on a sentence: %q", i, c[len(c)-20:])
		}
	}

	if got := SplitIntoChunks("short text", 500, 50); len(got) != 1 || got[0] != "short text" {
		t.Fatalf("short text = %q", got)
	}
	if got := SplitIntoChunks("", 500, 50); got != nil {
		t.Fatalf("empty text = %q", got)
	}
}

func TestIngestDir(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"services.md":       "We build apps.",
		"_template.md":      "Template text.",
		"notes/history.txt": "Founded in 2019.",
		"logo.png":          "not text",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	sink := &memoryChunks{}
	emb := fakeEmbedder{"We build apps.": {1, 0}, "Founded in 2019.": {0, 1}}
	in := NewIngester(sink, emb, 500, 50, zerolog.Nop())
	in.interval = 0

	n, err := in.IngestDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("IngestDir: %v", err)
	}
	if n != 2 {
		t.Fatalf("ingested %d chunks, want 2", n)
	}
	var sources []string
	for s := range sink.written {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	if strings.Join(sources, ",") != "notes/history.txt,services.md" {
		t.Fatalf("sources = %v", sources)
	}

	if _, err := in.IngestDocument(context.Background(), "bad.md", "Cannot embed this."); err == nil {
		t.Fatal("document with no embeddable chunk accepted")
	}
	if _, ok := sink.written["bad.md"]; ok {
		t.Fatal("failed document overwrote stored chunks")
	}
}

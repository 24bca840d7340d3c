package ingest

import (
	"fmt"
	"strings"
	"testing"
)

func words(n, offset int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("w%03d", offset+i)
	}
	return strings.Join(out, " ")
}

func TestSplitShortTextStaysWhole(t *testing.T) {
	c := NewChunker(DefaultChunkConfig())
	text := "ejecutar EC85 y revisar la orden de lectura"

	chunks, truncated := c.Split(text)
	if truncated {
		t.Fatal("short text reported truncated")
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].Content != text {
		t.Errorf("content = %q, want whole text", chunks[0].Content)
	}
	if chunks[0].Index != 0 {
		t.Errorf("index = %d, want 0", chunks[0].Index)
	}
}

func TestSplitEmptyText(t *testing.T) {
	c := NewChunker(DefaultChunkConfig())
	if chunks, _ := c.Split("   \n  "); chunks != nil {
		t.Errorf("expected no chunks for blank text, got %v", chunks)
	}
}

func TestSplitParagraphsWithOverlap(t *testing.T) {
	// Three 16-word paragraphs at ~21 tokens each against a 40-token budget.
	// The first closed chunk is short enough to carry over whole; the second
	// hands on a 12-word tail.
	p1, p2, p3 := words(16, 0), words(16, 16), words(16, 32)
	text := p1 + "\n\n" + p2 + "\n\n" + p3

	c := NewChunker(ChunkConfig{MaxTokens: 40, OverlapTokens: 16, MaxChunks: 50})
	chunks, truncated := c.Split(text)
	if truncated {
		t.Fatal("unexpected truncation")
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %#v", len(chunks), chunks)
	}

	if chunks[0].Content != p1 {
		t.Errorf("chunk 0 = %q, want first paragraph", chunks[0].Content)
	}
	for i := 1; i < len(chunks); i++ {
		tail := c.OverlapTail(chunks[i-1].Content)
		if tail == "" {
			t.Fatalf("chunk %d produced no overlap tail", i-1)
		}
		if !strings.HasPrefix(chunks[i].Content, tail) {
			t.Errorf("chunk %d does not start with previous overlap tail\n tail: %q\nchunk: %q",
				i, tail, chunks[i].Content)
		}
	}

	// Stripping each chunk's inherited tail reconstructs the paragraph sequence.
	rebuilt := []string{chunks[0].Content}
	for i := 1; i < len(chunks); i++ {
		tail := c.OverlapTail(chunks[i-1].Content)
		rest := strings.TrimPrefix(chunks[i].Content, tail)
		rebuilt = append(rebuilt, strings.TrimSpace(rest))
	}
	if got := strings.Join(rebuilt, "\n\n"); got != text {
		t.Errorf("reconstruction mismatch:\n got %q\nwant %q", got, text)
	}

	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has index %d", i, ch.Index)
		}
		if ch.TokenCount != estimateTokens(ch.Content) {
			t.Errorf("chunk %d token count %d, want %d", i, ch.TokenCount, estimateTokens(ch.Content))
		}
	}
}

func TestOverlapTailShortChunkCarriesWhole(t *testing.T) {
	c := NewChunker(ChunkConfig{MaxTokens: 40, OverlapTokens: 16, MaxChunks: 50})

	// At or below 20 words the entire piece is the overlap.
	short := words(16, 0)
	if got := c.OverlapTail(short); got != short {
		t.Errorf("OverlapTail(short) = %q, want whole piece", got)
	}

	// Above 20 words the tail is the last max(10, overlap*3/4) words.
	long := words(30, 0)
	fields := strings.Fields(long)
	want := strings.Join(fields[len(fields)-12:], " ")
	if got := c.OverlapTail(long); got != want {
		t.Errorf("OverlapTail(long) = %q, want last 12 words %q", got, want)
	}

	// A computed tail longer than the piece also hands the piece on whole.
	wide := NewChunker(ChunkConfig{MaxTokens: 400, OverlapTokens: 40, MaxChunks: 50})
	mid := words(25, 0)
	if got := wide.OverlapTail(mid); got != mid {
		t.Errorf("OverlapTail(mid) = %q, want whole piece", got)
	}
}

func TestSplitOversizedParagraphFallsBackToSentences(t *testing.T) {
	// A single paragraph far over budget is re-split on sentence boundaries.
	sentences := []string{words(6, 0), words(6, 6), words(6, 12), words(6, 18)}
	text := strings.Join(sentences, ". ")

	c := NewChunker(ChunkConfig{MaxTokens: 12, OverlapTokens: 0, MaxChunks: 50})
	chunks, truncated := c.Split(text)
	if truncated {
		t.Fatal("unexpected truncation")
	}
	if len(chunks) != 4 {
		t.Fatalf("expected 4 sentence chunks, got %d: %#v", len(chunks), chunks)
	}
	for i, ch := range chunks {
		if !strings.HasPrefix(ch.Content, sentences[i]) {
			t.Errorf("chunk %d = %q, want sentence %q", i, ch.Content, sentences[i])
		}
	}
}

func TestSplitTruncatesAtChunkCeiling(t *testing.T) {
	var paras []string
	for i := 0; i < 10; i++ {
		paras = append(paras, words(8, i*8))
	}
	c := NewChunker(ChunkConfig{MaxTokens: 10, OverlapTokens: 0, MaxChunks: 3})

	chunks, truncated := c.Split(strings.Join(paras, "\n\n"))
	if !truncated {
		t.Fatal("expected truncation")
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks after truncation, got %d", len(chunks))
	}
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash("hola mundo")
	if a != ContentHash("hola mundo") {
		t.Error("hash not stable across calls")
	}
	if len(a) != 64 {
		t.Errorf("hash length %d, want 64 hex chars", len(a))
	}
	if a == ContentHash("hola mundo ") {
		t.Error("trailing whitespace should change the hash")
	}
}

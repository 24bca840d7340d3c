package ingest

import "strings"

const (
	// DefaultMaxTokens is the target token budget per chunk.
	DefaultMaxTokens = 800
	// DefaultOverlapTokens is the token budget of the overlap tail carried
	// between consecutive chunks.
	DefaultOverlapTokens = 150
	// DefaultMaxChunks caps how many chunks one document may produce.
	DefaultMaxChunks = 50
	// minSplitWords is the word count below which a document stays whole.
	minSplitWords = 20
	// minOverlapWords is the floor on the overlap tail length.
	minOverlapWords = 10
	// wholeOverlapWords is the piece length at or below which the whole
	// piece becomes the overlap.
	wholeOverlapWords = 20
)

// ChunkConfig bounds the chunker. Injected at construction so tests can vary
// it per case.
type ChunkConfig struct {
	MaxTokens     int
	OverlapTokens int
	MaxChunks     int
}

// DefaultChunkConfig returns the production chunker bounds.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxTokens:     DefaultMaxTokens,
		OverlapTokens: DefaultOverlapTokens,
		MaxChunks:     DefaultMaxChunks,
	}
}

// Chunk is a text segment ready for embedding.
type Chunk struct {
	Content    string
	Index      int
	TokenCount int
}

// Chunker splits text into overlapping token-bounded segments along
// paragraph boundaries, falling back to sentence boundaries for paragraphs
// that alone exceed the budget.
type Chunker struct {
	cfg ChunkConfig
}

// NewChunker creates a Chunker. Zero config fields fall back to defaults.
func NewChunker(cfg ChunkConfig) *Chunker {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.OverlapTokens < 0 {
		cfg.OverlapTokens = 0
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunks
	}
	return &Chunker{cfg: cfg}
}

// Split chunks text. The second return value reports whether the chunk-count
// ceiling truncated the output.
func (c *Chunker) Split(text string) ([]Chunk, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}
	if wordCount(trimmed) <= minSplitWords {
		return []Chunk{{Content: trimmed, Index: 0, TokenCount: estimateTokens(trimmed)}}, false
	}

	pieces := c.pack(splitParagraphs(trimmed), "\n\n", true)

	truncated := false
	if len(pieces) > c.cfg.MaxChunks {
		pieces = pieces[:c.cfg.MaxChunks]
		truncated = true
	}

	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{Content: p, Index: i, TokenCount: estimateTokens(p)}
	}
	return chunks, truncated
}

// OverlapTail returns the words a chunk hands to its successor. Exposed so
// reconstruction code can strip it again.
func (c *Chunker) OverlapTail(content string) string {
	return overlapTail(content, c.cfg.OverlapTokens)
}

// pack accumulates units into pieces that stay at or below the token budget,
// seeding each new piece with the closed piece's overlap tail. A unit that
// alone exceeds the budget is re-split at sentence granularity when
// splitOversize allows.
func (c *Chunker) pack(units []string, sep string, splitOversize bool) []string {
	var out []string
	var buf []string
	bufTokens := 0
	fresh := 0 // units appended since the last flush

	flush := func() {
		if fresh == 0 {
			return
		}
		piece := strings.Join(buf, sep)
		out = append(out, piece)
		buf = buf[:0]
		bufTokens = 0
		fresh = 0
		if tail := overlapTail(piece, c.cfg.OverlapTokens); tail != "" {
			buf = append(buf, tail)
			bufTokens = estimateTokens(tail)
		}
	}

	for _, u := range units {
		ut := estimateTokens(u)
		if splitOversize && ut > c.cfg.MaxTokens {
			flush()
			// An overlap seed is meaningless across a granularity change.
			buf = buf[:0]
			bufTokens = 0
			out = append(out, c.pack(splitSentences(u), ". ", false)...)
			continue
		}
		if bufTokens+ut > c.cfg.MaxTokens && fresh > 0 {
			flush()
		}
		buf = append(buf, u)
		bufTokens += ut
		fresh++
	}
	flush()
	return out
}

// overlapTail returns the last words of a piece amounting to roughly
// overlapTokens. A piece at or below wholeOverlapWords, or shorter than the
// computed tail, is handed on whole.
func overlapTail(piece string, overlapTokens int) string {
	if overlapTokens <= 0 {
		return ""
	}
	words := strings.Fields(piece)
	if len(words) <= wholeOverlapWords {
		return strings.Join(words, " ")
	}
	n := overlapTokens * 3 / 4
	if n < minOverlapWords {
		n = minOverlapWords
	}
	if n >= len(words) {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-n:], " ")
}

func splitParagraphs(text string) []string {
	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

func splitSentences(text string) []string {
	var sentences []string
	for _, s := range strings.Split(text, ". ") {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// estimateTokens approximates token count from word count using a fixed
// 0.75 words-per-token ratio. The same estimate drives both the size check
// and the overlap tail so the two can never disagree.
func estimateTokens(s string) int {
	return wordCount(s) * 4 / 3
}

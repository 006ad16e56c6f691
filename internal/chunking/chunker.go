package chunking

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/metrics"
)

// Chunk is a retrieval-sized unit of an ingested document. Chunks from one
// document form a contiguous, order-preserving partition of the source text,
// with overlap only where character slicing was the splitting strategy.
type Chunk struct {
	ID             string `json:"id"`
	Content        string `json:"content"`
	Index          int    `json:"index"`
	TotalChunks    int    `json:"total_chunks"`
	OriginalLength int    `json:"original_length"`
	ChunkLength    int    `json:"chunk_length"`
	PrevChunkID    string `json:"prev_chunk_id,omitempty"`
	NextChunkID    string `json:"next_chunk_id,omitempty"`
	// Structured marks chunks that look paragraph-structured (internal line
	// breaks, list markers, heading-like first line) for downstream display.
	Structured bool `json:"structured"`
}

// Config controls chunking behavior
type Config struct {
	TargetSize       int `mapstructure:"target_size"`
	Overlap          int `mapstructure:"overlap"`
	MinChunkSize     int `mapstructure:"min_chunk_size"`
	AllowedVariation int `mapstructure:"allowed_variation"`
}

// DefaultConfig returns sensible defaults for legal document text
func DefaultConfig() Config {
	return Config{
		TargetSize:       700,
		Overlap:          150,
		MinChunkSize:     100,
		AllowedVariation: 50,
	}
}

// Engine splits raw document text into bounded, overlapping retrieval units,
// preserving semantic boundaries where possible. Splitting is attempted at
// paragraph, then sentence, then fixed-width character granularity, each a
// fallback of the previous. Chunking is pure: identical inputs always yield
// identical output and nothing is embedded or stored here.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates a chunking engine with the given configuration
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = 700
	}
	if cfg.Overlap <= 0 || cfg.Overlap >= cfg.TargetSize {
		cfg.Overlap = cfg.TargetSize / 5
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = cfg.TargetSize / 7
	}
	if cfg.AllowedVariation <= 0 {
		cfg.AllowedVariation = cfg.TargetSize / 14
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger}
}

var blankLineRe = regexp.MustCompile(`\n[ \t]*\n+`)

// Chunk splits text into annotated chunks. Empty or whitespace-only input
// yields nil, not an error.
func (e *Engine) Chunk(docID, text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if docID == "" {
		docID = uuid.New().String()
	}

	pieces := e.splitByParagraphs(text)
	if e.needsSentenceFallback(pieces) {
		pieces = e.splitBySentences(text)
	}
	pieces = e.optimizeSizes(pieces)

	chunks := e.annotate(docID, text, pieces)

	metrics.ChunksPerDocument.Observe(float64(len(chunks)))
	for _, c := range chunks {
		metrics.ChunkSizeChars.Observe(float64(c.ChunkLength))
	}
	e.logger.Debug("Chunked document",
		zap.String("doc_id", docID),
		zap.Int("source_chars", len(text)),
		zap.Int("chunks", len(chunks)),
	)
	return chunks
}

// needsSentenceFallback reports whether paragraph splitting was degenerate:
// a single chunk, or any chunk more than double the target size.
func (e *Engine) needsSentenceFallback(pieces []string) bool {
	if len(pieces) <= 1 {
		return true
	}
	for _, p := range pieces {
		if len(p) > 2*e.cfg.TargetSize {
			return true
		}
	}
	return false
}

// splitByParagraphs packs blank-line-delimited paragraphs greedily up to the
// target size. A single paragraph that alone overflows target+variation is
// handed to sentence splitting.
func (e *Engine) splitByParagraphs(text string) []string {
	paragraphs := blankLineRe.Split(text, -1)

	var out []string
	var buf string
	flush := func() {
		if buf != "" {
			out = append(out, buf)
			buf = ""
		}
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		switch {
		case buf == "":
			buf = para
		case len(buf)+2+len(para) <= e.cfg.TargetSize:
			buf += "\n\n" + para
		default:
			flush()
			buf = para
		}
		if len(buf) > e.cfg.TargetSize+e.cfg.AllowedVariation {
			out = append(out, e.splitBySentences(buf)...)
			buf = ""
		}
	}
	flush()
	return out
}

// sentenceEndRe matches terminal punctuation followed by whitespace; the
// candidate break is confirmed only when the next rune is a capital letter.
var sentenceEndRe = regexp.MustCompile(`[.!?]+[ \t\n]+`)

// abbrevRe protects common abbreviations from being read as sentence ends.
var abbrevRe = regexp.MustCompile(`\b(Mr|Mrs|Ms|Dr|Prof|Hon|Jr|Sr|St|vs?|etc|No|Nos|Art|Sec|Inc|Corp|Ltd|Co|Fig|Ch|Para|Cl|Stat|Cir|Dist|Rev)\.`)

// dottedAbbrevs handles abbreviations with internal periods.
var dottedAbbrevs = strings.NewReplacer(
	"e.g.", "e\x01g\x01",
	"i.e.", "i\x01e\x01",
	"U.S.C.", "U\x01S\x01C\x01",
	"U.S.", "U\x01S\x01",
	"a.m.", "a\x01m\x01",
	"p.m.", "p\x01m\x01",
)

// splitBySentences packs sentences greedily up to the target size. A single
// sentence that alone exceeds the target is character-sliced with overlap.
func (e *Engine) splitBySentences(text string) []string {
	sentences := splitSentences(text)

	var out []string
	var buf string
	flush := func() {
		if buf != "" {
			out = append(out, buf)
			buf = ""
		}
	}

	for _, sent := range sentences {
		if len(sent) > e.cfg.TargetSize {
			// unsplittable at sentence granularity
			flush()
			out = append(out, e.splitByCharacters(sent)...)
			continue
		}
		switch {
		case buf == "":
			buf = sent
		case len(buf)+1+len(sent) <= e.cfg.TargetSize:
			buf += " " + sent
		default:
			flush()
			buf = sent
		}
	}
	flush()
	return out
}

// splitSentences breaks text on sentence-terminal punctuation followed by
// whitespace and a capital letter, with abbreviation protection.
func splitSentences(text string) []string {
	protected := dottedAbbrevs.Replace(text)
	protected = abbrevRe.ReplaceAllString(protected, "${1}\x01")

	var sentences []string
	start := 0
	for _, loc := range sentenceEndRe.FindAllStringIndex(protected, -1) {
		if loc[1] >= len(protected) {
			break
		}
		next := []rune(protected[loc[1]:])
		if len(next) == 0 || !unicode.IsUpper(next[0]) {
			continue
		}
		sentences = append(sentences, protected[start:loc[1]])
		start = loc[1]
	}
	if start < len(protected) {
		sentences = append(sentences, protected[start:])
	}

	out := make([]string, 0, len(sentences))
	for _, s := range sentences {
		s = strings.TrimSpace(strings.ReplaceAll(s, "\x01", "."))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitByCharacters is the last resort: fixed-width windows of TargetSize
// characters advancing by TargetSize-Overlap, covering the text to its end.
// Windows are measured in runes so a multi-byte character never straddles
// a boundary.
func (e *Engine) splitByCharacters(text string) []string {
	step := e.cfg.TargetSize - e.cfg.Overlap
	if step <= 0 {
		step = e.cfg.TargetSize / 2
	}
	if step <= 0 {
		step = 1
	}

	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += step {
		end := i + e.cfg.TargetSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

// optimizeSizes merges any piece below MinChunkSize into its immediate
// successor when the merge stays within the target size, avoiding degenerate
// tiny fragments at chunk boundaries.
func (e *Engine) optimizeSizes(pieces []string) []string {
	if len(pieces) < 2 {
		return pieces
	}
	out := make([]string, 0, len(pieces))
	i := 0
	for i < len(pieces) {
		p := pieces[i]
		for len(p) < e.cfg.MinChunkSize && i+1 < len(pieces) &&
			len(p)+2+len(pieces[i+1]) <= e.cfg.TargetSize {
			p = p + "\n\n" + pieces[i+1]
			i++
		}
		out = append(out, p)
		i++
	}
	return out
}

func (e *Engine) annotate(docID, original string, pieces []string) []Chunk {
	chunks := make([]Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = Chunk{
			ID:             chunkID(docID, i),
			Content:        p,
			Index:          i,
			TotalChunks:    len(pieces),
			OriginalLength: len(original),
			ChunkLength:    len(p),
			Structured:     looksStructured(p),
		}
		if i > 0 {
			chunks[i].PrevChunkID = chunkID(docID, i-1)
		}
		if i < len(pieces)-1 {
			chunks[i].NextChunkID = chunkID(docID, i+1)
		}
	}
	return chunks
}

func chunkID(docID string, index int) string {
	return fmt.Sprintf("%s:%d", docID, index)
}

var listMarkerRe = regexp.MustCompile(`(?m)^[ \t]*([-*•]|\d+[.)]|\([a-z0-9]+\))[ \t]`)

// looksStructured is a display heuristic: multiple internal line breaks, list
// markers, or a heading-like first line.
func looksStructured(content string) bool {
	if strings.Count(content, "\n") >= 2 {
		return true
	}
	if listMarkerRe.MatchString(content) {
		return true
	}
	first, _, found := strings.Cut(content, "\n")
	if !found {
		return false
	}
	first = strings.TrimSpace(first)
	if first == "" || len(first) > 80 {
		return false
	}
	// heading-like: short line without terminal punctuation, or shouty caps
	if !strings.ContainsAny(first[len(first)-1:], ".!?,;:") {
		return true
	}
	return first == strings.ToUpper(first) && strings.ContainsAny(first, "ABCDEFGHIJKLMNOPQRSTUVWXYZ")
}

package vectordb

import "time"

// Config controls Qdrant client behavior
type Config struct {
	Enabled bool          `mapstructure:"enabled"`
	Host    string        `mapstructure:"host"`
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Collections
	DocumentChunks string `mapstructure:"document_chunks"`
	CaseLaw        string `mapstructure:"case_law"`
	Statutes       string `mapstructure:"statutes"`
	// Search params
	TopK      int     `mapstructure:"top_k"`
	Threshold float64 `mapstructure:"threshold"`
	// Validation
	ExpectedEmbeddingDim int `mapstructure:"expected_embedding_dim"`
}

// Point is a single scored hit returned by a vector search
type Point struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertItem represents a single point to insert into Qdrant
type UpsertItem struct {
	ID      interface{}            `json:"id,omitempty"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// UpsertResponse captures basic Qdrant upsert response
type UpsertResponse struct {
	Status string  `json:"status"`
	Time   float64 `json:"time"`
}

// Filter is a Qdrant payload filter. Conditions added through Match become
// "must" clauses, so they all have to hold.
type Filter struct {
	must []map[string]interface{}
}

// Match adds an exact-match condition on a payload key. Empty string values
// are ignored so callers can pass optional fields through unconditionally.
func (f *Filter) Match(key string, value interface{}) *Filter {
	if s, ok := value.(string); ok && s == "" {
		return f
	}
	f.must = append(f.must, map[string]interface{}{
		"key":   key,
		"match": map[string]interface{}{"value": value},
	})
	return f
}

// MatchAny adds a condition satisfied by any of the given values.
func (f *Filter) MatchAny(key string, values []string) *Filter {
	if len(values) == 0 {
		return f
	}
	f.must = append(f.must, map[string]interface{}{
		"key":   key,
		"match": map[string]interface{}{"any": values},
	})
	return f
}

// Empty reports whether no conditions were added.
func (f *Filter) Empty() bool { return f == nil || len(f.must) == 0 }

func (f *Filter) toQdrant() map[string]interface{} {
	if f.Empty() {
		return nil
	}
	return map[string]interface{}{"must": f.must}
}

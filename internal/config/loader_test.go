package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleYAML = `
service:
  metrics_port: 9321
  logging:
    level: debug
credentials:
  - key-alpha
  - key-beta
admission:
  max_requests_per_hour: 60
  max_concurrent: 5
chunking:
  target_size: 500
  overlap: 100
vectordb:
  enabled: true
  host: qdrant.internal
retrieval:
  similarity_threshold: 0.65
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "retrievald.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9321, cfg.Service.MetricsPort)
	assert.Equal(t, "debug", cfg.Service.Logging.Level)
	assert.Equal(t, []string{"key-alpha", "key-beta"}, cfg.Credentials)

	// Explicit values override defaults; the rest fall back.
	assert.Equal(t, 60, cfg.Admission.MaxRequestsPerHour)
	assert.Equal(t, 5, cfg.Admission.MaxConcurrent)
	assert.Equal(t, time.Hour, cfg.Admission.Window)
	assert.Equal(t, 0.8, cfg.Admission.FallbackThreshold)

	assert.Equal(t, 500, cfg.Chunking.TargetSize)
	assert.Equal(t, 100, cfg.Chunking.Overlap)
	assert.Equal(t, 100, cfg.Chunking.MinChunkSize)

	assert.True(t, cfg.VectorDB.Enabled)
	assert.Equal(t, "qdrant.internal", cfg.VectorDB.Host)
	assert.Equal(t, 6333, cfg.VectorDB.Port)

	assert.Equal(t, 0.65, cfg.Retrieval.SimilarityThreshold)
	assert.Equal(t, 3, cfg.Retrieval.MaxRetries)
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadFile_ValidationRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"overlap >= target": `
chunking:
  target_size: 100
  overlap: 100
`,
		"vectordb enabled without host": `
vectordb:
  enabled: true
`,
		"threshold out of range": `
retrieval:
  similarity_threshold: 1.5
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestDump_RedactsCredentials(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	out, err := cfg.Dump()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "key-alpha")
	assert.Contains(t, string(out), "[redacted]")
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) error {
		select {
		case reloaded <- cfg:
		default:
		}
		return nil
	})
	require.NoError(t, w.Start())

	updated := sampleYAML + "\nfanout:\n  max_concurrency: 2\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 2, cfg.Fanout.MaxConcurrency)
		assert.Equal(t, 2, w.Current().Fanout.MaxConcurrency)
	case <-time.After(3 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestWatcher_KeepsPreviousConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	w, err := NewWatcher(path, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(path, []byte("chunking: {target_size: 100, overlap: 100}"), 0o644))

	// Give the debounce time to fire, then confirm nothing changed.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 60, w.Current().Admission.MaxRequestsPerHour)
}

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(&buf, Options{})
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("Feed generated", "feed", "product")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `msg="Feed generated" feed=product`)
}

func TestNewJSONDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(&buf, Options{Format: "json", Debug: true})
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("Cache hit", "key", "google_product_feed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "DEBUG", line["level"])
	assert.Equal(t, "google_product_feed", line["key"])
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "feed.log")

	var buf bytes.Buffer
	logger, closer, err := New(&buf, Options{File: path})
	require.NoError(t, err)

	logger.Warn("Serving stale feed", "feed", "review")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Serving stale feed")
	assert.Contains(t, buf.String(), "Serving stale feed")
}

func TestNewUnknownFormat(t *testing.T) {
	_, _, err := New(&bytes.Buffer{}, Options{Format: "xml"})
	assert.Error(t, err)
}

package main

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocrdrop/internal/config"
	"ocrdrop/internal/extract"
)

// fakeExtractor fails every image whose bytes contain "bad".
type fakeExtractor struct{}

func (fakeExtractor) Extract(_ context.Context, req extract.Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !yield("line one\n", nil) {
			return
		}
		if strings.Contains(req.Data, "YmFk") { // base64 of "bad"
			yield("", errors.New("quota"))
			return
		}
		yield("line two", nil)
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Worker: config.WorkerConfig{Pacing: "fixed", MaxConcurrent: 1},
	}
}

func TestRunExtractWritesFiles(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "receipt.png")
	require.NoError(t, os.WriteFile(in, []byte("fine"), 0o644))
	skipped := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(skipped, []byte("x"), 0o644))

	outDir := filepath.Join(dir, "out")
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := runExtract(ctx, &out, testConfig(), fakeExtractor{}, []string{in, skipped}, outDir)
	require.NoError(t, err)

	text, err := os.ReadFile(filepath.Join(outDir, "receipt-extracted.txt"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", string(text))
	assert.Contains(t, out.String(), "skip "+skipped)
	assert.Contains(t, out.String(), "wrote")
}

func TestRunExtractReportsFailures(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.jpg")
	bad := filepath.Join(dir, "b.jpg")
	require.NoError(t, os.WriteFile(good, []byte("fine"), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte("bad"), 0o644))

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := runExtract(ctx, &out, testConfig(), fakeExtractor{}, []string{good, bad}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 images failed")

	_, err = os.Stat(filepath.Join(dir, "a-extracted.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "b-extracted.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunExtractSameNameInDifferentDirs(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a", "scan.png")
	second := filepath.Join(dir, "b", "scan.png")
	for _, p := range []string{first, second} {
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("fine"), 0o644))
	}

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, runExtract(ctx, &out, testConfig(), fakeExtractor{}, []string{first, second}, ""))

	for _, d := range []string{"a", "b"} {
		text, err := os.ReadFile(filepath.Join(dir, d, "scan-extracted.txt"))
		require.NoError(t, err, "output for %s", d)
		assert.Equal(t, "line one\nline two", string(text))
	}

	outDir := filepath.Join(dir, "out")
	require.NoError(t, runExtract(ctx, &out, testConfig(), fakeExtractor{}, []string{first, second}, outDir))
	_, err := os.Stat(filepath.Join(outDir, "scan-extracted.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(outDir, "scan-extracted-2.txt"))
	assert.NoError(t, err)
}

func TestOutputPathNumbersCollisions(t *testing.T) {
	used := map[string]bool{}
	assert.Equal(t, filepath.Join("o", "scan-extracted.txt"), outputPath("o", "scan.png", used))
	assert.Equal(t, filepath.Join("o", "scan-extracted-2.txt"), outputPath("o", "scan.jpg", used))
	assert.Equal(t, filepath.Join("o", "scan-extracted-3.txt"), outputPath("o", "scan.gif", used))
	assert.Equal(t, filepath.Join("p", "scan-extracted.txt"), outputPath("p", "scan.png", used))
}

func TestRunExtractNothingSupported(t *testing.T) {
	var out bytes.Buffer
	err := runExtract(context.Background(), &out, testConfig(), fakeExtractor{}, []string{"a.tiff"}, "")
	require.Error(t, err)
}

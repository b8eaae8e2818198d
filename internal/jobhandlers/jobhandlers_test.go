/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobhandlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/secureshare/secureshare/config"
	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/log/logtest"
	"github.com/secureshare/secureshare/testutil"
)

func newTestRoot(t *testing.T) *StorageRoot {
	t.Helper()
	root, err := NewStorageRoot(t.TempDir())
	require.NoError(t, err)
	return root
}

func writeFile(t *testing.T, root *StorageRoot, rel string, data []byte) string {
	t.Helper()
	path := filepath.Join(root.Dir(), filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func newJob(t *testing.T, jobType string, payload interface{}) *jobqueue.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &jobqueue.Job{ID: "job-1", Type: jobType, Payload: data}
}

func TestStorageRoot_Resolve(t *testing.T) {
	root := newTestRoot(t)
	writeFile(t, root, "blobs/a.enc", []byte("a"))

	path, err := root.Resolve("blobs/a.enc")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root.Dir(), "blobs", "a.enc"), path)
	require.Equal(t, "blobs/a.enc", root.Rel(path))

	path, err = root.Resolve("blobs/../blobs/new.enc")
	require.NoError(t, err, "not existing paths inside the root are allowed")
	require.Equal(t, filepath.Join(root.Dir(), "blobs", "new.enc"), path)

	for _, bad := range []string{"", "../outside", "blobs/../../outside", "/etc/passwd"} {
		_, err = root.Resolve(bad)
		require.ErrorIs(t, err, ErrPathOutsideRoot, bad)
	}

	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(root.Dir(), "escape")))
	_, err = root.Resolve("escape/file")
	require.NoError(t, err, "symlink target does not exist yet, the lexical path is checked")
	require.NoError(t, os.WriteFile(filepath.Join(outside, "file"), []byte("x"), 0o600))
	_, err = root.Resolve("escape/file")
	require.ErrorIs(t, err, ErrPathOutsideRoot)

	_, err = NewStorageRoot(filepath.Join(root.Dir(), "blobs", "a.enc"))
	require.Error(t, err)
}

func TestCompressor(t *testing.T) {
	root := newTestRoot(t)
	original := bytes.Repeat([]byte("encrypted-blob-"), 1000)
	srcPath := writeFile(t, root, "blobs/a.enc", original)
	compressor := NewCompressor(root, 6, logtest.NewLogger())

	resData, err := compressor.Handle(context.Background(), newJob(t, TypeFileCompression,
		CompressionPayload{Path: "blobs/a.enc", RemoveSource: true}))
	require.NoError(t, err)

	var res CompressionResult
	require.NoError(t, json.Unmarshal(resData, &res))
	require.Equal(t, "blobs/a.enc.gz", res.Output)
	require.Equal(t, int64(len(original)), res.OriginalSize)
	require.Less(t, res.CompressedSize, res.OriginalSize)
	require.InDelta(t, float64(res.CompressedSize)/float64(res.OriginalSize), res.Ratio, 1e-9)
	require.NotEmpty(t, res.Saved)

	_, err = os.Stat(srcPath)
	require.True(t, os.IsNotExist(err), "source is removed")

	f, err := os.Open(srcPath + ".gz")
	require.NoError(t, err)
	defer f.Close() // nolint: errcheck
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	require.Equal(t, "a.enc", zr.Name)
	decompressed, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, original, decompressed)

	entries, err := os.ReadDir(filepath.Dir(srcPath))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files are left")
}

func TestCompressor_Errors(t *testing.T) {
	root := newTestRoot(t)
	writeFile(t, root, "a.enc", []byte("data"))
	compressor := NewCompressor(root, 6, logtest.NewLogger())
	ctx := context.Background()

	_, err := compressor.Handle(ctx, newJob(t, TypeFileCompression, CompressionPayload{Path: "../a.enc"}))
	require.ErrorIs(t, err, ErrPathOutsideRoot)

	_, err = compressor.Handle(ctx, newJob(t, TypeFileCompression, CompressionPayload{Path: "missing.enc"}))
	require.True(t, os.IsNotExist(err))

	_, err = compressor.Handle(ctx, newJob(t, TypeFileCompression, CompressionPayload{Path: "a.enc", Level: 42}))
	require.Error(t, err)

	_, err = compressor.Handle(ctx, &jobqueue.Job{Payload: json.RawMessage(`[]`)})
	require.Error(t, err)

	cancelledCtx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = compressor.Handle(cancelledCtx, newJob(t, TypeFileCompression, CompressionPayload{Path: "a.enc"}))
	require.ErrorIs(t, err, context.Canceled)
	_, err = os.Stat(filepath.Join(root.Dir(), "a.enc.gz"))
	require.True(t, os.IsNotExist(err))
}

func TestCleaner(t *testing.T) {
	root := newTestRoot(t)
	clock := testutil.NewFakeClock(time.Now())
	old := clock.Now().Add(-48 * time.Hour)

	for _, rel := range []string{"tmp/old.part", "tmp/nested/old.part", "tmp/old.enc", "tmp/fresh.part"} {
		path := writeFile(t, root, rel, []byte("12345"))
		if !strings.Contains(rel, "fresh") {
			require.NoError(t, os.Chtimes(path, old, old))
		}
	}
	writeFile(t, root, "keep/old.part", []byte("12345"))
	require.NoError(t, os.Chtimes(filepath.Join(root.Dir(), "keep", "old.part"), old, old))

	cleaner := NewCleaner(root, clock, logtest.NewLogger())
	resData, err := cleaner.Handle(context.Background(), newJob(t, TypeCleanup, CleanupPayload{
		Dir:      "tmp",
		MaxAge:   config.TimeDuration(24 * time.Hour),
		Patterns: []string{"*.part"},
	}))
	require.NoError(t, err)

	var res CleanupResult
	require.NoError(t, json.Unmarshal(resData, &res))
	require.Equal(t, 2, res.Removed)
	require.Equal(t, int64(10), res.Freed)
	require.Equal(t, "10B", res.FreedHuman)

	for rel, wantExists := range map[string]bool{
		"tmp/old.part":        false,
		"tmp/nested/old.part": false,
		"tmp/old.enc":         true,
		"tmp/fresh.part":      true,
		"keep/old.part":       true,
	} {
		_, statErr := os.Stat(filepath.Join(root.Dir(), filepath.FromSlash(rel)))
		require.Equal(t, wantExists, statErr == nil, rel)
	}
}

func TestCleaner_Errors(t *testing.T) {
	root := newTestRoot(t)
	cleaner := NewCleaner(root, jobqueue.SystemClock{}, logtest.NewLogger())
	ctx := context.Background()

	_, err := cleaner.Handle(ctx, newJob(t, TypeCleanup, CleanupPayload{Dir: ".", Patterns: []string{"*"}}))
	require.Error(t, err, "maxAge is required")

	_, err = cleaner.Handle(ctx, newJob(t, TypeCleanup, CleanupPayload{Dir: ".", MaxAge: config.TimeDuration(time.Hour)}))
	require.Error(t, err, "patterns are required")

	_, err = cleaner.Handle(ctx, newJob(t, TypeCleanup, CleanupPayload{
		Dir: "..", MaxAge: config.TimeDuration(time.Hour), Patterns: []string{"*"},
	}))
	require.ErrorIs(t, err, ErrPathOutsideRoot)

	job := &jobqueue.Job{Payload: json.RawMessage(`{"dir":"tmp","maxAge":"1h","patterns":["*.part"]}`)}
	_, err = cleaner.Handle(ctx, job)
	require.Error(t, err, "missing directory")
}

func TestScanner(t *testing.T) {
	root := newTestRoot(t)
	hexSig, err := ParseSignature("Zero-Run=hex:00000000deadbeef")
	require.NoError(t, err)
	eicarSig, err := ParseSignature("EICAR-Test-File=" + EICARSignature)
	require.NoError(t, err)
	scanner, err := NewScanner(root, []Signature{eicarSig, hexSig}, 0, logtest.NewLogger())
	require.NoError(t, err)
	ctx := context.Background()

	clean := bytes.Repeat([]byte{0x42}, 3*scanChunkSize)
	writeFile(t, root, "clean.bin", clean)
	resData, err := scanner.Handle(ctx, newJob(t, TypeVirusScan, ScanPayload{Path: "clean.bin"}))
	require.NoError(t, err)
	var res ScanResult
	require.NoError(t, json.Unmarshal(resData, &res))
	require.Equal(t, ScanResult{Path: "clean.bin", ScannedBytes: int64(len(clean)), Clean: true}, res)

	// The first read fills the overlap area too, the signature crosses the end of that read.
	boundary := len(EICARSignature) - 1 + scanChunkSize
	infected := bytes.Repeat([]byte{0x42}, 2*scanChunkSize)
	copy(infected[boundary-3:], []byte{0, 0, 0, 0, 0xde, 0xad, 0xbe, 0xef})
	infected = append(infected, []byte(EICARSignature)...)
	writeFile(t, root, "infected.bin", infected)

	_, err = scanner.Handle(ctx, newJob(t, TypeVirusScan, ScanPayload{Path: "infected.bin"}))
	var infectedErr *InfectedFileError
	require.ErrorAs(t, err, &infectedErr)
	require.Equal(t, "infected.bin", infectedErr.Path)
	require.Equal(t, []string{"EICAR-Test-File", "Zero-Run"}, infectedErr.Signatures)

	limited, err := NewScanner(root, []Signature{eicarSig}, 1024, logtest.NewLogger())
	require.NoError(t, err)
	_, err = limited.Handle(ctx, newJob(t, TypeVirusScan, ScanPayload{Path: "clean.bin"}))
	require.EqualError(t, err, "file is larger than 1K")

	_, err = scanner.Handle(ctx, newJob(t, TypeVirusScan, ScanPayload{Path: "../clean.bin"}))
	require.ErrorIs(t, err, ErrPathOutsideRoot)
}

func TestParseSignature(t *testing.T) {
	sig, err := ParseSignature("plain-pattern")
	require.NoError(t, err)
	require.Equal(t, Signature{Name: "plain-pattern", Pattern: []byte("plain-pattern")}, sig)

	sig, err = ParseSignature("Named=hex:cafe")
	require.NoError(t, err)
	require.Equal(t, Signature{Name: "Named", Pattern: []byte{0xca, 0xfe}}, sig)

	_, err = ParseSignature("Bad=hex:zz")
	require.Error(t, err)
	_, err = ParseSignature("Empty=")
	require.Error(t, err)

	_, err = NewScanner(newTestRoot(t), nil, 0, logtest.NewLogger())
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	dir := t.TempDir()
	cfg := NewConfig()
	err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(`
jobHandlers:
  storageRoot: `+dir+`
  compression:
    level: 9
  scanner:
    maxFileSize: 10M
`), config.DataTypeYAML, cfg)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.CompressionLevel)
	require.Equal(t, config.ByteSize(10*1024*1024), cfg.ScannerMaxFileSize)
	require.Len(t, cfg.Signatures, 1)
	require.Equal(t, "EICAR-Test-File", cfg.Signatures[0].Name)

	registry := jobqueue.NewRegistry()
	require.NoError(t, Register(registry, cfg, nil, logtest.NewLogger()))
	require.Equal(t, []string{TypeCleanup, TypeFileCompression, TypeVirusScan}, registry.Types())

	cfg.StorageRoot = filepath.Join(dir, "missing")
	require.Error(t, Register(jobqueue.NewRegistry(), cfg, nil, logtest.NewLogger()))
}

func TestConfig_Errors(t *testing.T) {
	for _, data := range []string{
		"jobHandlers:\n  storageRoot: ''",
		"jobHandlers:\n  compression:\n    level: 10",
		"jobHandlers:\n  scanner:\n    signatures: ['Bad=hex:zz']",
		"jobHandlers:\n  scanner:\n    maxFileSize: huge",
	} {
		cfg := NewConfig()
		err := config.NewDefaultLoader("").LoadFromReader(bytes.NewBufferString(data), config.DataTypeYAML, cfg)
		require.Error(t, err, data)
	}
}

package vcs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRunner serves canned output per command line; commands without an entry
// fail, which matches a tool that is absent or exits non-zero.
type fakeRunner struct {
	outputs map[string]string
}

func (f fakeRunner) Run(_ context.Context, _ string, name string, args ...string) ([]byte, error) {
	key := name + " " + strings.Join(args, " ")
	out, ok := f.outputs[key]
	if !ok {
		return nil, errors.New("exit status 1")
	}
	return []byte(out), nil
}

const (
	cmdAnnexUUID = "git config --local --get annex.uuid"
	cmdAnnexInfo = "git annex info --fast --json --bytes"
)

func TestCollectAnnexStats_NoAnnex(t *testing.T) {
	c := NewClient(zap.NewNop()).WithRunner(fakeRunner{})

	stats, err := c.CollectAnnexStats(context.Background(), "/cache/aa/bbb/c01")
	require.NoError(t, err, "a plain git repo is not an error")
	require.Equal(t, AnnexStats{}, stats)
}

func TestCollectAnnexStats_ParsesAnnexInfo(t *testing.T) {
	c := NewClient(zap.NewNop()).WithRunner(fakeRunner{outputs: map[string]string{
		cmdAnnexUUID: "c9f2a6c4-0c7b-4c3f-9a3e-0123456789ab\n",
		cmdAnnexInfo: `{
			"annexed files in working tree": 10,
			"size of annexed files in working tree": "1048576",
			"local annex keys": 42,
			"available local disk space": "1 terabyte"
		}`,
	}})

	stats, err := c.CollectAnnexStats(context.Background(), "/cache/aa/bbb/c01")
	require.NoError(t, err)
	require.Equal(t, "c9f2a6c4-0c7b-4c3f-9a3e-0123456789ab", stats.AnnexUUID)
	require.EqualValues(t, 42, stats.AnnexKeyCount)
	require.EqualValues(t, 10, stats.AnnexedFilesInWtCount)
	require.EqualValues(t, 1048576, stats.AnnexedFilesInWtSize)
}

func TestCollectAnnexStats_BadSize(t *testing.T) {
	c := NewClient(zap.NewNop()).WithRunner(fakeRunner{outputs: map[string]string{
		cmdAnnexUUID: "uuid-1\n",
		cmdAnnexInfo: `{"size of annexed files in working tree": "lots"}`,
	}})

	_, err := c.CollectAnnexStats(context.Background(), "/cache/aa/bbb/c01")
	require.Error(t, err)
}

func writeDataladConfig(t *testing.T, dir, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".datalad"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".datalad", "config"), []byte(contents), 0o644))
}

func TestReadDatasetID(t *testing.T) {
	c := NewClient(zap.NewNop())
	dir := t.TempDir()
	writeDataladConfig(t, dir, "[datalad \"dataset\"]\n\tid = 9e6f6079-8c39-45ed-bd9e-d32eff3d7b7b\n")

	id, err := c.ReadDatasetID(dir)
	require.NoError(t, err)
	require.Equal(t, "9e6f6079-8c39-45ed-bd9e-d32eff3d7b7b", id)
}

func TestReadDatasetID_AbsentConfig(t *testing.T) {
	c := NewClient(zap.NewNop())

	id, err := c.ReadDatasetID(t.TempDir())
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestReadDatasetID_MalformedID(t *testing.T) {
	c := NewClient(zap.NewNop())
	dir := t.TempDir()
	writeDataladConfig(t, dir, "[datalad \"dataset\"]\n\tid = not-a-uuid\n")

	id, err := c.ReadDatasetID(dir)
	require.NoError(t, err, "a malformed id means no identity, not a failed run")
	require.Empty(t, id)
}

func TestReadDatasetID_NoIDOption(t *testing.T) {
	c := NewClient(zap.NewNop())
	dir := t.TempDir()
	writeDataladConfig(t, dir, "[datalad \"dataset\"]\n\tname = something\n")

	id, err := c.ReadDatasetID(dir)
	require.NoError(t, err)
	require.Empty(t, id)
}

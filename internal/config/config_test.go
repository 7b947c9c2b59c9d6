package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/urnalog/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("", discardLogger())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Len(t, cfg.Worklist, len(DefaultWorklist))
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "urnalog.json5")
	content := `{
		// fewer connections for a slow link
		connections: 2,
		scratch_dir: "/var/tmp/urna",
		worklist: [{round: 2, region: "SP"}],
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Connections)
	assert.Equal(t, "/var/tmp/urna", cfg.ScratchDir)
	assert.Equal(t, []model.WorkItem{{Round: 2, Region: "SP"}}, cfg.Worklist)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultURLTemplate, cfg.URLTemplate)
	assert.Equal(t, DefaultPayloadName, cfg.PayloadName)
}

func TestLoadKeepsExplicitZeroValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urnalog.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{retry_count: 0, retry_wait_seconds: 0}`), 0o644))

	cfg, err := Load(path, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.RetryCount)
	assert.Equal(t, 0, cfg.RetryWait)
	assert.Equal(t, DefaultConnections, cfg.Connections)
	assert.Equal(t, DefaultWorklist, cfg.Worklist)
}

func TestLoadEmptyWorklist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urnalog.json5")
	require.NoError(t, os.WriteFile(path, []byte(`{worklist: []}`), 0o644))

	cfg, err := Load(path, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, cfg.Worklist)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json5"), discardLogger())
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Connections = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.URLTemplate = "https://example.com/static.zip"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Worklist = []model.WorkItem{{Round: 3, Region: "SP"}}
	assert.Error(t, cfg.Validate())
}

func TestURLAndArchivePath(t *testing.T) {
	cfg := Default()
	cfg.DownloadDir = "/tmp/archives"
	item := model.WorkItem{Round: 2, Region: "SP"}
	assert.Equal(t,
		"https://cdn.tse.jus.br/estatistica/sead/eleicoes/eleicoes2022/arqurnatot/bu_imgbu_logjez_rdv_vscmr_2022_2t_SP.zip",
		cfg.URLFor(item))
	assert.Equal(t, filepath.Join("/tmp/archives", "bu_imgbu_logjez_rdv_vscmr_2022_2t_SP.zip"), cfg.ArchivePathFor(item))
}

func TestPrepareCreatesDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.DownloadDir = filepath.Join(root, "a")
	cfg.ScratchDir = filepath.Join(root, "b")
	cfg.OutputDir = filepath.Join(root, "c")
	cfg.StorePath = filepath.Join(root, "d", "store.json")
	cfg.DbPath = ":memory:"
	require.NoError(t, cfg.Prepare())
	for _, d := range []string{"a", "b", "c", "d"} {
		info, err := os.Stat(filepath.Join(root, d))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestFilterWorklist(t *testing.T) {
	items := FilterWorklist(DefaultWorklist, []string{"2t_SP", " 1t_AC"})
	assert.Equal(t, []model.WorkItem{{Round: 1, Region: "AC"}, {Round: 2, Region: "SP"}}, items)
	assert.Len(t, FilterWorklist(DefaultWorklist, nil), len(DefaultWorklist))
}

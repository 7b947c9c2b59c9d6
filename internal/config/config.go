package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/titanous/json5"

	"github.com/brensch/urnalog/internal/model"
)

// DefaultURLTemplate points at the TSE open-data bundles of transmitted urna
// files. {round} and {region} are substituted per work item.
const DefaultURLTemplate = "https://cdn.tse.jus.br/estatistica/sead/eleicoes/eleicoes2022/arqurnatot/bu_imgbu_logjez_rdv_vscmr_2022_{round}t_{region}.zip"

const (
	DefaultConnections = 5
	DefaultRetryCount  = 3
	DefaultInnerSuffix = "logjez"
	DefaultPayloadName = "logd.dat"
)

// DefaultWorklist is the ordered list of (round, region) pairs harvested by a
// full run. Ordering only matters for progress reporting.
var DefaultWorklist = []model.WorkItem{
	{Round: 1, Region: "AC"}, {Round: 1, Region: "AL"}, {Round: 1, Region: "AM"}, {Round: 1, Region: "AP"},
	{Round: 1, Region: "BA"}, {Round: 1, Region: "CE"}, {Round: 1, Region: "DF"}, {Round: 1, Region: "ES"},
	{Round: 1, Region: "GO"}, {Round: 1, Region: "MA"}, {Round: 1, Region: "MG"}, {Round: 1, Region: "MS"},
	{Round: 1, Region: "MT"}, {Round: 1, Region: "PA"}, {Round: 1, Region: "PB"}, {Round: 1, Region: "PE"},
	{Round: 1, Region: "PI"}, {Round: 1, Region: "PR"}, {Round: 1, Region: "RJ"}, {Round: 1, Region: "RN"},
	{Round: 1, Region: "RO"}, {Round: 1, Region: "RR"}, {Round: 2, Region: "SP"}, {Round: 1, Region: "RS"},
	{Round: 1, Region: "SC"}, {Round: 1, Region: "SE"}, {Round: 1, Region: "SP"}, {Round: 1, Region: "TO"},
	{Round: 2, Region: "AC"}, {Round: 2, Region: "AL"}, {Round: 2, Region: "AM"}, {Round: 2, Region: "AP"},
	{Round: 2, Region: "BA"}, {Round: 2, Region: "CE"}, {Round: 2, Region: "DF"}, {Round: 2, Region: "ES"},
	{Round: 2, Region: "GO"}, {Round: 2, Region: "MA"}, {Round: 2, Region: "MG"}, {Round: 2, Region: "MS"},
	{Round: 2, Region: "MT"}, {Round: 2, Region: "PA"}, {Round: 2, Region: "PB"}, {Round: 2, Region: "PE"},
	{Round: 2, Region: "PI"}, {Round: 2, Region: "PR"}, {Round: 2, Region: "RJ"}, {Round: 2, Region: "RN"},
	{Round: 2, Region: "RO"}, {Round: 2, Region: "RR"}, {Round: 2, Region: "SC"}, {Round: 2, Region: "SE"},
	{Round: 2, Region: "TO"}, {Round: 2, Region: "RS"},
}

// Config holds application settings
type Config struct {
	DownloadDir string `json:"download_dir"` // outer archives land here
	ScratchDir  string `json:"scratch_dir"`  // per-member extraction
	OutputDir   string `json:"output_dir"`   // parquet exports
	StorePath   string `json:"store_path"`
	DbPath      string `json:"db_path"`

	URLTemplate string `json:"url_template"`
	Connections int    `json:"connections"`
	RetryCount  int    `json:"retry_count"`
	RetryWait   int    `json:"retry_wait_seconds"`

	// StallTimeout bounds each phase of an HTTP exchange that can hang.
	// A download that keeps receiving bytes is never cut off.
	StallTimeout int `json:"stall_timeout_seconds"`

	InnerSuffix string `json:"inner_suffix"`
	PayloadName string `json:"payload_name"`

	Worklist []model.WorkItem `json:"worklist"`
}

// Default returns the configuration used when no file or flag overrides it.
func Default() Config {
	worklist := make([]model.WorkItem, len(DefaultWorklist))
	copy(worklist, DefaultWorklist)
	return Config{
		DownloadDir:  "./tmp/archives",
		ScratchDir:   "./tmp/scratch",
		OutputDir:    "./data",
		StorePath:    "./data/modelo_de_urna.json",
		DbPath:       "./data/urnalog_state.duckdb",
		URLTemplate:  DefaultURLTemplate,
		Connections:  DefaultConnections,
		RetryCount:   DefaultRetryCount,
		RetryWait:    2,
		StallTimeout: 60,
		InnerSuffix:  DefaultInnerSuffix,
		PayloadName:  DefaultPayloadName,
		Worklist:     worklist,
	}
}

// Load reads a JSON5 config file and merges it over the defaults. An empty
// path returns the defaults.
func Load(path string, logger *slog.Logger) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	// The file is decoded over a second copy of the defaults, so keys it
	// omits keep their default and keys it sets, zero values included, win
	// the merge below.
	override := Default()
	override.Worklist = nil
	if err := json5.Unmarshal(raw, &override); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if override.Worklist == nil {
		override.Worklist = cfg.Worklist
	}
	if err := mergo.Merge(&cfg, override, mergo.WithOverride, mergo.WithOverwriteWithEmptyValue); err != nil {
		return cfg, fmt.Errorf("merge config %s: %w", path, err)
	}
	logger.Info("Merged config file over defaults.", slog.String("path", path))
	return cfg, nil
}

// RetryWaitDuration is the pause between attempts of one chunk.
func (c Config) RetryWaitDuration() time.Duration {
	return time.Duration(c.RetryWait) * time.Second
}

// StallTimeoutDuration is StallTimeout as a duration.
func (c Config) StallTimeoutDuration() time.Duration {
	return time.Duration(c.StallTimeout) * time.Second
}

// Validate checks settings that the pipeline cannot run without.
func (c Config) Validate() error {
	if c.DownloadDir == "" || c.ScratchDir == "" || c.StorePath == "" {
		return fmt.Errorf("download dir, scratch dir and store path are required")
	}
	if c.Connections < 1 {
		return fmt.Errorf("connections must be at least 1, got %d", c.Connections)
	}
	if !strings.Contains(c.URLTemplate, "{round}") || !strings.Contains(c.URLTemplate, "{region}") {
		return fmt.Errorf("url template %q must contain {round} and {region}", c.URLTemplate)
	}
	for _, item := range c.Worklist {
		if !item.Round.Valid() || item.Region == "" {
			return fmt.Errorf("invalid work item %+v", item)
		}
	}
	return nil
}

// Prepare creates every directory the run writes into. It is called once at
// startup.
func (c Config) Prepare() error {
	dirs := []string{c.DownloadDir, c.ScratchDir, c.OutputDir, filepath.Dir(c.StorePath)}
	if c.DbPath != "" && c.DbPath != ":memory:" {
		dirs = append(dirs, filepath.Dir(c.DbPath))
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}
	return nil
}

// URLFor expands the URL template for a work item.
func (c Config) URLFor(item model.WorkItem) string {
	r := strings.NewReplacer("{round}", fmt.Sprint(int(item.Round)), "{region}", item.Region)
	return r.Replace(c.URLTemplate)
}

// ArchivePathFor is where the outer archive of a work item is downloaded.
func (c Config) ArchivePathFor(item model.WorkItem) string {
	name := filepath.Base(c.URLFor(item))
	if name == "" || name == "." || name == "/" {
		name = item.Key() + ".zip"
	}
	return filepath.Join(c.DownloadDir, name)
}

// FilterWorklist keeps only the items whose key appears in keys. An empty
// keys slice keeps the full worklist.
func FilterWorklist(items []model.WorkItem, keys []string) []model.WorkItem {
	if len(keys) == 0 {
		return items
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[strings.TrimSpace(k)] = true
	}
	var out []model.WorkItem
	for _, item := range items {
		if want[item.Key()] {
			out = append(out, item)
		}
	}
	return out
}

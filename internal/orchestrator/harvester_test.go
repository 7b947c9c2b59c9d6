package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/brensch/urnalog/internal/config"
	"github.com/brensch/urnalog/internal/db"
	"github.com/brensch/urnalog/internal/downloader"
	"github.com/brensch/urnalog/internal/extractor"
	"github.com/brensch/urnalog/internal/model"
	"github.com/brensch/urnalog/internal/store"
	"github.com/brensch/urnalog/internal/unpacker"
	"github.com/brensch/urnalog/internal/util"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type zipEntry struct {
	name string
	data []byte
}

func zipBytes(t *testing.T, entries ...zipEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func sectionLog(t *testing.T, modelLabel string) []byte {
	t.Helper()
	text := "21/09/2022 07:00:01\tINFO\t67305985\tSCUE\tIniciando aplicação - Oficial - 2º turno\n" +
		"21/09/2022 07:00:02\tINFO\t67305985\tSCUE\tModelo de Urna: " + modelLabel + "\n"
	b, err := charmap.ISO8859_15.NewEncoder().String(text)
	require.NoError(t, err)
	return zipBytes(t, zipEntry{"logd.dat", []byte(b)})
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.DownloadDir = filepath.Join(root, "archives")
	cfg.ScratchDir = filepath.Join(root, "scratch")
	cfg.OutputDir = filepath.Join(root, "out")
	cfg.StorePath = filepath.Join(root, "out", "store.json")
	cfg.DbPath = ":memory:"
	cfg.URLTemplate = baseURL + "/bundle_{round}t_{region}.zip"
	cfg.Connections = 3
	cfg.RetryCount = 0
	require.NoError(t, cfg.Prepare())
	return cfg
}

func bundleServer(t *testing.T, bundles map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := bundles[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "bundle.zip", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func openEventDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.InitializeSchema(conn))
	return conn
}

func TestHarvestEndToEnd(t *testing.T) {
	bundle := zipBytes(t,
		zipEntry{"o00406-0000100010001.logjez", sectionLog(t, "UE2020")},
		zipEntry{"o00406-0000100010002.logjez", sectionLog(t, "UE2020")},
		zipEntry{"leiame.txt", []byte("ignored")},
	)
	srv := bundleServer(t, map[string][]byte{"bundle_2t_XX.zip": bundle})
	cfg := testConfig(t, srv.URL)
	logger := testLogger()
	conn := openEventDB(t)

	st, err := store.Load(cfg.StorePath)
	require.NoError(t, err)
	client := util.NewHTTPClient(util.ClientOptions{StallTimeout: 5 * time.Second, RetryWait: 5 * time.Millisecond})

	var mu sync.Mutex
	var states []string
	h := NewHarvester(cfg, Deps{
		Fetcher: downloader.New(client, cfg.Connections, logger),
		Source: unpacker.New(unpacker.Options{
			Outer:       unpacker.ZipFormat{},
			Inner:       unpacker.ZipFormat{},
			ScratchDir:  cfg.ScratchDir,
			Suffix:      cfg.InnerSuffix,
			PayloadName: cfg.PayloadName,
		}, logger),
		Extractor: extractor.New(cfg.InnerSuffix),
		Store:     st,
		Events:    db.NewEventLog(conn, logger),
		Progress: func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			if len(states) == 0 || states[len(states)-1] != p.State {
				states = append(states, p.State)
			}
		},
	}, logger)

	item := model.WorkItem{Round: model.SecondRound, Region: "XX"}
	sum, err := h.Run(context.Background(), []model.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Checkpointed)
	assert.Equal(t, 2, sum.Members)
	assert.Equal(t, 0, sum.MemberErrors)
	assert.Equal(t, 2, sum.Modern)

	reloaded, err := store.Load(cfg.StorePath)
	require.NoError(t, err)
	for _, id := range []string{"XX_1_1_1", "XX_1_1_2"} {
		rec, ok := reloaded.Get(id)
		require.True(t, ok, id)
		assert.True(t, rec.IsModernMachine(), id)
		assert.Equal(t, "UE2020", rec.Models[model.SecondRound])
	}

	_, err = os.Stat(cfg.ArchivePathFor(item))
	assert.True(t, os.IsNotExist(err), "outer archive should be deleted after checkpoint")
	entries, err := os.ReadDir(cfg.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Equal(t, []string{db.EventPending, db.EventDownloading, db.EventUnpacking, db.EventExtracting, db.EventCheckpointed}, states)

	done, err := db.GetCompletedWorkItems(context.Background(), conn, logger)
	require.NoError(t, err)
	assert.True(t, done["2t_XX"])
}

type fakeFetcher struct {
	fail map[string]bool
	body []byte
}

func (f *fakeFetcher) Download(_ context.Context, url, dest string) error {
	if f.fail[filepath.Base(url)] {
		return downloader.ErrIncompleteDownload
	}
	return os.WriteFile(dest, f.body, 0o644)
}

type fakeSource struct {
	members []unpacker.Member
}

func (s *fakeSource) Unpack(_ context.Context, _ string) iter.Seq[unpacker.Member] {
	return func(yield func(unpacker.Member) bool) {
		for _, m := range s.members {
			if !yield(m) {
				return
			}
		}
	}
}

type countingStore struct {
	*store.Store
	saves   int
	saveErr error
}

func (c *countingStore) Save() error {
	c.saves++
	if c.saveErr != nil {
		return c.saveErr
	}
	return c.Store.Save()
}

func newCountingStore(t *testing.T, cfg config.Config) *countingStore {
	st, err := store.Load(cfg.StorePath)
	require.NoError(t, err)
	return &countingStore{Store: st}
}

func fakeHarvester(t *testing.T, cfg config.Config, f Fetcher, src MemberSource, st Store, completed map[string]bool) *Harvester {
	return NewHarvester(cfg, Deps{
		Fetcher:   f,
		Source:    src,
		Extractor: extractor.New(cfg.InnerSuffix),
		Store:     st,
		Completed: completed,
	}, testLogger())
}

func TestFailedDownloadDoesNotStopNextItem(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	src := &fakeSource{members: []unpacker.Member{
		{Name: "a0000100010001.logjez", Text: "Modelo de Urna: UE2015"},
	}}
	st := newCountingStore(t, cfg)
	f := &fakeFetcher{fail: map[string]bool{"bundle_1t_AC.zip": true}, body: []byte("x")}

	items := []model.WorkItem{{Round: 1, Region: "AC"}, {Round: 1, Region: "AL"}}
	sum, err := fakeHarvester(t, cfg, f, src, st, nil).Run(context.Background(), items)
	require.Error(t, err)
	assert.ErrorIs(t, err, downloader.ErrIncompleteDownload)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Checkpointed)
	assert.Equal(t, []string{"1t_AC"}, sum.FailedItems)
	// the failed item never reached the checkpoint
	assert.Equal(t, 1, st.saves)

	_, ok := st.Get("AL_1_1_1")
	assert.True(t, ok)
	_, ok = st.Get("AC_1_1_1")
	assert.False(t, ok)
}

func TestMemberErrorsAreCountedNotFatal(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	src := &fakeSource{members: []unpacker.Member{
		{Name: "a0000100010001.logjez", Err: unpacker.ErrCorruptInnerArchive},
		{Name: "garbage.logjez", Text: "Modelo de Urna: UE2020"},
		{Name: "a0000100010003.logjez", Text: "no model line"},
		{Name: "a0000100010004.logjez", Text: "Modelo de Urna: UE2099"},
		{Name: "a0000100010005.logjez", Text: "Modelo de Urna: UE2020"},
	}}
	st := newCountingStore(t, cfg)
	item := model.WorkItem{Round: 2, Region: "XX"}

	sum, err := fakeHarvester(t, cfg, &fakeFetcher{body: []byte("x")}, src, st, nil).Run(context.Background(), []model.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Members)
	assert.Equal(t, 3, sum.MemberErrors)
	assert.Equal(t, 1, sum.Modern)
	assert.Equal(t, 1, sum.Anomalies)
	assert.Equal(t, 1, st.saves)

	rec, ok := st.Get("XX_1_1_3")
	require.True(t, ok, "a section without a model line is kept")
	assert.Equal(t, model.UnknownModel, rec.Models[model.SecondRound])
	rec, _ = st.Get("XX_1_1_4")
	assert.Equal(t, "UE2099", rec.Models[model.SecondRound])

	_, err = os.Stat(cfg.ArchivePathFor(item))
	assert.True(t, os.IsNotExist(err))
}

func TestSaveErrorAbortsRun(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	src := &fakeSource{members: []unpacker.Member{{Name: "a0000100010001.logjez", Text: "Modelo de Urna: UE2020"}}}
	st := newCountingStore(t, cfg)
	st.saveErr = errors.New("disk full")

	items := []model.WorkItem{{Round: 1, Region: "AC"}, {Round: 1, Region: "AL"}}
	sum, err := fakeHarvester(t, cfg, &fakeFetcher{body: []byte("x")}, src, st, nil).Run(context.Background(), items)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, st.saves, "the run stops at the first persistence failure")
	assert.Equal(t, 0, sum.Checkpointed)

	// the downloaded archive is still cleaned up
	_, statErr := os.Stat(cfg.ArchivePathFor(items[0]))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSkipCompleted(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	st := newCountingStore(t, cfg)
	f := &fakeFetcher{body: []byte("x")}
	items := []model.WorkItem{{Round: 1, Region: "AC"}, {Round: 1, Region: "AL"}}

	sum, err := fakeHarvester(t, cfg, f, &fakeSource{}, st, map[string]bool{"1t_AC": true}).Run(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Checkpointed)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	cfg := testConfig(t, "http://unused")
	st := newCountingStore(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := fakeHarvester(t, cfg, &fakeFetcher{body: []byte("x")}, &fakeSource{}, st, nil).
		Run(ctx, []model.WorkItem{{Round: 1, Region: "AC"}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sum.Checkpointed)
	assert.Equal(t, 0, st.saves)
}

func TestRunHarvestWithProductionFormats(t *testing.T) {
	section7z, err := os.ReadFile(filepath.Join("..", "unpacker", "testdata", "section.logjez"))
	require.NoError(t, err)
	// members that are not 7z archives fail individually
	bundle := zipBytes(t,
		zipEntry{"o00406-0000100010001.logjez", []byte("not 7z")},
		zipEntry{"o00406-0000100010002.logjez", section7z},
	)
	srv := bundleServer(t, map[string][]byte{"bundle_1t_YY.zip": bundle})
	cfg := testConfig(t, srv.URL)
	cfg.Worklist = []model.WorkItem{{Round: 1, Region: "YY"}, {Round: 2, Region: "YY"}}
	conn := openEventDB(t)

	sum, err := RunHarvest(context.Background(), cfg, conn, testLogger(), RunOptions{Only: []string{"1t_YY"}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Items)
	assert.Equal(t, 1, sum.Checkpointed)
	assert.Equal(t, 2, sum.Members)
	assert.Equal(t, 1, sum.MemberErrors)
	assert.Equal(t, 1, sum.Modern)

	st, err := store.Load(cfg.StorePath)
	require.NoError(t, err)
	rec, ok := st.Get("YY_1_1_2")
	require.True(t, ok)
	assert.Equal(t, "UE2020", rec.Models[model.FirstRound])

	// a second run skips the checkpointed item
	sum, err = RunHarvest(context.Background(), cfg, conn, testLogger(), RunOptions{Only: []string{"1t_YY"}, SkipCompleted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)

	// the second round bundle does not exist on the server
	sum, err = RunHarvest(context.Background(), cfg, conn, testLogger(), RunOptions{Only: []string{"2t_YY"}})
	require.Error(t, err)
	assert.Equal(t, 1, sum.Failed)
}

func TestUnreadableBundleIsNotCheckpointed(t *testing.T) {
	srv := bundleServer(t, map[string][]byte{"bundle_1t_ZZ.zip": []byte("this is not a zip file")})
	cfg := testConfig(t, srv.URL)
	cfg.Worklist = []model.WorkItem{{Round: 1, Region: "ZZ"}}
	conn := openEventDB(t)

	sum, err := RunHarvest(context.Background(), cfg, conn, testLogger(), RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, unpacker.ErrUnreadableArchive)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Checkpointed)
	assert.Equal(t, 0, sum.Members)

	done, err := db.GetCompletedWorkItems(context.Background(), conn, testLogger())
	require.NoError(t, err)
	assert.False(t, done["1t_ZZ"], "an unreadable bundle must stay retryable")

	_, err = os.Stat(cfg.ArchivePathFor(cfg.Worklist[0]))
	assert.True(t, os.IsNotExist(err))
}

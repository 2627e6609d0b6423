package dsync_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/dsync"
	"github.com/rednimgames/rose-updater/manifest"
	"github.com/rednimgames/rose-updater/policy"
	"github.com/rednimgames/rose-updater/progress"
	"github.com/rednimgames/rose-updater/source/mem"
	"github.com/rednimgames/rose-updater/testutil"
)

const fleetChunk = 1024

// publish archives files into a fresh mem bucket and writes its manifest.
// The updater binary, if non-nil, is published as the manifest's updater entry.
// It returns the bucket's base URL.
func publish(t *testing.T, files map[string][]byte, updaterBin []byte, extra ...manifest.RemoteEntry) string {
	t.Helper()

	name := t.Name()
	b := mem.NewBucket(name)
	m := &manifest.Remote{Version: 1}

	entry := func(rel string, data []byte) manifest.RemoteEntry {
		archived, hdr := testutil.BuildArchive(t, data, createOpts(fleetChunk))
		path := "data/" + rel + ".cba"
		b.Put(path, archived)
		return manifest.RemoteEntry{
			Path:       path,
			SourcePath: rel,
			SourceHash: hdr.Hash.Bytes(hdr.SourceHash),
			SourceSize: hdr.SourceLength,
		}
	}

	for _, rel := range sortedKeys(files) {
		m.Files = append(m.Files, entry(rel, files[rel]))
	}
	m.Files = append(m.Files, extra...)
	if updaterBin != nil {
		m.Updater = entry("rose-updater.exe", updaterBin)
	}

	var buf bytes.Buffer
	if err := manifest.Encode(&buf, m); err != nil {
		t.Fatal(err)
	}
	b.Put(manifest.DefaultName, buf.Bytes())
	return "mem://" + name + "/"
}

func sortedKeys(m map[string][]byte) []string {
	var keys []string
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func checkTree(t *testing.T, dir string, files map[string][]byte) {
	t.Helper()
	for rel, want := range files {
		checkFile(t, filepath.Join(dir, filepath.FromSlash(rel)), want)
	}
}

func TestFleet(t *testing.T) {
	var (
		ctx   = context.Background()
		out   = t.TempDir()
		files = map[string][]byte{
			"a.bin":      testutil.Blocks(fleetChunk, 1, 2, 3),
			"sub/b.bin":  testutil.Blocks(fleetChunk, 3, 4),
			"conf/c.xml": []byte("<config>1</config>"),
		}
		state progress.State
	)
	base := publish(t, files, nil)

	fl := &dsync.Fleet{
		BaseURL:   base,
		OutputDir: out,
		Progress:  &state,
		Options:   syncOpts(),
	}
	report, err := fl.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	checkTree(t, out, files)
	if report.Result != dsync.ApplicationUpdated || len(report.Files) != 3 || report.Skipped != 0 {
		t.Errorf("got result %s with %d files and %d skipped", report.Result, len(report.Files), report.Skipped)
	}
	if snap := state.Snapshot(); snap.Stage != progress.Done {
		t.Errorf("got stage %s, want done", snap.Stage)
	}

	store := manifest.NewFileStore(manifest.LocalPath(out, t.Name()))
	local, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, e := range local.Files {
		paths = append(paths, e.Path)
	}
	if diff := cmp.Diff([]string{"a.bin", "conf/c.xml", "sub/b.bin"}, paths); diff != "" {
		t.Errorf("local manifest paths (-want +got):\n%s", diff)
	}

	// Nothing has changed, so nothing is synchronized.
	report, err = fl.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Files) != 0 || report.Skipped != 3 {
		t.Errorf("second run synchronized %d files and skipped %d", len(report.Files), report.Skipped)
	}

	// A deleted file is restored even though the manifest lists it.
	if err = os.Remove(filepath.Join(out, "a.bin")); err != nil {
		t.Fatal(err)
	}
	report, err = fl.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Files) != 1 || report.Files[0].Path != filepath.Join(out, "a.bin") {
		t.Errorf("got %d files synchronized", len(report.Files))
	}
	checkTree(t, out, files)
}

func TestFleetFailureIsolation(t *testing.T) {
	var (
		ctx   = context.Background()
		out   = t.TempDir()
		files = map[string][]byte{
			"a.bin": testutil.Blocks(fleetChunk, 1, 2),
			"b.bin": testutil.Blocks(fleetChunk, 3),
		}
		missing = manifest.RemoteEntry{Path: "data/gone.cba", SourcePath: "gone.bin", SourceHash: manifest.Digest{1}, SourceSize: 1}
	)
	base := publish(t, files, nil, missing)

	fl := &dsync.Fleet{BaseURL: base, OutputDir: out, Options: syncOpts()}
	report, err := fl.Run(ctx)

	var ferrs updater.FileErrors
	if !errors.As(err, &ferrs) {
		t.Fatalf("got %v, want FileErrors", err)
	}
	if len(ferrs) != 1 || ferrs["gone.bin"] == nil {
		t.Errorf("got errors %v", ferrs)
	}
	if !errors.Is(ferrs["gone.bin"], updater.ErrTransport) {
		t.Errorf("got %v, want transport error", ferrs["gone.bin"])
	}
	checkTree(t, out, files)
	if len(report.Files) != 3 {
		t.Errorf("got %d file results, want 3", len(report.Files))
	}

	local, err := manifest.NewFileStore(manifest.LocalPath(out, t.Name())).Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := local.Lookup("gone.bin"); ok {
		t.Error("failed file was recorded as installed")
	}
	if _, ok := local.Lookup("a.bin"); !ok {
		t.Error("succeeded file was not recorded")
	}

	// The next run retries only the failed file.
	report, err = fl.Run(ctx)
	if err == nil {
		t.Fatal("want error for the still-missing archive")
	}
	if len(report.Files) != 1 || report.Skipped != 2 {
		t.Errorf("second run synchronized %d files and skipped %d", len(report.Files), report.Skipped)
	}
}

func TestFleetWholeFilePolicy(t *testing.T) {
	var (
		ctx   = context.Background()
		out   = t.TempDir()
		text  = bytes.Repeat([]byte("<entry/>\n"), 500)
		files = map[string][]byte{
			"list.xml": text,
			"data.bin": testutil.Blocks(fleetChunk, 1, 2),
		}
	)
	base := publish(t, files, nil)

	// Both files are already present but unknown to the local manifest.
	for rel, data := range files {
		if err := os.WriteFile(filepath.Join(out, rel), data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	fl := &dsync.Fleet{
		BaseURL:   base,
		OutputDir: out,
		Policy:    policy.MustCompile(policy.DefaultPatterns),
		Options:   syncOpts(),
	}
	report, err := fl.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	checkTree(t, out, files)

	for _, res := range report.Files {
		switch filepath.Base(res.Path) {
		case "list.xml":
			if res.Reused != 0 || res.Chunks == 0 {
				t.Errorf("list.xml: reused %d bytes and fetched %d chunks; want a full download", res.Reused, res.Chunks)
			}
		case "data.bin":
			if res.Chunks != 0 {
				t.Errorf("data.bin: fetched %d chunks, want 0", res.Chunks)
			}
		}
	}
}

type fakeSelfUpdate struct {
	dir       string
	installed bool
	restarted []string
}

func (f *fakeSelfUpdate) TempPath() string { return filepath.Join(f.dir, "rose-updater.new") }

func (f *fakeSelfUpdate) Install() error {
	f.installed = true
	return os.Rename(f.TempPath(), filepath.Join(f.dir, "rose-updater.exe"))
}

func (f *fakeSelfUpdate) Restart(args []string) error {
	f.restarted = args
	return nil
}

func TestFleetSelfUpdate(t *testing.T) {
	var (
		ctx        = context.Background()
		out        = t.TempDir()
		updaterBin = testutil.Blocks(fleetChunk, 42, 43)
		files      = map[string][]byte{"a.bin": testutil.Blocks(fleetChunk, 1)}
		su         = &fakeSelfUpdate{dir: out}
	)
	base := publish(t, files, updaterBin)

	fl := &dsync.Fleet{
		BaseURL:    base,
		OutputDir:  out,
		Options:    syncOpts(),
		SelfUpdate: su,
		Args:       []string{"update", "-url", base},
	}
	report, err := fl.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Result != dsync.UpdaterUpdated {
		t.Errorf("got result %s, want updater updated", report.Result)
	}
	if !su.installed || su.restarted == nil {
		t.Error("updater was not installed and restarted")
	}
	checkFile(t, filepath.Join(out, "rose-updater.exe"), updaterBin)
	if _, err = os.Stat(filepath.Join(out, "a.bin")); !os.IsNotExist(err) {
		t.Error("other files were touched before the restart")
	}

	// The restarted updater finds itself current and updates the rest.
	*su = fakeSelfUpdate{dir: out}
	report, err = fl.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Result != dsync.ApplicationUpdated || su.installed {
		t.Errorf("got result %s, installed %v", report.Result, su.installed)
	}
	checkTree(t, out, files)
}

func TestFleetCancel(t *testing.T) {
	var (
		out   = t.TempDir()
		files = map[string][]byte{"a.bin": testutil.Blocks(fleetChunk, 1)}
	)
	base := publish(t, files, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fl := &dsync.Fleet{BaseURL: base, OutputDir: out, Options: syncOpts()}
	if _, err := fl.Run(ctx); !errors.Is(err, updater.ErrCancelled) {
		t.Errorf("got %v, want cancellation", err)
	}

	if _, err := fl.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	checkTree(t, out, files)
}

// fdCounter records the most file descriptors open during progress updates.
type fdCounter struct {
	progress.State

	mu   sync.Mutex
	peak int
}

func openFDs() int {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return -1
	}
	return len(entries)
}

func (c *fdCounter) Increment(n int64) {
	c.State.Increment(n)
	if fds := openFDs(); fds >= 0 {
		c.mu.Lock()
		if fds > c.peak {
			c.peak = fds
		}
		c.mu.Unlock()
	}
}

func TestFleetOpenFiles(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("counts descriptors through /proc")
	}

	const numFiles = 40

	var (
		ctx   = context.Background()
		out   = t.TempDir()
		files = make(map[string][]byte)
	)
	for i := 0; i < numFiles; i++ {
		files["f"+strconv.Itoa(i)+".bin"] = testutil.Blocks(fleetChunk, int64(i), int64(i+1))
	}
	base := publish(t, files, nil)

	counter := &fdCounter{}
	fl := &dsync.Fleet{
		BaseURL:     base,
		OutputDir:   out,
		Progress:    counter,
		Options:     syncOpts(),
		FileWorkers: 2,
	}
	baseline := openFDs()
	if _, err := fl.Run(ctx); err != nil {
		t.Fatal(err)
	}
	checkTree(t, out, files)

	// Two destination files, the lock file, the directories read by openFDs, and some slack.
	if extra := counter.peak - baseline; extra > 8 {
		t.Errorf("%d descriptors open beyond the baseline, want at most 8", extra)
	}
	if counter.peak == 0 {
		t.Error("no progress increments observed")
	}
}

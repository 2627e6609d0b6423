package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
	"github.com/rednimgames/rose-updater/source/mem"
)

// As written by the archive tool.
const remoteJSON = `{
  "version": 1,
  "updater": {"path": "data/rose-updater.exe.cba", "source_path": "rose-updater.exe", "source_hash": [1, 2, 3], "source_size": 3},
  "files": [
    {"path": "data/a.bin.cba", "source_path": "a.bin", "source_hash": [10, 11], "source_size": 100},
    {"path": "data/b.xml.cba", "source_path": "b.xml", "source_hash": "0c0d", "source_size": 200},
    {"path": "data/c/d.bin.cba", "source_path": "c/d.bin", "source_hash": [14], "source_size": 300}
  ]
}`

func TestDecode(t *testing.T) {
	m, err := Decode(strings.NewReader(remoteJSON))
	if err != nil {
		t.Fatal(err)
	}
	want := &Remote{
		Version: 1,
		Updater: RemoteEntry{Path: "data/rose-updater.exe.cba", SourcePath: "rose-updater.exe", SourceHash: Digest{1, 2, 3}, SourceSize: 3},
		Files: []RemoteEntry{
			{Path: "data/a.bin.cba", SourcePath: "a.bin", SourceHash: Digest{10, 11}, SourceSize: 100},
			{Path: "data/b.xml.cba", SourcePath: "b.xml", SourceHash: Digest{12, 13}, SourceSize: 200},
			{Path: "data/c/d.bin.cba", SourcePath: "c/d.bin", SourceHash: Digest{14}, SourceSize: 300},
		},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestDigestJSON(t *testing.T) {
	b, err := json.Marshal(LocalEntry{Path: "x", Hash: Digest{0, 127, 255}, Size: 3})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"path":"x","hash":[0,127,255],"size":3}`; string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}

	var d Digest
	if err = json.Unmarshal([]byte(`[256]`), &d); err == nil {
		t.Error("want error for out-of-range byte")
	}
	if err = json.Unmarshal([]byte(`"zz"`), &d); err == nil {
		t.Error("want error for bad hex")
	}
	if err = json.Unmarshal([]byte(`[]`), &d); err != nil || len(d) != 0 {
		t.Errorf("empty digest: got %v, %v", d, err)
	}
}

func TestDiff(t *testing.T) {
	remote, err := Decode(strings.NewReader(remoteJSON))
	if err != nil {
		t.Fatal(err)
	}

	paths := func(entries []RemoteEntry) []string {
		var out []string
		for _, e := range entries {
			out = append(out, e.SourcePath)
		}
		return out
	}
	all := func(string) bool { return true }

	if got := paths(Diff(remote, Empty(), all)); !cmp.Equal(got, []string{"a.bin", "b.xml", "c/d.bin"}) {
		t.Errorf("empty local manifest: got %v", got)
	}

	local := Empty()
	for _, e := range remote.Files {
		local.Set(e.Installed())
	}
	if got := Diff(remote, local, all); len(got) != 0 {
		t.Errorf("up to date: got %v", paths(got))
	}

	missing := func(p string) bool { return p != "b.xml" }
	if got := paths(Diff(remote, local, missing)); !cmp.Equal(got, []string{"b.xml"}) {
		t.Errorf("missing file: got %v", got)
	}

	local.Set(LocalEntry{Path: "a.bin", Hash: Digest{10, 11}, Size: 99})
	local.Set(LocalEntry{Path: "c/d.bin", Hash: Digest{15}, Size: 300})
	if got := paths(Diff(remote, local, all)); !cmp.Equal(got, []string{"a.bin", "c/d.bin"}) {
		t.Errorf("changed files: got %v", got)
	}
	if len(local.Files) != 3 {
		t.Errorf("Set duplicated entries: %d files", len(local.Files))
	}
}

func TestFileStore(t *testing.T) {
	var (
		ctx  = context.Background()
		path = LocalPath(t.TempDir(), "updates.example.com")
		s    = NewFileStore(path)
	)
	if !strings.HasSuffix(filepath.ToSlash(path), "updater/updates.example.com/local_manifest.json") {
		t.Errorf("unexpected path %s", path)
	}

	m, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Empty(), m); diff != "" {
		t.Errorf("missing manifest should load empty (-want +got):\n%s", diff)
	}

	m.Updater = LocalEntry{Path: "rose-updater.exe", Hash: Digest{1}, Size: 1}
	m.Set(LocalEntry{Path: "a.bin", Hash: Digest{2, 3}, Size: 2})
	if err = s.Save(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp*"))
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestFetch(t *testing.T) {
	ctx := context.Background()
	m, err := Fetch(ctx, mem.New("manifest.json", []byte(remoteJSON)), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Files) != 3 {
		t.Errorf("got %d files, want 3", len(m.Files))
	}

	var calls int
	retry := func(_ context.Context, f func() error) error {
		calls++
		return f()
	}
	_, err = Fetch(ctx, mem.New("bad", []byte("{not json")), retry)
	if !errors.Is(err, updater.ErrMalformedArchive) {
		t.Errorf("got %v, want malformed", err)
	}
	if calls != 1 {
		t.Errorf("retry called %d times", calls)
	}

	var buf bytes.Buffer
	if err = Encode(&buf, m); err != nil {
		t.Fatal(err)
	}
	again, err := Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, again); diff != "" {
		t.Errorf("re-encoded manifest differs (-want +got):\n%s", diff)
	}
}

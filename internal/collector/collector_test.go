package collector

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/throw-if-null/recoverybench/internal/paths"
	"github.com/throw-if-null/recoverybench/internal/testutil"
)

func newRun(t *testing.T, base, id string, started time.Time) string {
	t.Helper()
	dir := filepath.Join(base, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	testutil.WriteRunFile(t, dir, id, started)
	return dir
}

func TestMergeScenarioThreeOfThree(t *testing.T) {
	base := t.TempDir()
	t0 := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	run0 := newRun(t, base, "initial-m-1", t0)
	run1 := newRun(t, base, "replay-m-1-iter1", t0.Add(time.Hour))
	testutil.WriteTrial(t, run0, testutil.Trial{CanonicalID: "aaaaaaaa", Slug: "x", K: 1})
	testutil.WriteTrial(t, run0, testutil.Trial{CanonicalID: "aaaaaaaa", Slug: "x", K: 2})
	testutil.WriteTrial(t, run1, testutil.Trial{CanonicalID: "aaaaaaaa", Slug: "x", K: 1})

	dest := filepath.Join(base, "collected")
	corpus, err := Merge(context.Background(), []string{run0, run1}, dest, Options{MinEpisodes: 3})
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	eps := corpus.Tasks["aaaaaaaa"]
	if len(eps) != 3 {
		t.Fatalf("expected 3 episodes, got %d", len(eps))
	}
	want := []string{"initial-m-1-1", "initial-m-1-2", "replay-m-1-iter1-1"}
	for i, ep := range eps {
		if ep.Name != want[i] {
			t.Fatalf("episode %d: got %s want %s", i, ep.Name, want[i])
		}
		if _, err := os.Stat(filepath.Join(dest, "aaaaaaaa", ep.Name, "results.json")); err != nil {
			t.Fatalf("episode %s not copied: %v", ep.Name, err)
		}
	}
}

func TestMergeCappingLaw(t *testing.T) {
	base := t.TempDir()
	run := newRun(t, base, "r0", time.Now())
	for k := 1; k <= 5; k++ {
		testutil.WriteTrial(t, run, testutil.Trial{CanonicalID: "aaaaaaaa", Slug: "big", K: k})
	}
	testutil.WriteTrial(t, run, testutil.Trial{CanonicalID: "bbbbbbbb", Slug: "small", K: 1})

	corpus, err := Merge(context.Background(), []string{run}, filepath.Join(base, "out"), Options{MinEpisodes: 3})
	if err != nil {
		t.Fatal(err)
	}
	available := map[string]int{"aaaaaaaa": 5, "bbbbbbbb": 1}
	for id, n := range available {
		want := n
		if want > 3 {
			want = 3
		}
		if got := len(corpus.Tasks[id]); got != want {
			t.Fatalf("%s: got %d episodes, want %d", id, got, want)
		}
	}
}

func TestMergeKeepsSameIndexAcrossTasks(t *testing.T) {
	base := t.TempDir()
	run0 := newRun(t, base, "r0", time.Now())
	run1 := newRun(t, base, "r1", time.Now())
	for _, run := range []string{run0, run1} {
		testutil.WriteTrial(t, run, testutil.Trial{CanonicalID: "aaaaaaaa", Slug: "a", K: 1})
		testutil.WriteTrial(t, run, testutil.Trial{CanonicalID: "bbbbbbbb", Slug: "b", K: 1})
	}

	dest := filepath.Join(base, "out")
	corpus, err := Merge(context.Background(), []string{run0, run1}, dest, Options{MinEpisodes: 3})
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"aaaaaaaa", "bbbbbbbb"} {
		eps := corpus.Tasks[id]
		if len(eps) != 2 || eps[0].Name != "r0-1" || eps[1].Name != "r1-1" {
			t.Fatalf("%s: unexpected episodes %+v", id, eps)
		}
	}

	again, err := Merge(context.Background(), []string{dest}, filepath.Join(base, "again"), Options{MinEpisodes: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Tasks["aaaaaaaa"]) != 2 || len(again.Tasks["bbbbbbbb"]) != 2 {
		t.Fatalf("re-merge of corpus lost episodes: %+v", again.Tasks)
	}
}

func TestMergeIdempotent(t *testing.T) {
	base := t.TempDir()
	run0 := newRun(t, base, "r0", time.Now())
	run1 := newRun(t, base, "r1", time.Now())
	testutil.WriteTrial(t, run0, testutil.Trial{CanonicalID: "aaaaaaaa", Slug: "a", K: 1, Steps: 2})
	testutil.WriteTrial(t, run1, testutil.Trial{CanonicalID: "aaaaaaaa", Slug: "a", K: 1, Steps: 1})
	testutil.WriteTrial(t, run1, testutil.Trial{CanonicalID: "bbbbbbbb", Slug: "b", K: 1, Resolved: true})

	dest := filepath.Join(base, "out")
	opts := Options{MinEpisodes: 10}
	if _, err := Merge(context.Background(), []string{run0, run1}, dest, opts); err != nil {
		t.Fatal(err)
	}
	first, err := os.ReadFile(filepath.Join(dest, CorpusFile))
	if err != nil {
		t.Fatal(err)
	}

	again := filepath.Join(base, "again")
	if _, err := Merge(context.Background(), []string{dest}, again, opts); err != nil {
		t.Fatalf("merge of corpus: %v", err)
	}
	second, err := os.ReadFile(filepath.Join(again, CorpusFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatalf("merge(merge(R)) != merge(R):\n%s\n%s", first, second)
	}

	// Re-running into the same destination changes nothing.
	if _, err := Merge(context.Background(), []string{run0, run1}, dest, opts); err != nil {
		t.Fatal(err)
	}
	third, err := os.ReadFile(filepath.Join(dest, CorpusFile))
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(third) {
		t.Fatalf("repeat merge not idempotent")
	}
}

func TestMergeDeduplicatesAndPrunes(t *testing.T) {
	base := t.TempDir()
	run := newRun(t, base, "r0", time.Now())
	testutil.WriteTrial(t, run, testutil.Trial{CanonicalID: "aaaaaaaa", Slug: "a", K: 1})
	dest := filepath.Join(base, "out")

	stale := filepath.Join(dest, "cccccccc", "old-run-1")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}
	corpus, err := Merge(context.Background(), []string{run, run}, dest, Options{MinEpisodes: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(corpus.Tasks["aaaaaaaa"]) != 1 {
		t.Fatalf("duplicate input must not duplicate episodes: %+v", corpus.Tasks)
	}
	if _, err := os.Stat(filepath.Join(dest, "cccccccc")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale task should be pruned, got %v", err)
	}
}

func TestMergeUnsolvedOnly(t *testing.T) {
	base := t.TempDir()
	run := newRun(t, base, "r0", time.Now())
	testutil.WriteTrial(t, run, testutil.Trial{CanonicalID: "aaaaaaaa", Slug: "a", K: 1, Resolved: true})
	testutil.WriteTrial(t, run, testutil.Trial{CanonicalID: "aaaaaaaa", Slug: "a", K: 2})
	corpus, err := Merge(context.Background(), []string{run}, filepath.Join(base, "out"), Options{MinEpisodes: 10, UnsolvedOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	eps := corpus.Tasks["aaaaaaaa"]
	if len(eps) != 1 || eps[0].Index != 2 {
		t.Fatalf("expected only the unsolved episode, got %+v", eps)
	}
}

func TestOrderChronological(t *testing.T) {
	base := t.TempDir()
	t0 := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	late := newRun(t, base, "late", t0.Add(time.Minute))
	early := newRun(t, base, "early", t0)

	got, err := OrderChronological([]string{late, early})
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != early || got[1] != late {
		t.Fatalf("unexpected order %v", got)
	}

	tie := newRun(t, base, "tie", t0)
	if _, err := OrderChronological([]string{early, tie}); !errors.Is(err, ErrAmbiguousOrder) {
		t.Fatalf("expected ErrAmbiguousOrder for tie, got %v", err)
	}

	bare := filepath.Join(base, "bare")
	if err := os.MkdirAll(bare, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := OrderChronological([]string{early, bare}); !errors.Is(err, ErrAmbiguousOrder) {
		t.Fatalf("expected ErrAmbiguousOrder for missing run record, got %v", err)
	}
}

func TestTreeDigestDetectsChange(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(p, []byte("one"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := treeDigest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := paths.WriteFileAtomic(p, []byte("two"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := treeDigest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatalf("digest did not change")
	}
}

func TestTreeDigestSeparatesContentFromNextEntry(t *testing.T) {
	enc := func(s string) []byte {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		return append(n[:], s...)
	}
	// One file whose bytes spell out a second entry, against the real two files.
	one := t.TempDir()
	body := append(append(enc("b"), enc("F")...), 'c')
	if err := os.WriteFile(filepath.Join(one, "a"), body, 0o644); err != nil {
		t.Fatal(err)
	}
	two := t.TempDir()
	if err := os.WriteFile(filepath.Join(two, "a"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(two, "b"), []byte("c"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := treeDigest(one)
	if err != nil {
		t.Fatal(err)
	}
	b, err := treeDigest(two)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatalf("different trees share digest %s", a)
	}
}

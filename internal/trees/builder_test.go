package trees

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sushibar/internal/domain"
)

type fakeFetcher struct {
	children map[string][]domain.TreeNode
	failRoot bool
	calls    int
}

func (f *fakeFetcher) GetNodeChildren(_ context.Context, _, _, _ string, nodeID string) ([]domain.TreeNode, error) {
	f.calls++
	if nodeID == "" && f.failRoot {
		return nil, errors.New("unreachable")
	}
	return f.children[nodeID], nil
}

func intp(v int64) *int64 { return &v }

func testRunContext() RunContext {
	return RunContext{
		Server:    "https://studio.example.org",
		Token:     "tok",
		ChannelID: "chan1",
		RunID:     "run1",
		CreatedAt: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
	}
}

func TestCachePath(t *testing.T) {
	b := &Builder{Root: "/tmp/trees"}
	got := b.CachePath(testRunContext())
	want := filepath.Join("/tmp/trees", "chan1", "2024-3", "run1.json")
	if got != want {
		t.Fatalf("CachePath = %q, want %q", got, want)
	}
}

func TestBuildWalksAndCaches(t *testing.T) {
	f := &fakeFetcher{children: map[string][]domain.TreeNode{
		"": {
			{NodeID: "n1", Kind: "topic", Title: "Math"},
			{Kind: "video", Title: "Intro"},
		},
		"n1": {
			{NodeID: "n2", Kind: "topic", Title: "Algebra"},
		},
		"n2": {
			{Kind: "exercise", Title: "Quiz"},
		},
	}}
	b := &Builder{Fetcher: f, Root: t.TempDir()}
	rc := testRunContext()

	forest, err := b.Build(context.Background(), rc)
	if err != nil {
		t.Fatal(err)
	}
	if len(forest) != 2 {
		t.Fatalf("root nodes = %d", len(forest))
	}
	if len(forest[0].Children) != 1 || forest[0].Children[0].Title != "Algebra" {
		t.Fatalf("first level children = %+v", forest[0].Children)
	}
	if len(forest[0].Children[0].Children) != 1 || forest[0].Children[0].Children[0].Title != "Quiz" {
		t.Fatalf("second level children = %+v", forest[0].Children[0].Children)
	}
	if _, err := os.Stat(b.CachePath(rc)); err != nil {
		t.Fatalf("cache file not written: %v", err)
	}

	// Read should come from the cache, not the fetcher.
	before := f.calls
	cached := b.Read(context.Background(), rc)
	if f.calls != before {
		t.Fatal("Read hit the fetcher despite a cache file")
	}
	if len(cached) != 2 {
		t.Fatalf("cached root nodes = %d", len(cached))
	}
}

func TestBuildRootFailureYieldsEmptyForest(t *testing.T) {
	f := &fakeFetcher{failRoot: true}
	b := &Builder{Fetcher: f, Root: t.TempDir()}
	forest, err := b.Build(context.Background(), testRunContext())
	if err != nil {
		t.Fatal(err)
	}
	if len(forest) != 0 {
		t.Fatalf("forest = %+v, want empty", forest)
	}
}

func TestReadFallsBackToRootFetch(t *testing.T) {
	f := &fakeFetcher{children: map[string][]domain.TreeNode{
		"": {{NodeID: "n1", Kind: "topic", Title: "Math"}},
	}}
	b := &Builder{Fetcher: f, Root: t.TempDir()}
	rc := testRunContext()

	forest := b.Read(context.Background(), rc)
	if len(forest) != 1 || forest[0].Title != "Math" {
		t.Fatalf("fallback forest = %+v", forest)
	}
	// The fallback fetches only the root level and must not backfill the cache.
	if _, err := os.Stat(b.CachePath(rc)); !os.IsNotExist(err) {
		t.Fatalf("fallback should not write the cache: %v", err)
	}
}

func TestDecorate(t *testing.T) {
	forest := []domain.TreeNode{
		{Kind: "topic", Title: "Math", Children: []domain.TreeNode{
			{Kind: "video", Title: "Intro", FileSize: intp(2048)},
		}},
	}
	Decorate(forest)
	if forest[0].Icon != "fa-folder" {
		t.Errorf("topic icon = %q", forest[0].Icon)
	}
	child := forest[0].Children[0]
	if child.Icon != "fa-video-camera" {
		t.Errorf("video icon = %q", child.Icon)
	}
	if child.Size != "2.0KB" {
		t.Errorf("size = %q", child.Size)
	}
}

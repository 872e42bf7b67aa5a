// Package trees builds and caches per-run snapshots of the remote content
// hierarchy.
package trees

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sushibar/internal/domain"
	"sushibar/internal/stats"
)

// ChildFetcher fetches the immediate children of one remote node. An empty
// nodeID addresses the root level.
type ChildFetcher interface {
	GetNodeChildren(ctx context.Context, server, token, channelID, nodeID string) ([]domain.TreeNode, error)
}

// RunContext carries everything needed to walk and cache one run's tree.
type RunContext struct {
	Server    string
	Token     string
	ChannelID string // 32-char hex
	RunID     string // 32-char hex
	CreatedAt time.Time
}

// Builder walks remote trees node by node and persists the result as a JSON
// file keyed by channel and run.
type Builder struct {
	Fetcher ChildFetcher
	Root    string // tree cache root directory
}

// CachePath is deterministic from channel, run, and the run's creation
// year/month. The month partition only bounds directory growth; the month is
// written unpadded.
func (b *Builder) CachePath(rc RunContext) string {
	subfolder := fmt.Sprintf("%d-%d", rc.CreatedAt.Year(), int(rc.CreatedAt.Month()))
	return filepath.Join(b.Root, rc.ChannelID, subfolder, rc.RunID+".json")
}

// Build walks the full tree and writes it to the cache file. Remote failures
// prune the affected subtree instead of aborting: a partial tree is an
// acceptable result and the caller decides whether to retry the whole walk.
// Only cache-write failures are reported as errors.
//
// Large channels take tens of seconds to walk, so Build must never run inside
// a request handler; dispatch it through the background queue.
func (b *Builder) Build(ctx context.Context, rc RunContext) ([]domain.TreeNode, error) {
	forest := b.walk(ctx, rc)
	path := b.CachePath(rc)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return forest, err
	}
	data, err := json.Marshal(forest)
	if err != nil {
		return forest, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return forest, err
	}
	return forest, nil
}

// walk expands the tree with an explicit worklist rather than recursion, so
// pathologically deep hierarchies cannot exhaust the stack.
func (b *Builder) walk(ctx context.Context, rc RunContext) []domain.TreeNode {
	forest, err := b.Fetcher.GetNodeChildren(ctx, rc.Server, rc.Token, rc.ChannelID, "")
	if err != nil {
		return []domain.TreeNode{}
	}
	var worklist []*domain.TreeNode
	for i := range forest {
		if forest[i].NodeID != "" {
			worklist = append(worklist, &forest[i])
		}
	}
	for len(worklist) > 0 {
		node := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		children, err := b.Fetcher.GetNodeChildren(ctx, rc.Server, rc.Token, rc.ChannelID, node.NodeID)
		if err != nil {
			children = nil
		}
		node.Children = children
		for i := range node.Children {
			if node.Children[i].NodeID != "" {
				worklist = append(worklist, &node.Children[i])
			}
		}
	}
	return forest
}

// Read returns the cached tree for a run. When no cache file exists it falls
// back to a live fetch of just the root level; the fallback does not populate
// the cache. Remote failure on the fallback path yields an empty forest.
func (b *Builder) Read(ctx context.Context, rc RunContext) []domain.TreeNode {
	data, err := os.ReadFile(b.CachePath(rc))
	if err != nil {
		if !os.IsNotExist(err) {
			return []domain.TreeNode{}
		}
		forest, ferr := b.Fetcher.GetNodeChildren(ctx, rc.Server, rc.Token, rc.ChannelID, "")
		if ferr != nil {
			return []domain.TreeNode{}
		}
		return forest
	}
	var forest []domain.TreeNode
	if err := json.Unmarshal(data, &forest); err != nil {
		return []domain.TreeNode{}
	}
	return forest
}

// Decorate annotates every node in place with a display icon and a formatted
// file size, recursing through children.
func Decorate(forest []domain.TreeNode) {
	for i := range forest {
		node := &forest[i]
		node.Icon = stats.Icon(node.Kind)
		if node.FileSize != nil {
			node.Size = stats.SizeOf(*node.FileSize)
		}
		Decorate(node.Children)
	}
}

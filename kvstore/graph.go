package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// branchPrefix is where named branch heads live inside the store.
const branchPrefix = "branches/"

// Branch is a named pointer to a commit node.
type Branch struct {
	Name string
	Head string
}

// BranchKey returns the store key of a named branch.
func BranchKey(name string) string {
	return branchPrefix + name
}

// Commit is a decoded commit node: parent references plus the index roots
// (primary and optional historical) whose subtrees the commit pins.
type Commit struct {
	Timestamp time.Time `json:"timestamp"`
	Parents   []string  `json:"parents"`
	Roots     []string  `json:"roots"`
}

type branchNode struct {
	Head string `json:"head"`
}

type commitNode struct {
	Type      string    `json:"node/type"`
	Timestamp time.Time `json:"timestamp"`
	Parents   []string  `json:"parents"`
	Roots     []string  `json:"roots"`
}

type indexNode struct {
	Type     string   `json:"node/type"`
	Children []string `json:"children"`
}

// Graph walks the commit DAG and index trees of a content-addressed store.
// Example:
//
//	g := kvstore.NewGraph(store)
//	branches, err := g.Branches(ctx)
//	head, err := g.Commit(ctx, branches[0].Head)
type Graph struct {
	store Store
}

// NewGraph wraps a store with graph access.
func NewGraph(store Store) *Graph {
	return &Graph{store: store}
}

// Store returns the underlying store.
func (g *Graph) Store() Store { return g.store }

// Branches lists the named branches and their commit heads.
func (g *Graph) Branches(ctx context.Context) ([]Branch, error) {
	keys, err := g.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	var branches []Branch
	for _, info := range keys {
		if !strings.HasPrefix(info.Key, branchPrefix) {
			continue
		}
		value, err := g.store.Get(ctx, info.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to read branch %s: %w", info.Key, err)
		}
		var node branchNode
		if err := json.Unmarshal(value, &node); err != nil {
			return nil, fmt.Errorf("failed to decode branch %s: %w", info.Key, err)
		}
		branches = append(branches, Branch{
			Name: strings.TrimPrefix(info.Key, branchPrefix),
			Head: node.Head,
		})
	}
	return branches, nil
}

// Commit loads and decodes one commit node.
func (g *Graph) Commit(ctx context.Context, key string) (*Commit, error) {
	value, err := g.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", key, err)
	}
	var node commitNode
	if err := json.Unmarshal(value, &node); err != nil {
		return nil, fmt.Errorf("failed to decode commit %s: %w", key, err)
	}
	if node.Type != "commit" {
		return nil, fmt.Errorf("key %s is not a commit node (%q)", key, node.Type)
	}
	return &Commit{Timestamp: node.Timestamp, Parents: node.Parents, Roots: node.Roots}, nil
}

// Mark returns every key reachable from the index root, the root included.
// A missing root yields ErrNotReady: an empty or unflushed index has no
// reachable nodes yet.
func (g *Graph) Mark(ctx context.Context, root string) (map[string]struct{}, error) {
	if _, err := g.store.Get(ctx, root); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotReady
		}
		return nil, fmt.Errorf("failed to read index root %s: %w", root, err)
	}
	reachable := make(map[string]struct{})
	stack := []string{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := reachable[key]; seen {
			continue
		}
		reachable[key] = struct{}{}

		value, err := g.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// A dangling child reference pins nothing further.
				continue
			}
			return nil, fmt.Errorf("failed to read index node %s: %w", key, err)
		}
		var node indexNode
		if err := json.Unmarshal(value, &node); err != nil {
			// Leaf values need not be JSON nodes.
			continue
		}
		stack = append(stack, node.Children...)
	}
	return reachable, nil
}

// WriteBranch points a named branch at a commit key.
func (g *Graph) WriteBranch(ctx context.Context, name, head string) error {
	data, err := json.Marshal(branchNode{Head: head})
	if err != nil {
		return err
	}
	return g.store.Put(ctx, BranchKey(name), data)
}

// WriteCommit stores a commit node at key.
func (g *Graph) WriteCommit(ctx context.Context, key string, c Commit) error {
	data, err := json.Marshal(commitNode{
		Type:      "commit",
		Timestamp: c.Timestamp,
		Parents:   c.Parents,
		Roots:     c.Roots,
	})
	if err != nil {
		return err
	}
	return g.store.Put(ctx, key, data)
}

// WriteIndexNode stores an index node at key with the given children.
func (g *Graph) WriteIndexNode(ctx context.Context, key string, children []string) error {
	data, err := json.Marshal(indexNode{Type: "index", Children: children})
	if err != nil {
		return err
	}
	return g.store.Put(ctx, key, data)
}

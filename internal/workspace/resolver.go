// Package workspace resolves logical tool paths ("scope:/rel") to sandboxed
// locations under the workspace base directory. Each task writes to its own
// private root, shares files through the root task of its ancestor chain, and
// reads workspace-wide material from public.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sharederrors "seed/internal/shared/errors"
	"seed/internal/shared/logging"
)

// Scope names a sandbox root.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopeShared  Scope = "shared"
	ScopePublic  Scope = "public"
)

// TaskTree exposes the slice of the tasks projection the resolver needs.
type TaskTree interface {
	// RootOf returns the top of the task's ancestor chain.
	RootOf(taskID string) string
	// HasDescendants reports whether any task has rootID as an ancestor.
	HasDescendants(rootID string) bool
}

// Resolved is the outcome of resolving one logical path.
type Resolved struct {
	Scope              Scope
	ScopeRootStorePath string // relative to baseDir, e.g. "private/task-1"
	StorePath          string // relative to baseDir
	AbsolutePath       string
	LogicalPath        string
}

// ResolveOptions adjusts resolution for one call.
type ResolveOptions struct {
	// DefaultScope applies when the logical path carries no "scope:/" prefix.
	// Empty means private.
	DefaultScope Scope
}

// Resolver maps logical paths for one task.
type Resolver struct {
	baseDir string
	taskID  string
	tree    TaskTree
	logger  logging.Logger
}

// NewResolver builds a resolver rooted at baseDir for the given task.
func NewResolver(baseDir, taskID string, tree TaskTree, logger logging.Logger) *Resolver {
	return &Resolver{
		baseDir: baseDir,
		taskID:  taskID,
		tree:    tree,
		logger:  logging.OrNop(logger),
	}
}

// BaseDir returns the workspace base directory.
func (r *Resolver) BaseDir() string { return r.baseDir }

// TaskID returns the task this resolver serves.
func (r *Resolver) TaskID() string { return r.taskID }

// ResolveToolPath parses a logical path, enforces the sandbox and provisions
// the scope root when the scope allows it.
func (r *Resolver) ResolveToolPath(ctx context.Context, logicalPath string, opts ResolveOptions) (*Resolved, error) {
	_ = ctx
	if strings.ContainsRune(logicalPath, 0) {
		return nil, sharederrors.InvalidPath("path contains NUL byte")
	}

	scope, rel, err := splitLogicalPath(logicalPath, opts.DefaultScope)
	if err != nil {
		return nil, err
	}

	scopeRootRel, err := r.scopeRoot(scope)
	if err != nil {
		return nil, err
	}

	scopeRootAbs := filepath.Join(r.baseDir, filepath.FromSlash(scopeRootRel))
	abs := filepath.Clean(filepath.Join(scopeRootAbs, filepath.FromSlash(rel)))
	if !withinRoot(scopeRootAbs, abs) {
		return nil, sharederrors.PathEscape("path %q escapes %s scope", logicalPath, scope)
	}

	// Public is never auto-created; private and shared roots appear on first
	// use so a task can write without a separate provisioning step.
	if scope != ScopePublic {
		if err := os.MkdirAll(scopeRootAbs, 0o755); err != nil {
			return nil, fmt.Errorf("provision %s root: %w", scope, err)
		}
	}

	storePath, err := filepath.Rel(r.baseDir, abs)
	if err != nil {
		return nil, fmt.Errorf("relativize %q: %w", abs, err)
	}

	return &Resolved{
		Scope:              scope,
		ScopeRootStorePath: scopeRootRel,
		StorePath:          filepath.ToSlash(storePath),
		AbsolutePath:       abs,
		LogicalPath:        canonicalLogicalPath(scope, scopeRootRel, filepath.ToSlash(storePath)),
	}, nil
}

// MapStorePathToLogicalPath converts a baseDir-relative path back to its
// logical form for a known scope. Paths outside the scope root come back
// unchanged so grep and glob output never loses entries.
func (r *Resolver) MapStorePathToLogicalPath(scope Scope, scopeRootStorePath, storePath string) string {
	return canonicalLogicalPath(scope, scopeRootStorePath, filepath.ToSlash(storePath))
}

func (r *Resolver) scopeRoot(scope Scope) (string, error) {
	switch scope {
	case ScopePrivate:
		return "private/" + r.taskID, nil
	case ScopeShared:
		root := r.tree.RootOf(r.taskID)
		if !r.tree.HasDescendants(root) {
			return "", sharederrors.Validation("shared scope unavailable: task %s has no task family to share with", r.taskID)
		}
		return "shared/" + root, nil
	case ScopePublic:
		return "public", nil
	default:
		return "", sharederrors.InvalidPath("unknown scope %q", scope)
	}
}

func splitLogicalPath(logicalPath string, defaultScope Scope) (Scope, string, error) {
	if defaultScope == "" {
		defaultScope = ScopePrivate
	}
	trimmed := strings.TrimSpace(logicalPath)
	for _, scope := range []Scope{ScopePrivate, ScopeShared, ScopePublic} {
		prefix := string(scope) + ":/"
		if strings.HasPrefix(trimmed, prefix) {
			return scope, strings.TrimPrefix(trimmed, prefix), nil
		}
	}
	if idx := strings.Index(trimmed, ":/"); idx > 0 && !strings.ContainsAny(trimmed[:idx], "/\\") {
		return "", "", sharederrors.InvalidPath("unknown scope %q", trimmed[:idx])
	}
	return defaultScope, trimmed, nil
}

func canonicalLogicalPath(scope Scope, scopeRootStorePath, storePath string) string {
	root := strings.TrimSuffix(scopeRootStorePath, "/")
	if storePath == root {
		return string(scope) + ":/"
	}
	if strings.HasPrefix(storePath, root+"/") {
		return string(scope) + ":/" + strings.TrimPrefix(storePath, root+"/")
	}
	return storePath
}

func withinRoot(root, target string) bool {
	rootClean := filepath.Clean(root)
	targetClean := filepath.Clean(target)
	if targetClean == rootClean {
		return true
	}
	return strings.HasPrefix(targetClean, rootClean+string(filepath.Separator))
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"seed/internal/agent/ports"
)

const (
	defaultCacheMaxSize = 256
	defaultCacheTTL     = 5 * time.Minute
)

// CacheConfig configures the result cache wrapped around safe tools.
type CacheConfig struct {
	MaxSize int
	TTL     time.Duration
}

type cacheEntry struct {
	output   string
	metadata map[string]any
	storedAt time.Time
}

// cachedTool decorates a safe tool with an LRU result cache keyed by the
// tool name plus normalized arguments. Risky tools are never wrapped: their
// side effects must happen every time.
type cachedTool struct {
	delegate ports.ToolExecutor
	cache    *lru.Cache[string, cacheEntry]
	ttl      time.Duration
}

// WithCache wraps tool when it is safe to cache. Risky tools pass through.
func WithCache(tool ports.ToolExecutor, config CacheConfig) ports.ToolExecutor {
	if tool == nil || tool.Metadata().Risk != ports.RiskSafe {
		return tool
	}
	if config.MaxSize <= 0 {
		config.MaxSize = defaultCacheMaxSize
	}
	if config.TTL <= 0 {
		config.TTL = defaultCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](config.MaxSize)
	if err != nil {
		return tool
	}
	return &cachedTool{delegate: tool, cache: cache, ttl: config.TTL}
}

func (c *cachedTool) Execute(ctx context.Context, call ports.ToolInvocation) (*ports.ToolResult, error) {
	key := c.cacheKey(call)
	if entry, ok := c.cache.Get(key); ok {
		if time.Since(entry.storedAt) < c.ttl {
			return &ports.ToolResult{
				CallID:   call.CallID,
				Output:   entry.output,
				Metadata: cloneMetadata(entry.metadata),
			}, nil
		}
		c.cache.Remove(key)
	}

	result, err := c.delegate.Execute(ctx, call)
	if err != nil {
		return result, err
	}
	if result != nil && !result.IsError {
		c.cache.Add(key, cacheEntry{
			output:   result.Output,
			metadata: cloneMetadata(result.Metadata),
			storedAt: time.Now(),
		})
	}
	return result, nil
}

func (c *cachedTool) Definition() ports.ToolDefinition { return c.delegate.Definition() }

func (c *cachedTool) Metadata() ports.ToolMetadata { return c.delegate.Metadata() }

// CanExecute forwards to the delegate when it implements Preflight.
func (c *cachedTool) CanExecute(ctx context.Context, call ports.ToolInvocation) error {
	if pre, ok := c.delegate.(ports.Preflight); ok {
		return pre.CanExecute(ctx, call)
	}
	return nil
}

// cacheKey includes the task so one task's reads never leak into another's.
func (c *cachedTool) cacheKey(call ports.ToolInvocation) string {
	return fmt.Sprintf("%s:%s:%s", call.TaskID, c.delegate.Metadata().Name, normalizeArgs(call.Arguments))
}

func normalizeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(sortedMap(args))
	if err != nil {
		return "{}"
	}
	return string(data)
}

func sortedMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		if nested, ok := v.(map[string]any); ok {
			v = sortedMap(nested)
		}
		out[k] = v
	}
	return out
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

var _ ports.ToolExecutor = (*cachedTool)(nil)
var _ ports.Preflight = (*cachedTool)(nil)

// Package catalog maintains the model list served on /v1/models and the
// external-to-internal model id mapping used for completions.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/kiro-gateway/internal/domain"
)

// modelMap is the authoritative external-to-internal mapping. It is static:
// upstream discovery can add external names but never changes these entries.
var modelMap = map[string]string{
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4":            "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

type Descriptor struct {
	ExternalName string
	InternalID   string
	ModelID      string
	Origin       string // "upstream" or "fallback"
}

// Lister is the slice of the upstream client the catalog needs.
type Lister interface {
	ListAvailableModels(ctx context.Context) ([]byte, error)
}

type Catalog struct {
	lister Lister
	ttl    time.Duration

	mu       sync.Mutex // serializes (re-)population
	snapshot atomic.Pointer[snapshot]
}

type snapshot struct {
	descriptors []Descriptor
	fetchedAt   time.Time
}

func New(lister Lister, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Catalog{lister: lister, ttl: ttl}
}

// Resolve maps an external model name to the internal id sent upstream.
// The mapping is static and does not require a populated snapshot.
func (c *Catalog) Resolve(external string) (string, error) {
	if internal, ok := modelMap[external]; ok {
		return internal, nil
	}
	return "", fmt.Errorf("%w: %s", domain.ErrUnknownModel, external)
}

// Models returns the current descriptor set, populating or refreshing the
// snapshot when it is missing or older than the TTL. Concurrent callers that
// find a stale-but-present snapshot return it rather than blocking on the
// fetch.
func (c *Catalog) Models(ctx context.Context) []Descriptor {
	snap := c.snapshot.Load()
	if snap != nil && time.Since(snap.fetchedAt) < c.ttl {
		return snap.descriptors
	}

	if !c.mu.TryLock() {
		// A fetch is in flight; serve the stale snapshot if there is one.
		if snap != nil {
			return snap.descriptors
		}
		c.mu.Lock()
	}
	defer c.mu.Unlock()

	// Re-check after the lock: the in-flight fetch may have finished.
	if snap = c.snapshot.Load(); snap != nil && time.Since(snap.fetchedAt) < c.ttl {
		return snap.descriptors
	}

	descriptors := c.fetch(ctx)
	c.snapshot.Store(&snapshot{descriptors: descriptors, fetchedAt: time.Now()})
	return descriptors
}

// Cached reports how many descriptors the current snapshot holds, without
// triggering a fetch.
func (c *Catalog) Cached() int {
	if snap := c.snapshot.Load(); snap != nil {
		return len(snap.descriptors)
	}
	return 0
}

type upstreamModel struct {
	ModelID   string `json:"modelId"`
	ModelName string `json:"modelName"`
}

type upstreamModelList struct {
	Models []upstreamModel `json:"models"`
}

func (c *Catalog) fetch(ctx context.Context) []Descriptor {
	descriptors := fallbackDescriptors()

	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	body, err := c.lister.ListAvailableModels(fetchCtx)
	if err != nil {
		slog.Warn("model discovery failed, using fallback table", "error", err)
		return descriptors
	}

	var list upstreamModelList
	if err := json.Unmarshal(body, &list); err != nil {
		slog.Warn("model discovery returned malformed body, using fallback table", "error", err)
		return descriptors
	}

	known := make(map[string]bool, len(descriptors))
	for _, d := range descriptors {
		known[d.ExternalName] = true
	}
	for _, m := range list.Models {
		name := m.ModelName
		if name == "" {
			name = m.ModelID
		}
		if name == "" || known[name] {
			continue
		}
		known[name] = true
		descriptors = append(descriptors, Descriptor{
			ExternalName: name,
			InternalID:   m.ModelID,
			ModelID:      m.ModelID,
			Origin:       "upstream",
		})
	}

	slog.Info("model catalog populated", "models", len(descriptors))
	return descriptors
}

func fallbackDescriptors() []Descriptor {
	names := make([]string, 0, len(modelMap))
	for name := range modelMap {
		names = append(names, name)
	}
	sort.Strings(names)

	descriptors := make([]Descriptor, 0, len(names))
	for _, name := range names {
		descriptors = append(descriptors, Descriptor{
			ExternalName: name,
			InternalID:   modelMap[name],
			ModelID:      modelMap[name],
			Origin:       "fallback",
		})
	}
	return descriptors
}

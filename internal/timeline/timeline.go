// Package timeline merges every per-task record stream into one
// time-ordered, paginated feed.
package timeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/taskpilot/taskpilot/internal/common/logger"
)

// Item is one entry in a task's merged timeline.
type Item struct {
	ID        string         `json:"id,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Source    string         `json:"source"`
	Severity  string         `json:"severity,omitempty"`
	Title     string         `json:"title"`
	Data      map[string]any `json:"data,omitempty"`
}

// Source is a read-only adapter over one table. before is a keyset
// cursor (epoch ms, exclusive); zero means from the newest.
type Source interface {
	Name() string
	Collect(ctx context.Context, taskID string, before int64, limit int) ([]Item, error)
}

const defaultLimit = 50

// Service merges its sources into a single feed.
type Service struct {
	sources []Source
	logger  *logger.Logger
}

// NewService creates a timeline service over the given sources.
func NewService(log *logger.Logger, sources ...Source) *Service {
	return &Service{sources: sources, logger: log}
}

// Get returns the newest limit items older than the cursor, across all
// sources. A failing source fails the whole read; partial feeds are
// worse than an error.
func (s *Service) Get(ctx context.Context, taskID string, cursor int64, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = defaultLimit
	}

	var merged []Item
	for _, src := range s.sources {
		items, err := src.Collect(ctx, taskID, cursor, limit)
		if err != nil {
			return nil, fmt.Errorf("timeline source %s: %w", src.Name(), err)
		}
		merged = append(merged, items...)
	}

	merged = dedupe(merged)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp > merged[j].Timestamp
	})

	if cursor > 0 {
		filtered := merged[:0]
		for _, it := range merged {
			if it.Timestamp < cursor {
				filtered = append(filtered, it)
			}
		}
		merged = filtered
	}
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// dedupe drops repeated items, keyed by ID when present, otherwise by
// a hash of (timestamp, source, title). ID wins so the same row surfaced
// by two sources (events and its category stream) appears once.
func dedupe(items []Item) []Item {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		key := it.ID
		if key == "" {
			h := fnv.New64a()
			fmt.Fprintf(h, "%d|%s|%s", it.Timestamp, it.Source, it.Title)
			key = fmt.Sprintf("h:%x", h.Sum64())
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}

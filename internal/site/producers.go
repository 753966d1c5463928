package site

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Item is one entry returned by a producer.
type Item struct {
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
}

// Args are the decoded arguments of a cached block.
type Args map[string]any

// Int returns the named argument as an int, or def when it is absent or not
// a number.
func (a Args) Int(name string, def int) int {
	if f, ok := a[name].(float64); ok {
		return int(f)
	}
	return def
}

// Producer fetches the data behind a cached block.
type Producer func(ctx context.Context, args Args) ([]Item, error)

// Registry maps producer names to producers.
type Registry map[string]Producer

// DefaultRegistry returns the built-in producers. latency simulates a slow
// backend for "posts".
func DefaultRegistry(latency time.Duration) Registry {
	return Registry{
		"posts": postsProducer(latency),
		"quote": quoteProducer,
	}
}

func postsProducer(latency time.Duration) Producer {
	return func(ctx context.Context, args Args) ([]Item, error) {
		if latency > 0 {
			t := time.NewTimer(latency)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		limit := args.Int("limit", 3)
		if limit < 0 {
			return nil, fmt.Errorf("posts: negative limit %d", limit)
		}
		items := make([]Item, 0, limit)
		for i := 1; i <= limit; i++ {
			items = append(items, Item{
				Title: fmt.Sprintf("Post %d", i),
				Body:  fmt.Sprintf("Body of post %d.", i),
			})
		}
		return items, nil
	}
}

var quotes = []Item{
	{Title: "Simplicity is prerequisite for reliability.", Body: "Edsger W. Dijkstra"},
	{Title: "Make it work, make it right, make it fast.", Body: "Kent Beck"},
	{Title: "Clear is better than clever.", Body: "Rob Pike"},
}

func quoteProducer(_ context.Context, args Args) ([]Item, error) {
	i := args.Int("index", 0)
	if i < 0 {
		i = -i
	}
	return []Item{quotes[i%len(quotes)]}, nil
}

func decodeArgsValue(raw json.RawMessage) (Args, error) {
	if len(raw) == 0 {
		return Args{}, nil
	}
	var a Args
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	return a, nil
}

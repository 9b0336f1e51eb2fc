// Package bootstrap picks the starting state of a collection on cold start
// by reading the remote feed and both local caches at once and keeping the
// richest answer.
package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"naskahsync/internal/cache"
	"naskahsync/internal/feed"
	"naskahsync/pkg/logger"
)

type Source string

const (
	SourceNone    Source = ""
	SourceRemote  Source = "remote"
	SourceDurable Source = "durable"
	SourceSession Source = "session"
)

// Counter measures how much data a candidate holds.
type Counter func(raw json.RawMessage) int

// CountTopLevel counts array elements or object keys. Anything else, and
// malformed input, counts as zero.
func CountTopLevel(raw json.RawMessage) int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return 0
		}
		return len(items)
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return 0
		}
		return len(fields)
	}
	return 0
}

// CountField counts the collection stored under one key of an object, such
// as the categories of a settings document.
func CountField(key string) Counter {
	return func(raw json.RawMessage) int {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return 0
		}
		return CountTopLevel(fields[key])
	}
}

type Result struct {
	Source Source
	Value  json.RawMessage
	Count  int
}

// Loader reads one remote path, cached under the same key locally.
type Loader struct {
	feed    feed.Feed
	durable cache.Store
	session cache.Store
	path    string
	count   Counter

	mu     sync.Mutex
	chosen Result
}

// New builds a loader. Either cache may be nil. A nil counter means
// CountTopLevel.
func New(f feed.Feed, durable, session cache.Store, path string, count Counter) *Loader {
	if count == nil {
		count = CountTopLevel
	}
	return &Loader{feed: f, durable: durable, session: session, path: path, count: count}
}

// order is also the tie break when counts are equal.
var order = []Source{SourceRemote, SourceDurable, SourceSession}

// Load reads every source concurrently and keeps the one with the largest
// count. Failing sources count as empty; Load fails only when every
// configured source failed.
func (l *Loader) Load(ctx context.Context) (Result, error) {
	var (
		g          errgroup.Group
		candidates [3]Result
		errs       [3]error
	)
	readers := map[Source]func(context.Context) (json.RawMessage, error){
		SourceRemote:  l.readRemote,
		SourceDurable: l.reader(l.durable),
		SourceSession: l.reader(l.session),
	}

	configured := 0
	for i, src := range order {
		i, src := i, src
		read := readers[src]
		if read == nil {
			continue
		}
		configured++
		g.Go(func() error {
			raw, err := read(ctx)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", src, err)
				return nil
			}
			candidates[i] = Result{Source: src, Value: raw, Count: l.count(raw)}
			return nil
		})
	}
	_ = g.Wait()

	var failed error
	for _, err := range errs {
		if err != nil {
			logger.Sugar.Warnf("Bootstrap source for %s unavailable: %v", l.path, err)
			failed = multierr.Append(failed, err)
		}
	}
	if configured > 0 && len(multierr.Errors(failed)) == configured {
		return Result{}, fmt.Errorf("bootstrap %s: %w", l.path, failed)
	}

	var best Result
	for _, c := range candidates {
		if c.Source == SourceNone || isEmpty(c.Value) {
			continue
		}
		if best.Source == SourceNone || c.Count > best.Count {
			best = c
		}
	}
	logger.Sugar.Debugf("Bootstrap %s chose %q with %d items", l.path, best.Source, best.Count)

	l.mu.Lock()
	l.chosen = best
	l.mu.Unlock()
	return best, nil
}

// RefreshFromRemote reconciles toward the remote source. When the remote
// holds data it replaces the current choice regardless of count and is
// written through to both caches. The bool reports whether it replaced.
func (l *Loader) RefreshFromRemote(ctx context.Context) (Result, bool, error) {
	raw, err := l.readRemote(ctx)
	if err != nil {
		return l.Current(), false, fmt.Errorf("refresh %s: %w", l.path, err)
	}
	if isEmpty(raw) {
		return l.Current(), false, nil
	}
	res := Result{Source: SourceRemote, Value: raw, Count: l.count(raw)}

	l.mu.Lock()
	l.chosen = res
	l.mu.Unlock()

	var cacheErr error
	for _, c := range []cache.Store{l.durable, l.session} {
		if c != nil {
			cacheErr = multierr.Append(cacheErr, c.Set(ctx, l.path, raw))
		}
	}
	if cacheErr != nil {
		logger.Sugar.Warnf("Failed to cache refreshed %s: %v", l.path, cacheErr)
	}
	return res, true, nil
}

// Current is the last chosen result.
func (l *Loader) Current() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chosen
}

func (l *Loader) readRemote(ctx context.Context) (json.RawMessage, error) {
	if l.feed == nil {
		return nil, nil
	}
	snap, err := l.feed.Read(ctx, l.path)
	if err != nil {
		return nil, err
	}
	return snap.Value, nil
}

func (l *Loader) reader(c cache.Store) func(context.Context) (json.RawMessage, error) {
	if c == nil {
		return nil
	}
	return func(ctx context.Context) (json.RawMessage, error) {
		raw, ok, err := c.Get(ctx, l.path)
		if err != nil || !ok {
			return nil, err
		}
		if !json.Valid(raw) {
			logger.Sugar.Debugf("Cached %s is not JSON, ignoring", l.path)
			return nil, nil
		}
		return raw, nil
	}
}

func isEmpty(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

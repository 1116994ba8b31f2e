// Package channel resolves Twitch login names to user IDs, caching
// results in a Store and falling back to the Helix API for misses.
package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/twitch-eventsub-runtime/internal/cache"
)

const batchSize = 100

// APIClient is the subset of the Helix client the resolver depends on.
type APIClient interface {
	GetUsersByLogin(ctx context.Context, accessToken, clientID string, logins []string) (map[string]string, error)
}

// ResolveError wraps a total resolution failure, distinct from the
// partial-failure case where some batches succeed.
type ResolveError struct {
	Logins []string
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve_user_ids: failed to resolve %d logins: %v", len(e.Logins), e.Err)
}
func (e *ResolveError) Unwrap() error { return e.Err }

// Resolver resolves login names to user IDs with a cache-through layer
// and bounded-concurrency batched API calls.
type Resolver struct {
	api                APIClient
	store              *cache.Store
	maxConcurrentBatch int
	logger             zerolog.Logger
}

// New constructs a Resolver. maxConcurrentBatches bounds how many Helix
// batch requests run at once; 3 if zero or negative.
func New(api APIClient, store *cache.Store, maxConcurrentBatches int, logger zerolog.Logger) *Resolver {
	if maxConcurrentBatches <= 0 {
		maxConcurrentBatches = 3
	}
	return &Resolver{
		api:                api,
		store:              store,
		maxConcurrentBatch: maxConcurrentBatches,
		logger:             logger.With().Str("component", "channel_resolver").Logger(),
	}
}

// ResolveUserIDs resolves logins to user IDs, consulting the cache
// first and batching uncached logins through the Helix API. Logins are
// deduplicated case-insensitively; unresolved logins are simply absent
// from the result rather than causing the whole call to fail, unless
// every API batch failed.
func (r *Resolver) ResolveUserIDs(ctx context.Context, logins []string, accessToken, clientID string) (map[string]string, error) {
	if len(logins) == 0 {
		return map[string]string{}, nil
	}

	uniqueLogins := dedupeCaseInsensitive(logins)

	results := make(map[string]string, len(uniqueLogins))
	var uncached []string

	for _, login := range uniqueLogins {
		key := strings.ToLower(login)
		v, ok, err := r.store.Get(key)
		if err != nil {
			r.logger.Warn().Err(err).Str("login", login).Msg("cache read failed, falling back to API")
			uncached = append(uncached, login)
			continue
		}
		if ok {
			results[key] = v
			continue
		}
		uncached = append(uncached, login)
	}

	r.logger.Debug().Int("cached", len(results)).Int("uncached", len(uncached)).Msg("resolved logins from cache")

	if len(uncached) == 0 {
		return results, nil
	}

	apiResults, err := r.resolveViaAPI(ctx, uncached, accessToken, clientID)
	if err != nil {
		return nil, err
	}

	for loginLower, userID := range apiResults {
		if err := r.store.Set(loginLower, userID); err != nil {
			r.logger.Warn().Err(err).Str("login", loginLower).Msg("failed to cache resolved user id")
		}
		results[loginLower] = userID
	}

	return results, nil
}

// resolveViaAPI splits logins into Helix-sized batches and runs them
// concurrently, bounded by maxConcurrentBatch. A batch failure is
// logged and its logins are simply omitted; only a total failure
// across every batch is returned as an error.
func (r *Resolver) resolveViaAPI(ctx context.Context, logins []string, accessToken, clientID string) (map[string]string, error) {
	batches := chunk(logins, batchSize)
	r.logger.Debug().Int("batches", len(batches)).Msg("processing batches concurrently")

	type batchResult struct {
		data map[string]string
		err  error
	}

	resultsCh := make(chan batchResult, len(batches))
	sem := make(chan struct{}, r.maxConcurrentBatch)
	var wg sync.WaitGroup

	for i, batch := range batches {
		wg.Add(1)
		go func(idx int, b []string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			data, err := r.api.GetUsersByLogin(ctx, accessToken, clientID, b)
			if err != nil {
				r.logger.Error().Err(err).Int("batch", idx).Msg("batch failed")
				resultsCh <- batchResult{err: err}
				return
			}
			resultsCh <- batchResult{data: data}
		}(i, batch)
	}

	wg.Wait()
	close(resultsCh)

	merged := make(map[string]string)
	failedBatches := 0
	for res := range resultsCh {
		if res.err != nil {
			failedBatches++
			continue
		}
		for k, v := range res.data {
			merged[k] = v
		}
	}

	r.logger.Debug().Int("resolved", len(merged)).Msg("resolved users via api")

	if failedBatches == len(batches) && len(logins) > 0 {
		return nil, &ResolveError{Logins: logins, Err: fmt.Errorf("all %d batches failed", failedBatches)}
	}

	return merged, nil
}

// InvalidateCache removes login's cached resolution, forcing the next
// lookup to hit the API.
func (r *Resolver) InvalidateCache(login string) error {
	if err := r.store.Delete(strings.ToLower(login)); err != nil {
		return fmt.Errorf("invalidate_cache: %w", err)
	}
	return nil
}

// ClearCache empties the entire resolution cache.
func (r *Resolver) ClearCache() error {
	return r.store.Clear()
}

func dedupeCaseInsensitive(logins []string) []string {
	seen := make(map[string]struct{}, len(logins))
	out := make([]string, 0, len(logins))
	for _, login := range logins {
		key := strings.ToLower(login)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, login)
	}
	return out
}

func chunk(items []string, size int) [][]string {
	var batches [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[i:end])
	}
	return batches
}

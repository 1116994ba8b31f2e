package channel

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/twitch-eventsub-runtime/internal/cache"
)

type fakeAPI struct {
	calls       int32
	batchSizes  []int
	responses   []map[string]string
	errAt       int
}

func (f *fakeAPI) GetUsersByLogin(ctx context.Context, accessToken, clientID string, logins []string) (map[string]string, error) {
	idx := int(atomic.AddInt32(&f.calls, 1)) - 1
	f.batchSizes = append(f.batchSizes, len(logins))
	if f.errAt == idx+1 {
		return nil, errors.New("boom")
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return map[string]string{}, nil
}

func newTestResolver(t *testing.T, api APIClient) *Resolver {
	t.Helper()
	store := cache.New(filepath.Join(t.TempDir(), "channels.json"), 100, zerolog.Nop())
	return New(api, store, 3, zerolog.Nop())
}

func TestResolver_ResolvesUncachedLoginsViaAPI(t *testing.T) {
	api := &fakeAPI{responses: []map[string]string{{"alice": "111", "bob": "222"}}}
	r := newTestResolver(t, api)

	got, err := r.ResolveUserIDs(context.Background(), []string{"alice", "bob"}, "token", "cid")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "111", "bob": "222"}, got)
	assert.EqualValues(t, 1, atomic.LoadInt32(&api.calls))
}

func TestResolver_CacheHitAvoidsAPICall(t *testing.T) {
	api := &fakeAPI{responses: []map[string]string{{"alice": "111"}}}
	r := newTestResolver(t, api)

	_, err := r.ResolveUserIDs(context.Background(), []string{"alice"}, "token", "cid")
	require.NoError(t, err)

	got, err := r.ResolveUserIDs(context.Background(), []string{"alice"}, "token", "cid")
	require.NoError(t, err)
	assert.Equal(t, "111", got["alice"])
	assert.EqualValues(t, 1, atomic.LoadInt32(&api.calls), "second call should hit the cache, not the API")
}

func TestResolver_DeduplicatesCaseInsensitively(t *testing.T) {
	api := &fakeAPI{responses: []map[string]string{{"alice": "111"}}}
	r := newTestResolver(t, api)

	_, err := r.ResolveUserIDs(context.Background(), []string{"Alice", "alice", "ALICE"}, "token", "cid")
	require.NoError(t, err)
	require.Len(t, api.batchSizes, 1)
	assert.Equal(t, 1, api.batchSizes[0])
}

func TestResolver_PartialBatchFailureReturnsSuccessfulResults(t *testing.T) {
	logins := make([]string, 150)
	for i := range logins {
		logins[i] = "user" + string(rune('a'+i%26)) + string(rune(i))
	}
	api := &fakeAPI{
		responses: []map[string]string{{"x": "1"}},
		errAt:     2,
	}
	r := newTestResolver(t, api)

	got, err := r.ResolveUserIDs(context.Background(), logins, "token", "cid")
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestResolver_AllBatchesFailingReturnsError(t *testing.T) {
	api := &fakeAPI{errAt: 1}
	r := newTestResolver(t, api)

	_, err := r.ResolveUserIDs(context.Background(), []string{"alice"}, "token", "cid")
	require.Error(t, err)
	var resolveErr *ResolveError
	assert.ErrorAs(t, err, &resolveErr)
}

func TestResolver_InvalidateCacheForcesAPILookup(t *testing.T) {
	api := &fakeAPI{responses: []map[string]string{{"alice": "111"}, {"alice": "222"}}}
	r := newTestResolver(t, api)

	_, err := r.ResolveUserIDs(context.Background(), []string{"alice"}, "token", "cid")
	require.NoError(t, err)

	require.NoError(t, r.InvalidateCache("alice"))

	got, err := r.ResolveUserIDs(context.Background(), []string{"alice"}, "token", "cid")
	require.NoError(t, err)
	assert.Equal(t, "222", got["alice"])
	assert.EqualValues(t, 2, atomic.LoadInt32(&api.calls))
}

func TestResolver_EmptyLoginsReturnsEmptyMap(t *testing.T) {
	r := newTestResolver(t, &fakeAPI{})
	got, err := r.ResolveUserIDs(context.Background(), nil, "token", "cid")
	require.NoError(t, err)
	assert.Empty(t, got)
}

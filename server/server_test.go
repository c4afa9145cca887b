package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmem/shardmem/compact"
	"github.com/agentmem/shardmem/config"
	"github.com/agentmem/shardmem/embed"
	"github.com/agentmem/shardmem/evict"
	"github.com/agentmem/shardmem/router"
	"github.com/agentmem/shardmem/server"
	"github.com/agentmem/shardmem/store"
)

func newServer(t *testing.T) (*router.Router, http.Handler) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	cache, err := embed.NewCache(embed.NewFallback(0), 0)
	require.NoError(t, err)
	r, err := router.New(context.Background(), config.Default(), st, cache, nil)
	require.NoError(t, err)

	srv := server.New(r, compact.New(r, nil), evict.New(r, st, nil), nil)
	return r, srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, h := newServer(t)
	rec := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestAddAndSearch(t *testing.T) {
	_, h := newServer(t)

	rec := do(t, h, http.MethodPost, "/memories",
		`{"content":"migrated the payment gateway","source":"api","importance":0.8,"shard":"technical"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		TransactionID string `json:"transaction_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.TransactionID, "technical_0_"))

	rec = do(t, h, http.MethodGet, "/search?q=migrated+the+payment+gateway", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			TransactionID string  `json:"transaction_id"`
			Score         float64 `json:"score"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, created.TransactionID, resp.Results[0].TransactionID)
}

func TestSearchRequiresQuery(t *testing.T) {
	_, h := newServer(t)
	rec := do(t, h, http.MethodGet, "/search", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAddMemoryValidation(t *testing.T) {
	_, h := newServer(t)

	rec := do(t, h, http.MethodPost, "/memories", `{"content":"  ","shard":"projects"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, "/memories", `{"content":"fine","shard":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/memories", `not json`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCompactEndpoint(t *testing.T) {
	_, h := newServer(t)

	for i := 0; i < 2; i++ {
		rec := do(t, h, http.MethodPost, "/memories", `{"content":"same entry","shard":"insights"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/compact/insights", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		RemovedDuplicates int `json:"removed_duplicates"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.RemovedDuplicates)

	rec = do(t, h, http.MethodPost, "/compact/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSweepDryRun(t *testing.T) {
	r, h := newServer(t)

	_, err := r.AddMemory(context.Background(), "still fresh", "test", 0.5, "projects")
	require.NoError(t, err)

	rec := do(t, h, http.MethodPost, "/sweep?dry_run=true", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var sweep struct {
		DryRun       bool `json:"dry_run"`
		TotalExpired int  `json:"total_expired"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sweep))
	assert.True(t, sweep.DryRun)
	assert.Zero(t, sweep.TotalExpired)

	records, _ := r.Snapshot("projects")
	assert.Len(t, records, 1)
}

func TestStatusEndpoint(t *testing.T) {
	r, h := newServer(t)
	_, err := r.AddMemory(context.Background(), "worth listing", "test", 0.9, "strategy")
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Shards []struct {
			ShardID string `json:"shard_id"`
			Records int    `json:"transactions_count"`
		} `json:"shards"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Shards, 5)
	assert.Equal(t, "strategy", resp.Shards[0].ShardID)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portraitlab/stella/internal/cache"
	"github.com/portraitlab/stella/internal/ledger"
	"github.com/portraitlab/stella/internal/store"
	"github.com/portraitlab/stella/internal/tasks"
)

type memStore struct {
	mu       sync.Mutex
	balances map[int64]int64
	statsErr error
	pingErr  error
}

func (m *memStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *memStore) ReadBalance(ctx context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *memStore) UpsertUser(ctx context.Context, userID int64, username, firstName, lastName string) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if balance, ok := m.balances[userID]; ok {
		return false, balance, nil
	}
	m.balances[userID] = 10
	return true, 10, nil
}

func (m *memStore) ApplyDelta(ctx context.Context, userID, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	newBalance := m.balances[userID] + delta
	if newBalance < 0 {
		newBalance = 0
	}
	m.balances[userID] = newBalance
	return newBalance, nil
}

func (m *memStore) ApplyRefund(ctx context.Context, userID, amount int64) (int64, error) {
	return m.ApplyDelta(ctx, userID, amount)
}

func (m *memStore) UserStats(ctx context.Context) (store.Stats, error) {
	if m.statsErr != nil {
		return store.Stats{}, m.statsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return store.Stats{TotalUsers: int64(len(m.balances))}, nil
}

func (m *memStore) InsertActionLog(ctx context.Context, userID int64, action string, details []byte) error {
	return nil
}
func (m *memStore) IncrementStat(ctx context.Context, name string) error { return nil }

func newTestServer(t *testing.T, st *memStore) *httptest.Server {
	t.Helper()
	c := cache.NewMemory(5 * time.Minute)
	t.Cleanup(c.Stop)
	q := tasks.NewQueue(64, st, zerolog.Nop())
	svc := ledger.NewService(st, c, q, zerolog.Nop())

	mux := http.NewServeMux()
	NewHandler(svc, st, zerolog.Nop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestGetBalance(t *testing.T) {
	srv := newTestServer(t, &memStore{balances: map[int64]int64{7: 42}})

	resp, err := http.Get(srv.URL + "/v1/balance/7")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	assert.Equal(t, float64(42), body["balance"])
}

func TestGetBalanceBadUserID(t *testing.T) {
	srv := newTestServer(t, &memStore{balances: map[int64]int64{}})

	for _, path := range []string{"/v1/balance/abc", "/v1/balance/-5", "/v1/balance/"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "path %s", path)
	}
}

func TestCheckSufficiency(t *testing.T) {
	srv := newTestServer(t, &memStore{balances: map[int64]int64{7: 42}})

	resp := postJSON(t, srv.URL+"/v1/balance/check", map[string]any{"user_id": 7, "cost": 25})
	body := decode(t, resp)
	assert.Equal(t, true, body["sufficient"])

	resp = postJSON(t, srv.URL+"/v1/balance/check", map[string]any{"user_id": 7, "cost": 43})
	body = decode(t, resp)
	assert.Equal(t, false, body["sufficient"])
}

func TestAdjustBalance(t *testing.T) {
	st := &memStore{balances: map[int64]int64{7: 42}}
	srv := newTestServer(t, st)

	resp := postJSON(t, srv.URL+"/v1/balance/adjust", map[string]any{"user_id": 7, "delta": -25})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, float64(17), body["balance"])

	resp = postJSON(t, srv.URL+"/v1/balance/adjust", map[string]any{"user_id": 7, "delta": 0})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "zero delta is rejected")
}

func TestUpsertUser(t *testing.T) {
	srv := newTestServer(t, &memStore{balances: map[int64]int64{}})

	resp := postJSON(t, srv.URL+"/v1/users", map[string]any{
		"user_id": 9, "username": "alice", "first_name": "Alice",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, float64(10), body["balance"], "new users start with the default grant")
}

func TestStatsAndReadiness(t *testing.T) {
	st := &memStore{balances: map[int64]int64{7: 42}}
	srv := newTestServer(t, st)

	resp, err := http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, float64(1), body["total_users"])

	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	st.pingErr = errors.New("db down")
	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	st.statsErr = errors.New("db down")
	resp, err = http.Get(srv.URL + "/v1/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "liveness ignores the store")
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, &memStore{balances: map[int64]int64{}})

	resp, err := http.Get(srv.URL + "/v1/balance/check")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

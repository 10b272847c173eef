package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
)

func registryServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		switch r.URL.Path {
		case "/v1/operators":
			w.Write([]byte(`{"data":[{"index":1,"name":"op-a"},{"index":2,"name":"op-b"}]}`))
		case "/v1/keys":
			w.Write([]byte(`{"meta":{"count":3},"data":[` +
				`{"key":"0xaaa","operatorIndex":1},` +
				`{"key":"0xbbb","operatorIndex":1},` +
				`{"key":"0xccc","operatorIndex":2}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestKeysRegistryUpdate(t *testing.T) {
	var hits int32
	srv := registryServer(t, &hits)
	defer srv.Close()

	reg := NewKeysRegistry(srv.URL, time.Hour)
	require.NoError(t, reg.Update(context.Background()))
	require.Equal(t, 3, reg.Size())

	key, ok := reg.OperatorKey("0xbbb")
	require.True(t, ok)
	require.Equal(t, domain.RegistryKey{OperatorIndex: 1, OperatorName: "op-a"}, key)

	key, ok = reg.OperatorKey("0xccc")
	require.True(t, ok)
	require.Equal(t, "op-b", key.OperatorName)

	_, ok = reg.OperatorKey("0xunknown")
	require.False(t, ok, "a miss means not monitored, never an error")
}

func TestKeysRegistryUpdateRespectsRefreshInterval(t *testing.T) {
	var hits int32
	srv := registryServer(t, &hits)
	defer srv.Close()

	reg := NewKeysRegistry(srv.URL, time.Hour)
	require.NoError(t, reg.Update(context.Background()))
	require.NoError(t, reg.Update(context.Background()))
	require.NoError(t, reg.Update(context.Background()))
	require.Equal(t, int32(2), atomic.LoadInt32(&hits), "a fresh key set must not be refetched")
}

func TestKeysRegistryUpdateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := NewKeysRegistry(srv.URL, time.Hour)
	require.Error(t, reg.Update(context.Background()))
	require.Zero(t, reg.Size())
}

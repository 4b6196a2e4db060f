package commands

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatrelay/internal/config"

	"github.com/stretchr/testify/require"
)

func TestReap(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/admin/reap", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"cleaned":3}`))
	}))
	defer ts.Close()

	cfg := &config.Config{AdminAddr: strings.TrimPrefix(ts.URL, "http://")}
	require.NoError(t, Reap(cfg))
	require.Equal(t, 1, calls)
}

func TestReap_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	cfg := &config.Config{AdminAddr: strings.TrimPrefix(ts.URL, "http://")}
	err := Reap(cfg)
	require.ErrorContains(t, err, "Status: 500")
	require.ErrorContains(t, err, "boom")
}

func TestReap_ServerDown(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(ts.URL, "http://")
	ts.Close()

	require.ErrorContains(t, Reap(&config.Config{AdminAddr: addr}), "Is the server running?")
}

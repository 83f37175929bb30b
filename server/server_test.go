package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electrode-lab/cicph/generichttp"
	"github.com/electrode-lab/cicph/server"
)

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func ping(w http.ResponseWriter, r *http.Request) { w.Write([]byte("pong")) }

func TestBuildMuxListsEndpoints(t *testing.T) {
	mux := server.BuildMux(table{{Method: http.MethodGet, Path: "/ping"}: ping})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"GET /ping"}, got)
}

func TestStartAndShutdown(t *testing.T) {
	mux := server.BuildMux(table{{Method: http.MethodGet, Path: "/ping"}: ping})
	s, err := server.Start("127.0.0.1:0", mux)
	require.NoError(t, err)

	resp, err := http.Get("http://" + s.Addr() + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}

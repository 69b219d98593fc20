// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package web_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mystikil/Thenexusv2/internal/web"
)

func TestServerLifecycle(t *testing.T) {
	ready := true
	server := web.NewServer("127.0.0.1:0", web.Deps{
		IsReady: func(context.Context) bool { return ready },
	}, nil)

	errCh, err := server.Start()
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	}()

	addr := server.Addr()
	require.NotEmpty(t, addr)

	// Starting twice is an error.
	_, err = server.Start()
	assert.Error(t, err)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "# HELP"))

	resp, err = http.Get("http://" + addr + "/healthz/readiness")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ready = false
	resp, err = http.Get("http://" + addr + "/healthz/readiness")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))

	// The serve goroutine exits cleanly.
	select {
	case serveErr := <-errCh:
		assert.NoError(t, serveErr)
	case <-time.After(2 * time.Second):
		t.Fatal("server goroutine did not exit")
	}
}

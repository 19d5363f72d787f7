package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tandem/internal/client"
	"github.com/roach88/tandem/internal/config"
)

// startServe runs the serve command until the test ends and returns the
// bound address.
func startServe(t *testing.T, opts *ServeOptions) string {
	t.Helper()
	addrs := make(chan string, 1)
	opts.RootOptions = &RootOptions{Format: "text"}
	opts.Listen = "127.0.0.1:0"
	opts.Database = filepath.Join(t.TempDir(), "server.db")
	opts.Ready = func(addr string) { addrs <- addr }

	ctx, cancel := context.WithCancel(context.Background())
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(io.Discard)

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("serve did not stop")
		}
	})

	select {
	case addr := <-addrs:
		return addr
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not become ready")
	}
	return ""
}

func TestServe_ClientConnectsAndMetrics(t *testing.T) {
	addr := startServe(t, &ServeOptions{})

	c, err := client.Open(context.Background(), "ws://"+addr+SyncPath,
		client.WithCache(filepath.Join(t.TempDir(), "client.db")),
		client.WithReconnectDelay(20*time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
		c.Close()
	}()
	require.Eventually(t, c.Online, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tandem_")
}

func TestServe_RedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := startServe(t, &ServeOptions{Broker: "redis", RedisAddr: mr.Addr()})

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResolveConfig(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
database: "zoo.db"
models: animals: kind: "sequence"
`)
	cfg, db, err := resolveConfig(&ServeOptions{Config: path, Listen: ":9100"})
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Listen)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "zoo.db"), db)
	assert.Equal(t, config.ModelSequence, cfg.Models["animals"].Kind)

	_, db, err = resolveConfig(&ServeOptions{Database: "/tmp/x.db"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", db)

	_, _, err = resolveConfig(&ServeOptions{Broker: "redis"})
	assert.True(t, config.IsLoadError(err, config.ErrCodeBrokerAddr))

	_, _, err = resolveConfig(&ServeOptions{Broker: "kafka"})
	assert.True(t, config.IsLoadError(err, config.ErrCodeSchema))
}

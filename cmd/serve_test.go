//go:build !integration

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePort_FlagSet(t *testing.T) {
	assert.Equal(t, 9090, resolvePort(9090, 8080))
}

func TestResolvePort_FlagZero(t *testing.T) {
	assert.Equal(t, 8080, resolvePort(0, 8080))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func waitReady(t *testing.T, port int) {
	t.Helper()
	for i := 0; i < 50; i++ {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/ping", port))
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not become ready in time")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRunScanServer_GracefulShutdownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	port := freePort(t)

	var cycles atomic.Int32
	errCh := make(chan error, 1)
	go func() {
		errCh <- runScanServer(ctx, okHandler(), port, func(context.Context) error {
			cycles.Add(1)
			return nil
		}, time.Hour)
	}()

	waitReady(t, port)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/ping", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down in time")
	}
	assert.Equal(t, int32(1), cycles.Load(), "one immediate cycle before the first tick")
}

func TestRunScanServer_SchedulerErrorStopsServer(t *testing.T) {
	port := freePort(t)
	storeGone := errors.New("store gone")

	errCh := make(chan error, 1)
	go func() {
		errCh <- runScanServer(context.Background(), okHandler(), port, func(context.Context) error {
			return storeGone
		}, time.Hour)
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, storeGone)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after scheduler failure")
	}

	// The listener must be gone with the scheduler.
	_, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/ping", port))
	assert.Error(t, err)
}

func TestRunScanServer_WaitsForInFlightCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	port := freePort(t)

	started := make(chan struct{})
	release := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- runScanServer(ctx, okHandler(), port, func(context.Context) error {
			close(started)
			<-release
			return nil
		}, time.Hour)
	}()

	<-started
	cancel()

	// The cycle is still writing; runScanServer must not hand control back
	// to the caller (who would close the store) until it finishes.
	select {
	case <-errCh:
		t.Fatal("returned while a cycle was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("did not return after the cycle finished")
	}
}

func TestRunScanServer_ListenFailure(t *testing.T) {
	// Occupy the port so ListenAndServe fails at bind time.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	block := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- runScanServer(context.Background(), okHandler(), port, func(ctx context.Context) error {
			select {
			case <-ctx.Done():
			case <-block:
			}
			return nil
		}, time.Hour)
	}()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server listen")
	case <-time.After(5 * time.Second):
		t.Fatal("listen failure did not surface")
	}
}

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendDeliversSignedEvent(t *testing.T) {
	var received atomic.Int32
	var gotBody []byte
	var gotSignature, gotEvent string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get("X-Tabletd-Signature")
		gotEvent = r.Header.Get("X-Tabletd-Event")
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(Config{URL: srv.URL, Secret: "hunter2"})
	n.Send(context.Background(), EventBlockedSiteAttempt, map[string]string{
		"deviceId": "tab-1",
		"url":      "https://tiktok.com",
	})

	require.Equal(t, int32(1), received.Load())
	assert.Equal(t, string(EventBlockedSiteAttempt), gotEvent)

	var event Event
	require.NoError(t, json.Unmarshal(gotBody, &event))
	assert.Equal(t, EventBlockedSiteAttempt, event.Type)

	require.NoError(t, VerifySignature(gotBody, "hunter2", gotSignature, time.Now()))
	assert.Error(t, VerifySignature(gotBody, "wrong-secret", gotSignature, time.Now()))
}

func TestSendToleratesFailure(t *testing.T) {
	// Endpoint refusing connections must not panic or error out
	n := NewNotifier(Config{URL: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond})
	n.Send(context.Background(), EventDeviceOffline, map[string]string{"deviceId": "tab-1"})
}

func TestNotifyDisabledWithoutURL(t *testing.T) {
	n := NewNotifier(Config{})
	assert.False(t, n.Enabled())
	// No-op, nothing to assert beyond not blocking
	n.Notify(EventDeviceRegistered, nil)
}

func TestNotifyDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	n := NewNotifier(Config{URL: srv.URL, Timeout: 5 * time.Second})

	done := make(chan struct{})
	go func() {
		n.Notify(EventDeviceRegistered, map[string]string{"deviceId": "tab-1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a slow endpoint")
	}
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	body := []byte(`{"type":"device.offline"}`)
	sig := generateSignature(body, "secret", time.Now().Add(-10*time.Minute))
	assert.Error(t, VerifySignature(body, "secret", sig, time.Now()))
}

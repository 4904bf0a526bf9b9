package fcm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendToToken(t *testing.T) {
	var got legacyPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key=secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"success":1,"failure":0}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second, 0)
	err := c.Send(context.Background(), Message{
		Token: "tok-1",
		Title: "Bus Arrived",
		Body:  "The bus has arrived at Main Gate.",
		Data:  map[string]string{"type": "ARRIVED", "stop_id": "S1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "tok-1", got.To)
	require.NotNil(t, got.Notification)
	assert.Equal(t, "Bus Arrived", got.Notification.Title)
	assert.Equal(t, "default", got.Notification.Sound)
	assert.Equal(t, "high", got.Priority)
	assert.Equal(t, "ARRIVED", got.Data["type"])
	assert.NotEmpty(t, got.Data["timestamp"])
}

func TestSendToTopic(t *testing.T) {
	var got legacyPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"success":1}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second, 0)
	err := c.Send(context.Background(), Message{Topic: "all_users", Title: "Notice", Body: "b"})
	require.NoError(t, err)
	assert.Equal(t, "/topics/all_users", got.To)
}

func TestSendReportsDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":0,"failure":1,"results":[{"error":"NotRegistered"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second, 0)
	err := c.Send(context.Background(), Message{Token: "dead"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NotRegistered")
}

func TestSendReportsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "bad", time.Second, 0)
	err := c.Send(context.Background(), Message{Token: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestSendTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", 20*time.Millisecond, 0)
	err := c.Send(context.Background(), Message{Token: "t"})
	require.Error(t, err)
}

func TestSendRejectsEmptyTarget(t *testing.T) {
	c := NewClient("http://unused", "secret", time.Second, 0)
	err := c.Send(context.Background(), Message{Title: "x"})
	require.Error(t, err)
}

func TestSendForceLogoutPayload(t *testing.T) {
	var got legacyPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"success":1}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second, 0)
	require.NoError(t, c.SendForceLogout(context.Background(), "old-token"))
	assert.Equal(t, "old-token", got.To)
	assert.Equal(t, "FORCE_LOGOUT", got.Data["type"])
	require.NotNil(t, got.Notification)
	assert.Equal(t, "Session Expired", got.Notification.Title)
}

package wsfanout

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dronefleet/broker/internal/auth"
	"dronefleet/broker/internal/logging"
	"github.com/gorilla/websocket/websockettest"
)

func issueTestToken(t *testing.T, secret, subject, orgID string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := fmt.Sprintf(`{"sub":"%s","org_id":"%s","exp":%d,"iat":%d}`, subject, orgID, expires.Unix(), time.Now().Unix())
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	signingInput := header + "." + encodedPayload
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(signingInput)); err != nil {
		t.Fatalf("mac write: %v", err)
	}
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature
}

func newTestServer(t *testing.T, secret string) (*Server, *Hub, *fakeSource) {
	t.Helper()
	source := newFakeSource()
	hub := NewHub(source, logging.NewTestLogger(), 0, nil, nil)

	verifier, err := auth.NewHMACTokenVerifier(secret, 2*time.Second)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	authenticator := NewHMACAuthenticator(verifier)
	server := NewServer(hub, authenticator, nil, 0, 0, logging.NewTestLogger())
	return server, hub, source
}

func TestServeHTTPRequiresBearerToken(t *testing.T) {
	server, _, _ := newTestServer(t, "shared-secret")
	httpServer := httptest.NewServer(http.HandlerFunc(server.ServeHTTP))
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Fatal("expected dial without token to fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized status, got resp=%v err=%v", resp, err)
	}
}

func TestServeHTTPAcceptsValidTokenAndJoinsOrgRoom(t *testing.T) {
	server, hub, _ := newTestServer(t, "shared-secret")
	httpServer := httptest.NewServer(http.HandlerFunc(server.ServeHTTP))
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	token := issueTestToken(t, "shared-secret", "pilot-1", "org-1", time.Now().Add(time.Minute))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/?token="+url.QueryEscape(token), nil)
	if err != nil {
		t.Fatalf("dial websocket with token: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		_, inRoom := hub.roomMembers[orgRoom("org-1")]
		hub.mu.RUnlock()
		if inRoom {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected client to join its org room")
}

func TestSubscribeMissionDeliversTelemetryUpdate(t *testing.T) {
	server, hub, source := newTestServer(t, "shared-secret")
	httpServer := httptest.NewServer(http.HandlerFunc(server.ServeHTTP))
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	token := issueTestToken(t, "shared-secret", "pilot-1", "org-1", time.Now().Add(time.Minute))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/?token="+url.QueryEscape(token), nil)
	if err != nil {
		t.Fatalf("dial websocket with token: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(inboundEnvelope{Type: "subscribe:mission", ID: "m-1"}); err != nil {
		t.Fatalf("write subscribe message: %v", err)
	}

	channel := "mission:m-1:telemetry"
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !source.subscribed(channel) {
		time.Sleep(10 * time.Millisecond)
	}
	if !source.subscribed(channel) {
		t.Fatal("expected server to subscribe the mission telemetry channel")
	}

	source.publish(channel, []byte(`{"mission_id":"m-1","drone_id":"d-1"}`))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var envelope outboundEnvelope
	if err := json.Unmarshal(msg, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Type != eventTelemetryUpdate {
		t.Fatalf("expected event type %q, got %q", eventTelemetryUpdate, envelope.Type)
	}

	_ = hub
}

func TestServerDisconnectsUnresponsivePeer(t *testing.T) {
	source := newFakeSource()
	hub := NewHub(source, logging.NewTestLogger(), 0, nil, nil)

	verifier, err := auth.NewHMACTokenVerifier("shared-secret", 2*time.Second)
	if err != nil {
		t.Fatalf("NewHMACTokenVerifier: %v", err)
	}
	authenticator := NewHMACAuthenticator(verifier)
	server := NewServer(hub, authenticator, nil, 0, 20*time.Millisecond, logging.NewTestLogger())
	httpServer := httptest.NewServer(http.HandlerFunc(server.ServeHTTP))
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")
	token := issueTestToken(t, "shared-secret", "pilot-1", "org-1", time.Now().Add(time.Minute))
	conn, _, err := websockettest.DialIgnoringPongs(wsURL+"/?token="+url.QueryEscape(token), nil)
	if err != nil {
		t.Fatalf("dial websocket with token: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(pongWait + 2*time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		count := len(hub.clients)
		hub.mu.RUnlock()
		if count == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected hub to deregister the unresponsive client once its read deadline expired")
}

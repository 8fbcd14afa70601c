// Package testutil holds helpers shared by the HTTP and WebSocket tests:
// request helpers, token minting and a small WebSocket client that speaks
// the gateway's JSON events.
package testutil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat/internal/auth"
	"github.com/Tyrowin/gochat/internal/gateway"
)

// TestSecret signs every token minted by Token.
const TestSecret = "gochat-test-secret"

// TestOrigin is sent by Dial and allowed by the default configuration.
const TestOrigin = "http://localhost:8080"

// Token returns a valid token for username signed with TestSecret.
func Token(t *testing.T, username string) string {
	t.Helper()
	issuer, err := auth.NewIssuer(auth.DefaultOptions([]byte(TestSecret)))
	require.NoError(t, err)
	token, _, err := issuer.Issue(username)
	require.NoError(t, err)
	return token
}

// Verifier accepts tokens minted by Token.
func Verifier(t *testing.T) auth.Verifier {
	t.Helper()
	v, err := auth.NewJWTVerifier(auth.DefaultOptions([]byte(TestSecret)))
	require.NoError(t, err)
	return v
}

// MakeRequest creates and executes an HTTP request with a 5 second timeout.
func MakeRequest(t *testing.T, method, target string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, target, http.NoBody)
	require.NoError(t, err, "create request")

	resp, err := client.Do(req)
	require.NoError(t, err, "make request")
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// WebSocketURL turns an httptest server URL into its /ws endpoint with the
// token in the query string. An empty token is omitted.
func WebSocketURL(t *testing.T, serverURL, token string) string {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)

	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String()
}

// Dial opens a WebSocket to wsURL with TestOrigin and the extra headers.
func Dial(wsURL string, header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	h := http.Header{}
	for k, v := range header {
		h[k] = v
	}
	if h.Get("Origin") == "" {
		h.Set("Origin", TestOrigin)
	}

	conn, resp, err := dialer.Dial(wsURL, h)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// SendChat sends a chat message frame.
func SendChat(conn *websocket.Conn, text string) error {
	return conn.WriteJSON(map[string]string{"event": gateway.EventChatMessage, "text": text})
}

// ReadEvent reads the next event or fails after timeout.
func ReadEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) gateway.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err, "read event")

	var ev gateway.Event
	require.NoError(t, json.Unmarshal(data, &ev), "decode %s", data)
	return ev
}

// ExpectNoEvent fails if an event arrives within wait. A timed out read
// leaves the connection unusable, so call it last.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))

	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("unexpected event: %s", data)
	}
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected read timeout, got %v", err)
	}
}

// ExpectClose reads until the server closes the connection and returns the
// close frame.
func ExpectClose(t *testing.T, conn *websocket.Conn, timeout time.Duration) *websocket.CloseError {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))

	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr
	}
}

// CloseWebSocket sends a normal closure frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

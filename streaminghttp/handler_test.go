package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/streamplex/streamplex/auth/jwtauth"
	"github.com/streamplex/streamplex/dispatch"
	"github.com/streamplex/streamplex/notify"
	"github.com/streamplex/streamplex/protocol"
	"github.com/streamplex/streamplex/sessions"
	"github.com/streamplex/streamplex/sessions/memorystore"
	"github.com/streamplex/streamplex/stream"
	"github.com/streamplex/streamplex/streaminghttp"
)

type env struct {
	srv      *httptest.Server
	sessions *sessions.Manager
	streams  *stream.Manager
	notify   *notify.Broadcaster
}

func newEnv(t *testing.T, sessOpts []sessions.ManagerOption, streamOpts []stream.Option, handlerOpts ...streaminghttp.Option) *env {
	t.Helper()
	st := memorystore.New()
	t.Cleanup(func() { _ = st.Close() })

	sm := sessions.NewManager(st, sessOpts...)
	str := stream.NewManager(st, sm, append([]stream.Option{
		stream.WithHeartbeatInterval(time.Hour),
	}, streamOpts...)...)
	d := dispatch.NewDispatcher(sm)
	d.Handle("echo", func(ctx context.Context, sess *sessions.Session, params json.RawMessage) (any, error) {
		var in map[string]any
		if len(params) > 0 {
			if err := json.Unmarshal(params, &in); err != nil {
				return nil, dispatch.Errorf(dispatch.KindInvalidParams, "malformed params")
			}
		}
		return in, nil
	})

	h, err := streaminghttp.New("/rpc", sm, d, str, handlerOpts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &env{
		srv:      srv,
		sessions: sm,
		streams:  str,
		notify:   notify.NewBroadcaster(sm, str),
	}
}

func (e *env) post(t *testing.T, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/rpc", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	return resp
}

func initializeBody(id int, version string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"initialize","params":{"protocolVersion":%q,"clientInfo":{"name":"t","version":"0"}}}`, id, version)
}

// handshake performs the initialize exchange and returns the session ID.
func (e *env) handshake(t *testing.T, headers map[string]string) string {
	t.Helper()
	resp := e.post(t, initializeBody(1, protocol.VersionLatest), headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handshake status = %d", resp.StatusCode)
	}
	sessID := resp.Header.Get("Streamplex-Session-Id")
	if sessID == "" {
		t.Fatal("handshake response missing session id header")
	}
	return sessID
}

// sseEvent is one parsed frame from an event stream.
type sseEvent struct {
	id   string
	data string
}

// readSSE scans frames off an open event stream until fn returns false or the
// timeout lapses.
func readSSE(t *testing.T, body io.Reader, timeout time.Duration, fn func(sseEvent) bool) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(body)
		var cur sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				cur.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			case line == "":
				if cur.data != "" {
					if !fn(cur) {
						return
					}
				}
				cur = sseEvent{}
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out reading SSE stream")
	}
}

func (e *env) openStream(t *testing.T, sessID string, extra map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/rpc", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Streamplex-Session-Id", sessID)
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	return resp
}

func TestHandshakeCreatesSession(t *testing.T) {
	e := newEnv(t, nil, nil)
	resp := e.post(t, initializeBody(1, protocol.VersionLatest), nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Streamplex-Protocol-Version"); got != protocol.VersionLatest {
		t.Fatalf("protocol version header = %q", got)
	}

	var body struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Result.ProtocolVersion != protocol.VersionLatest {
		t.Fatalf("negotiated %q", body.Result.ProtocolVersion)
	}
}

func TestHandshakeUnknownVersionFallsBack(t *testing.T) {
	e := newEnv(t, nil, nil)
	resp := e.post(t, initializeBody(1, "2031-12-31"), nil)
	defer resp.Body.Close()

	if got := resp.Header.Get("Streamplex-Protocol-Version"); got != protocol.VersionBaseline {
		t.Fatalf("protocol version header = %q, want baseline", got)
	}
}

func TestPostWithoutSessionRequiresHandshake(t *testing.T) {
	e := newEnv(t, nil, nil)
	resp := e.post(t, `{"jsonrpc":"2.0","id":1,"method":"echo"}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPostWrongContentType(t *testing.T) {
	e := newEnv(t, nil, nil)
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/rpc", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestPostBatchRejected(t *testing.T) {
	e := newEnv(t, nil, nil)
	resp := e.post(t, `[{"jsonrpc":"2.0","id":1,"method":"echo"}]`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPostMalformedMessageYieldsParseError(t *testing.T) {
	e := newEnv(t, nil, nil)
	sessID := e.handshake(t, nil)

	resp := e.post(t, `{"jsonrpc":"1.0","id":7,"method":"echo"}`, map[string]string{
		"Streamplex-Session-Id": sessID,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
		ID json.RawMessage `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error == nil || body.Error.Code != -32700 {
		t.Fatalf("body error = %+v, want parse error", body.Error)
	}
	// The id member survived the malformed envelope and is echoed back.
	if string(body.ID) != "7" {
		t.Fatalf("id = %s, want 7", body.ID)
	}
}

func TestPostMalformedMessageWithoutIDIsDropped(t *testing.T) {
	e := newEnv(t, nil, nil)
	sessID := e.handshake(t, nil)

	// No id survives this envelope, so there is nothing to correlate a parse
	// error with; the message is treated like a malformed notification.
	resp := e.post(t, `{"jsonrpc":"1.0","method":"echo"}`, map[string]string{
		"Streamplex-Session-Id": sessID,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(bytes.TrimSpace(body)) != 0 {
		t.Fatalf("expected an empty body, got %s", body)
	}
}

func TestRequestRoutedToHandler(t *testing.T) {
	e := newEnv(t, nil, nil)
	sessID := e.handshake(t, nil)

	resp := e.post(t, `{"jsonrpc":"2.0","id":2,"method":"echo","params":{"k":"v"}}`, map[string]string{
		"Streamplex-Session-Id": sessID,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Result map[string]any `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Result["k"] != "v" {
		t.Fatalf("result = %v", body.Result)
	}
}

func TestNotificationAccepted(t *testing.T) {
	e := newEnv(t, nil, nil)
	sessID := e.handshake(t, nil)

	resp := e.post(t, `{"jsonrpc":"2.0","method":"initialized"}`, map[string]string{
		"Streamplex-Session-Id": sessID,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	sess, err := e.sessions.Get(context.Background(), sessID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.State() != sessions.StateActive {
		t.Fatalf("state = %q, want active after acknowledgment", sess.State())
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	e := newEnv(t, nil, nil)
	resp := e.post(t, `{"jsonrpc":"2.0","id":1,"method":"echo"}`, map[string]string{
		"Streamplex-Session-Id": "not-a-session",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetRequiresEventStreamAccept(t *testing.T) {
	e := newEnv(t, nil, nil)
	sessID := e.handshake(t, nil)

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/rpc", nil)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Streamplex-Session-Id", sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestStreamDeliversNotifications(t *testing.T) {
	e := newEnv(t, nil, nil)
	sessID := e.handshake(t, nil)

	resp := e.openStream(t, sessID, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	// Publish once the server side has attached the subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for e.streams.LiveStreams() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := e.notify.SendToSession(context.Background(), sessID, "status/changed", map[string]any{"ok": true}); err != nil {
		t.Fatalf("SendToSession: %v", err)
	}

	var got sseEvent
	readSSE(t, resp.Body, 2*time.Second, func(ev sseEvent) bool {
		got = ev
		return false
	})
	if got.id != "1" {
		t.Fatalf("event id = %q, want 1", got.id)
	}
	var msg struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal([]byte(got.data), &msg); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if msg.Method != "status/changed" {
		t.Fatalf("method = %q", msg.Method)
	}
}

func TestResumeWithLastEventID(t *testing.T) {
	e := newEnv(t, nil, nil)
	sessID := e.handshake(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := e.notify.SendToSession(ctx, sessID, "tick", map[string]int{"n": i}); err != nil {
			t.Fatalf("SendToSession: %v", err)
		}
	}

	resp := e.openStream(t, sessID, map[string]string{"Last-Event-ID": "1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var ids []string
	readSSE(t, resp.Body, 2*time.Second, func(ev sseEvent) bool {
		ids = append(ids, ev.id)
		return len(ids) < 2
	})
	if len(ids) != 2 || ids[0] != "2" || ids[1] != "3" {
		t.Fatalf("replayed ids = %v, want [2 3]", ids)
	}
}

func TestResumeGapIsConflict(t *testing.T) {
	e := newEnv(t, nil, []stream.Option{stream.WithReplayLimit(2)})
	sessID := e.handshake(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := e.notify.SendToSession(ctx, sessID, "tick", nil); err != nil {
			t.Fatalf("SendToSession: %v", err)
		}
	}

	resp := e.openStream(t, sessID, map[string]string{"Last-Event-ID": "1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestInvalidLastEventID(t *testing.T) {
	e := newEnv(t, nil, nil)
	sessID := e.handshake(t, nil)

	resp := e.openStream(t, sessID, map[string]string{"Last-Event-ID": "abc"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStreamLimitIs429(t *testing.T) {
	e := newEnv(t, nil, []stream.Option{stream.WithMaxConcurrentStreams(1)})
	first := e.handshake(t, nil)
	second := e.handshake(t, nil)

	resp1 := e.openStream(t, first, nil)
	defer resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("first stream status = %d", resp1.StatusCode)
	}
	// The slot is taken once the server attaches; wait for that.
	deadline := time.Now().Add(2 * time.Second)
	for e.streams.LiveStreams() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	resp2 := e.openStream(t, second, nil)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second stream status = %d, want 429", resp2.StatusCode)
	}
}

func TestProtocolVersionMismatchOnGet(t *testing.T) {
	e := newEnv(t, nil, nil)
	sessID := e.handshake(t, nil)

	resp := e.openStream(t, sessID, map[string]string{"Streamplex-Protocol-Version": "1999-01-01"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("status = %d, want 412", resp.StatusCode)
	}
}

func TestDeleteTerminatesSession(t *testing.T) {
	e := newEnv(t, nil, nil)
	sessID := e.handshake(t, nil)

	req, _ := http.NewRequest(http.MethodDelete, e.srv.URL+"/rpc", nil)
	req.Header.Set("Streamplex-Session-Id", sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	// The session is gone for every later use.
	post := e.post(t, `{"jsonrpc":"2.0","id":9,"method":"echo"}`, map[string]string{
		"Streamplex-Session-Id": sessID,
	})
	defer post.Body.Close()
	if post.StatusCode != http.StatusNotFound {
		t.Fatalf("post after delete status = %d, want 404", post.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodDelete, e.srv.URL+"/rpc", nil)
	req2.Header.Set("Streamplex-Session-Id", sessID)
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("second DELETE: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", resp2.StatusCode)
	}
}

func TestStrictLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, []sessions.ManagerOption{sessions.WithStrictLifecycle()}, nil)
	sessID := e.handshake(t, nil)

	resp := e.post(t, `{"jsonrpc":"2.0","id":2,"method":"echo"}`, map[string]string{
		"Streamplex-Session-Id": sessID,
	})
	var body struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if body.Error == nil || body.Error.Code != -32002 {
		t.Fatalf("error = %+v, want lifecycle violation", body.Error)
	}

	ack := e.post(t, `{"jsonrpc":"2.0","method":"initialized"}`, map[string]string{
		"Streamplex-Session-Id": sessID,
	})
	ack.Body.Close()

	ok := e.post(t, `{"jsonrpc":"2.0","id":3,"method":"echo"}`, map[string]string{
		"Streamplex-Session-Id": sessID,
	})
	defer ok.Body.Close()
	var okBody struct {
		Error *struct{} `json:"error"`
	}
	if err := json.NewDecoder(ok.Body).Decode(&okBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if okBody.Error != nil {
		t.Fatal("request after acknowledgment still gated")
	}
}

func TestBearerAuthBindsSessions(t *testing.T) {
	secret := []byte("handler-test-secret")
	authn, err := jwtauth.NewHMAC(secret, jwtauth.Config{})
	if err != nil {
		t.Fatalf("NewHMAC: %v", err)
	}
	e := newEnv(t, nil, nil, streaminghttp.WithAuthenticator(authn))

	token := func(sub string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": sub,
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		s, err := tok.SignedString(secret)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	// No credentials: challenged.
	resp := e.post(t, initializeBody(1, protocol.VersionLatest), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	alice := map[string]string{"Authorization": "Bearer " + token("alice")}
	sessID := e.handshake(t, alice)

	// The owner can use the session.
	ok := e.post(t, `{"jsonrpc":"2.0","id":2,"method":"echo"}`, map[string]string{
		"Streamplex-Session-Id": sessID,
		"Authorization":         "Bearer " + token("alice"),
	})
	ok.Body.Close()
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("owner request status = %d", ok.StatusCode)
	}

	// Another principal sees 404, not 403, so session existence stays hidden.
	other := e.post(t, `{"jsonrpc":"2.0","id":3,"method":"echo"}`, map[string]string{
		"Streamplex-Session-Id": sessID,
		"Authorization":         "Bearer " + token("mallory"),
	})
	other.Body.Close()
	if other.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-user request status = %d, want 404", other.StatusCode)
	}
}

func TestCORSAllowList(t *testing.T) {
	e := newEnv(t, nil, nil, streaminghttp.WithAllowedOrigins([]string{"https://app.test"}))

	resp := e.post(t, initializeBody(1, protocol.VersionLatest), map[string]string{
		"Origin": "https://app.test",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed origin status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.test" {
		t.Fatalf("allow-origin header = %q", got)
	}

	denied := e.post(t, initializeBody(1, protocol.VersionLatest), map[string]string{
		"Origin": "https://evil.test",
	})
	denied.Body.Close()
	if denied.StatusCode != http.StatusForbidden {
		t.Fatalf("denied origin status = %d, want 403", denied.StatusCode)
	}
}

func TestEventIDsResumeAcrossReconnect(t *testing.T) {
	e := newEnv(t, nil, nil)
	sessID := e.handshake(t, nil)
	ctx := context.Background()

	if err := e.notify.SendToSession(ctx, sessID, "tick", nil); err != nil {
		t.Fatalf("SendToSession: %v", err)
	}

	// First connection sees event 1, then drops.
	resp := e.openStream(t, sessID, map[string]string{"Last-Event-ID": "0"})
	var last string
	readSSE(t, resp.Body, 2*time.Second, func(ev sseEvent) bool {
		last = ev.id
		return false
	})
	resp.Body.Close()
	if last != "1" {
		t.Fatalf("first connection saw id %q, want 1", last)
	}

	if err := e.notify.SendToSession(ctx, sessID, "tick", nil); err != nil {
		t.Fatalf("SendToSession: %v", err)
	}

	// Reconnect presenting the delivered id; only the missed event replays.
	n, err := strconv.ParseUint(last, 10, 64)
	if err != nil {
		t.Fatalf("parse id: %v", err)
	}
	resp2 := e.openStream(t, sessID, map[string]string{"Last-Event-ID": strconv.FormatUint(n, 10)})
	defer resp2.Body.Close()
	var got []string
	readSSE(t, resp2.Body, 2*time.Second, func(ev sseEvent) bool {
		got = append(got, ev.id)
		return false
	})
	if len(got) != 1 || got[0] != "2" {
		t.Fatalf("replay after reconnect = %v, want [2]", got)
	}
}

package backends

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
)

type capturedCall struct {
	path    string
	headers http.Header
	body    map[string]any
}

func chatServer(t *testing.T, status int, calls chan<- capturedCall) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		calls <- capturedCall{path: r.URL.Path, headers: r.Header.Clone(), body: body}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":"overloaded"}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func request(t *testing.T, payload string) entities.Request {
	t.Helper()
	req, err := entities.NewRequest("req-42", []byte(payload), entities.PriorityCritical, "", time.Now(), time.Time{})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestLocalModelPostsChatCompletion(t *testing.T) {
	calls := make(chan capturedCall, 1)
	server := chatServer(t, http.StatusOK, calls)
	local := NewLocalModel("phi", server.URL+"/", "phi-3-mini", time.Second)

	completion, err := local.Dispatch(context.Background(), request(t, `{"messages":[{"role":"user","content":"hi"}],"stream":true}`))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	call := <-calls
	if call.path != "/v1/chat/completions" {
		t.Fatalf("expected chat completions path, got %s", call.path)
	}
	if call.body["model"] != "phi-3-mini" || call.body["stream"] != false {
		t.Fatalf("expected model filled and streaming off, got %v", call.body)
	}
	if call.headers.Get("Authorization") != "" || call.headers.Get("Idempotency-Key") != "" {
		t.Fatalf("expected no remote headers on local calls")
	}
	if completion.Backend != "phi" || completion.RequestID != "req-42" || completion.ContentType != "application/json" {
		t.Fatalf("unexpected completion: %+v", completion)
	}
	if !json.Valid(completion.Body) {
		t.Fatalf("expected JSON body, got %s", completion.Body)
	}
}

func TestRemoteAPISendsCredentialsAndIdempotencyKey(t *testing.T) {
	calls := make(chan capturedCall, 1)
	server := chatServer(t, http.StatusOK, calls)
	remote := NewRemoteAPI("cloud", server.URL, "sk-test", "default-model", time.Second)

	if _, err := remote.Dispatch(context.Background(), request(t, `{"messages":[],"model":"caller-model"}`)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	call := <-calls
	if call.headers.Get("Authorization") != "Bearer sk-test" {
		t.Fatalf("expected bearer token, got %q", call.headers.Get("Authorization"))
	}
	if call.headers.Get("Idempotency-Key") != "req-42" || call.headers.Get("X-Request-Priority") != "critical" {
		t.Fatalf("expected request headers, got %v", call.headers)
	}
	if call.body["model"] != "caller-model" {
		t.Fatalf("expected caller model kept, got %v", call.body["model"])
	}
}

func TestNon2xxIsDispatchError(t *testing.T) {
	calls := make(chan capturedCall, 1)
	server := chatServer(t, http.StatusServiceUnavailable, calls)
	remote := NewRemoteAPI("cloud", server.URL, "", "", time.Second)

	_, err := remote.Dispatch(context.Background(), request(t, `{"messages":[]}`))
	if !errors.Is(err, domainerrors.ErrBackendDispatch) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
}

func TestUnreachableBackendIsDispatchError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()

	_, err := NewLocalModel("gone", endpoint, "", time.Second).Dispatch(context.Background(), request(t, `{"messages":[]}`))
	if !errors.Is(err, domainerrors.ErrBackendDispatch) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
}

func TestNonObjectPayloadIsForwardedAsIs(t *testing.T) {
	client := newChatClient("x", "http://unused", "model", 0)
	body, err := client.prepareBody([]byte(`[1,2,3]`))
	if err != nil || string(body) != `[1,2,3]` {
		t.Fatalf("expected payload untouched, got %s %v", body, err)
	}
}

func TestFuncDispatcher(t *testing.T) {
	called := false
	dispatcher := Func(func(_ context.Context, req entities.Request) (entities.Completion, error) {
		called = true
		return entities.Completion{RequestID: req.ID}, nil
	})
	completion, err := dispatcher.Dispatch(context.Background(), request(t, `{"messages":[]}`))
	if err != nil || !called || completion.RequestID != "req-42" {
		t.Fatalf("expected func to run, got %+v %v", completion, err)
	}
}

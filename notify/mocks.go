package notify

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
)

// Paths served by MockSlackServer.
const (
	MockWebhookPath           = "/webhook"
	MockConversationsOpenPath = "/api/conversations.open"
	MockPostMessagePath       = "/api/chat.postMessage"
)

// CapturedHTTPRequest is a request received by MockSlackServer.
type CapturedHTTPRequest struct {
	Method     string
	Path       string
	Headers    map[string]string
	Body       string
	CapturedAt time.Time
}

// MockSlackServer imitates the incoming webhook and the two Web API methods
// used for direct messages, and records every request.
type MockSlackServer struct {
	server   *http.Server
	listener net.Listener

	mu           sync.RWMutex
	requests     []CapturedHTTPRequest
	failStatus   map[string]int
	openResponse string
}

// NewMockSlackServer starts a server on a random local port. conversations.open
// answers with channel id "test_channel" until SetOpenResponse changes it.
func NewMockSlackServer() (*MockSlackServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	m := &MockSlackServer{
		listener:     listener,
		failStatus:   make(map[string]int),
		openResponse: `{"ok":true,"channel":{"id":"test_channel"}}`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleRequest)
	m.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		_ = m.server.Serve(listener)
	}()
	return m, nil
}

func (m *MockSlackServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		body = []byte{}
	}
	headers := make(map[string]string)
	for key, values := range r.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	m.mu.Lock()
	m.requests = append(m.requests, CapturedHTTPRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       string(body),
		CapturedAt: time.Now(),
	})
	status, fail := m.failStatus[r.URL.Path]
	openResponse := m.openResponse
	m.mu.Unlock()

	if fail {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("Simulated error"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case MockConversationsOpenPath:
		_, _ = w.Write([]byte(openResponse))
	case MockWebhookPath:
		_, _ = w.Write([]byte("ok"))
	default:
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}

// Requests returns the captured requests, optionally filtered by path.
func (m *MockSlackServer) Requests(path string) []CapturedHTTPRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CapturedHTTPRequest, 0, len(m.requests))
	for _, req := range m.requests {
		if path == "" || req.Path == path {
			out = append(out, req)
		}
	}
	return out
}

// SetFailure makes path answer with status. Zero restores normal behaviour.
func (m *MockSlackServer) SetFailure(path string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == 0 {
		delete(m.failStatus, path)
		return
	}
	m.failStatus[path] = status
}

// SetOpenResponse replaces the conversations.open response body.
func (m *MockSlackServer) SetOpenResponse(body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openResponse = body
}

// URL returns the server base URL.
func (m *MockSlackServer) URL() string {
	return "http://" + m.listener.Addr().String()
}

// Config returns a SlackConfig pointing at this server.
func (m *MockSlackServer) Config() SlackConfig {
	return SlackConfig{
		WebhookURL: m.URL() + MockWebhookPath,
		BotToken:   "token",
		APIURL:     m.URL() + "/api",
		Timeout:    5 * time.Second,
	}
}

// Close stops the server.
func (m *MockSlackServer) Close() error {
	return m.server.Close()
}

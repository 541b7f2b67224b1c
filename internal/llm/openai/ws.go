package openai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kousw/codelia/internal/llm"
	"github.com/kousw/codelia/pkg/models"
)

// Input modes reported in provider_meta.
const (
	wsInputFull        = "full"
	wsInputIncremental = "incremental"
	wsInputEmpty       = "empty"
	wsInputRegenerated = "full_regenerated"
)

// wsSession is the chaining state kept per session key.
type wsSession struct {
	previousResponseID string
	instructionsHash   string
	toolsHash          string
	model              string
	lastInput          []string
	conn               *wsConn
	lastUsed           time.Time
	everConnected      bool
}

// sessionStore owns all WS session slots and the disabled-until map.
// Lookup and mutation happen only during Invoke, which is logically
// serialized per session key; the mutex covers cross-session access.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*wsSession
	disabled map[string]time.Time
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*wsSession),
		disabled: make(map[string]time.Time),
	}
}

func (s *sessionStore) get(key string) *wsSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[key]
}

func (s *sessionStore) put(key string, session *wsSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[key] = session
}

func (s *sessionStore) invalidate(key string) {
	s.mu.Lock()
	session := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()
	if session != nil && session.conn != nil {
		session.conn.close("chain invalidated")
	}
}

func (s *sessionStore) disable(key string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[key] = until
}

func (s *sessionStore) isDisabled(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.disabled[key]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(s.disabled, key)
		return false
	}
	return true
}

// gc closes and evicts sessions idle past the TTL and expired disable
// entries. Runs on every invoke.
func (s *sessionStore) gc(now time.Time) {
	s.mu.Lock()
	var stale []*wsConn
	for key, session := range s.sessions {
		if now.Sub(session.lastUsed) > sessionIdleTTL {
			if session.conn != nil {
				stale = append(stale, session.conn)
			}
			delete(s.sessions, key)
		}
	}
	for key, until := range s.disabled {
		if now.After(until) {
			delete(s.disabled, key)
		}
	}
	s.mu.Unlock()
	for _, conn := range stale {
		conn.close("idle ttl expired")
	}
}

// wsConn wraps one socket. A connection serves one inflight request at a
// time; reqMu enforces that ordering while mu guards the open state.
type wsConn struct {
	mu     sync.Mutex
	reqMu  sync.Mutex
	conn   *websocket.Conn
	open   bool
	closed chan struct{}
}

func newWsConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, open: true, closed: make(chan struct{})}
}

func (c *wsConn) usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *wsConn) close(reason string) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	close(c.closed)
	conn := c.conn
	c.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	// Close errors are deliberately dropped so they cannot mask the
	// primary error that caused the close.
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = conn.Close()
}

// wsPlan is the chaining decision for one request.
type wsPlan struct {
	input              []map[string]any
	previousResponseID string
	inputMode          string
	chainReset         bool
}

// planRequest classifies the request against the session state: fresh
// (no prior response id), chainable (unchanged tools/instructions/model
// and a strict prefix-extension of the last input), or regenerate.
func planRequest(session *wsSession, body *requestBody, canonical []string, instructionsHash, toolsHash string) wsPlan {
	if session == nil || session.previousResponseID == "" {
		return wsPlan{input: body.Input, inputMode: wsInputFull}
	}
	if session.instructionsHash == instructionsHash &&
		session.toolsHash == toolsHash &&
		session.model == body.Model &&
		isPrefixExtension(session.lastInput, canonical) {
		suffix := body.Input[len(session.lastInput):]
		mode := wsInputIncremental
		if len(suffix) == 0 {
			mode = wsInputEmpty
			suffix = []map[string]any{}
		}
		return wsPlan{
			input:              suffix,
			previousResponseID: session.previousResponseID,
			inputMode:          mode,
		}
	}
	return wsPlan{input: body.Input, inputMode: wsInputRegenerated, chainReset: true}
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hashTools(body *requestBody) string {
	data, _ := json.Marshal(struct {
		Tools      []map[string]any `json:"tools"`
		ToolChoice any              `json:"tool_choice"`
	}{body.Tools, body.ToolChoice})
	return hashString(string(data))
}

// invokeWS runs the stateful path. It returns the computed input mode
// alongside the result so a fallback can preserve it in provider_meta.
func (p *Provider) invokeWS(ctx context.Context, body *requestBody, model, sessionKey string, mode WebsocketMode) (*models.Completion, string, error) {
	canonical := canonicalItems(body.Input)
	instructionsHash := hashString(body.Instructions)
	toolsHash := hashTools(body)

	session := p.sessions.get(sessionKey)
	// Only protocol v2 chains by previous_response_id; v1 sockets always
	// carry the full input.
	var plan wsPlan
	if p.cfg.WebsocketAPIVersion == wsAPIVersionV2 {
		plan = planRequest(session, body, canonical, instructionsHash, toolsHash)
	} else {
		plan = wsPlan{input: body.Input, inputMode: wsInputFull}
	}

	reconnects := 0
	conn := (*wsConn)(nil)
	now := time.Now()

	if session != nil && session.conn != nil {
		if plan.chainReset {
			session.conn.close("chain regenerated")
		} else if session.conn.usable() && now.Sub(session.lastUsed) <= idleReuseWindow {
			conn = session.conn
		} else {
			session.conn.close("idle reuse window expired")
		}
	}

	var completion *models.Completion
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, plan.inputMode, err
		}

		if conn == nil {
			dialed, err := p.dialWS(ctx, sessionKey)
			if err != nil {
				lastErr = err
			} else {
				conn = dialed
				// Retry dials are already counted when the retry is
				// scheduled; only the initial replacement of a lost or
				// stale socket counts here.
				if attempt == 0 && session != nil && session.everConnected {
					reconnects++
				}
			}
		}

		if lastErr == nil {
			send := *body
			send.Input = plan.input
			send.PreviousResponseID = plan.previousResponseID

			resp, err := p.roundTripWS(ctx, conn, &send)
			if err == nil {
				completion, err = resp.toCompletion(model)
				if err != nil {
					conn.close("bad response payload")
					return nil, plan.inputMode, err
				}
				p.sessions.put(sessionKey, &wsSession{
					previousResponseID: resp.ID,
					instructionsHash:   instructionsHash,
					toolsHash:          toolsHash,
					model:              body.Model,
					lastInput:          canonical,
					conn:               conn,
					lastUsed:           time.Now(),
					everConnected:      true,
				})
				annotate(completion, map[string]any{
					llm.MetaTransport:        "websocket",
					llm.MetaWebsocketMode:    string(mode),
					llm.MetaResponseID:       resp.ID,
					llm.MetaWsInputMode:      plan.inputMode,
					llm.MetaChainReset:       plan.chainReset,
					llm.MetaWsReconnectCount: reconnects,
				})
				return completion, plan.inputMode, nil
			}
			lastErr = err
			conn.close("request failed")
			conn = nil
		}

		if ctx.Err() != nil {
			return nil, plan.inputMode, ctx.Err()
		}

		// Only explicit "on" mode retries, and only for the transient
		// symptom set; "auto" hands the request to the HTTP fallback.
		if mode != WsOn || attempt >= wsMaxRetries || !isRetryableWsError(lastErr) {
			return nil, plan.inputMode, lastErr
		}

		delay := wsRetryBaseDelay << attempt
		if delay > wsRetryMaxDelay {
			delay = wsRetryMaxDelay
		}
		select {
		case <-ctx.Done():
			return nil, plan.inputMode, ctx.Err()
		case <-time.After(delay):
		}

		// Every retry opens a fresh socket and regenerates full input.
		plan = wsPlan{input: body.Input, inputMode: wsInputRegenerated, chainReset: true}
		if session != nil {
			session.everConnected = true
		}
		reconnects++
		conn = nil
		lastErr = nil
	}
}

// wsRequest is the frame initiating one response over the socket.
type wsRequest struct {
	Type     string       `json:"type"`
	Response *requestBody `json:"response"`
}

// roundTripWS sends one request and blocks until its terminal event.
// An abort closes the socket and returns promptly; the per-request abort
// watcher is released on settle.
func (p *Provider) roundTripWS(ctx context.Context, conn *wsConn, body *requestBody) (*responseBody, error) {
	conn.reqMu.Lock()
	defer conn.reqMu.Unlock()

	conn.mu.Lock()
	if !conn.open {
		conn.mu.Unlock()
		return nil, errors.New("openai: websocket is not open")
	}
	socket := conn.conn
	conn.mu.Unlock()

	payload, err := json.Marshal(&wsRequest{Type: "response.create", Response: body})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal ws request: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.close("done/aborted")
		case <-conn.closed:
		case <-done:
		}
	}()

	if err := socket.WriteMessage(websocket.TextMessage, payload); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("openai: could not send data: %w", err)
	}

	for {
		if err := socket.SetReadDeadline(time.Now().Add(p.cfg.ResponseIdleTimeout)); err != nil {
			return nil, fmt.Errorf("openai: websocket deadline: %w", err)
		}
		_, data, err := socket.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				return nil, errors.New("openai: response timeout")
			}
			return nil, fmt.Errorf("openai: connection closed before response: %w", err)
		}

		var event streamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("openai: invalid ws event: %w", err)
		}

		switch event.Type {
		case "response.completed":
			if event.Response == nil {
				return nil, errors.New("openai: completed event without response")
			}
			return event.Response, nil
		case "response.failed":
			if event.Response != nil && event.Response.Error != nil {
				return nil, fmt.Errorf("openai: response failed: %w", event.Response.Error)
			}
			if event.Error != nil {
				return nil, fmt.Errorf("openai: response failed: %w", event.Error)
			}
			return nil, errors.New("openai: response failed")
		case "error":
			if event.Error != nil {
				return nil, fmt.Errorf("openai: ws error: %w", event.Error)
			}
			return nil, errors.New("openai: ws error")
		}
		// Delta events reset the idle deadline and are otherwise skipped;
		// the terminal frame carries the full output.
	}
}

// dialWS opens a socket with the handshake headers the Responses WS
// protocol requires.
func (p *Provider) dialWS(ctx context.Context, sessionKey string) (*wsConn, error) {
	header := http.Header{}
	for key, values := range p.cfg.Headers {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	header.Set("OpenAI-Beta", "responses_websockets="+p.cfg.WebsocketAPIVersion)
	header.Set("X-Session-Id", sessionKey)

	dialer := websocket.Dialer{HandshakeTimeout: p.cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	socket, resp, err := dialer.DialContext(dialCtx, p.wsURL(), header)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, errors.New("openai: connect timeout")
		}
		if resp != nil {
			return nil, fmt.Errorf("openai: websocket handshake failed: %s", describeHandshakeFailure(resp))
		}
		return nil, fmt.Errorf("openai: websocket closed before open: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return newWsConn(socket), nil
}

func (p *Provider) wsURL() string {
	url := p.cfg.BaseURL + "/responses"
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// diagnosticHeaders is the bounded subset of upgrade-failure headers
// quoted back for diagnosis.
var diagnosticHeaders = []string{"Content-Type", "Retry-After", "X-Request-Id", "Cf-Ray"}

// describeHandshakeFailure captures status, a bounded header subset, and
// a bounded body snippet from a failed upgrade response.
func describeHandshakeFailure(resp *http.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status %d", resp.StatusCode)
	for _, key := range diagnosticHeaders {
		if v := resp.Header.Get(key); v != "" {
			fmt.Fprintf(&b, "; %s=%s", key, v)
		}
	}
	if resp.Body != nil {
		type readResult struct {
			data []byte
		}
		results := make(chan readResult, 1)
		go func() {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			results <- readResult{data: data}
		}()
		select {
		case r := <-results:
			if snippet := strings.TrimSpace(string(r.data)); snippet != "" {
				b.WriteString("; body: ")
				b.WriteString(snippet)
			}
		case <-time.After(250 * time.Millisecond):
			b.WriteString("; body: <read timed out>")
		}
		_ = resp.Body.Close()
	}
	return b.String()
}

// retryableWsSymptoms is the fixed transient symptom set; matching
// errors are retried in "on" mode and disable the chain slot in "auto".
var retryableWsSymptoms = []string{
	"response timeout",
	"connect timeout",
	"closed before open",
	"closed before response",
	"could not send data",
	"websocket is not open",
}

func isRetryableWsError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, symptom := range retryableWsSymptoms {
		if strings.Contains(msg, symptom) {
			return true
		}
	}
	return false
}

func isTransientWsError(err error) bool {
	return isRetryableWsError(err)
}

// isChainNotFound detects a broken previous_response_id chain by error
// code or message substring.
func isChainNotFound(err error) bool {
	if err == nil {
		return false
	}
	var respErr *responseError
	if errors.As(err, &respErr) && respErr.Code == "previous_response_not_found" {
		return true
	}
	return strings.Contains(err.Error(), "previous_response_not_found")
}

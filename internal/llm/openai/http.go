package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kousw/codelia/internal/llm"
	"github.com/kousw/codelia/internal/retry"
	"github.com/kousw/codelia/pkg/models"
)

// maxErrorBodyBytes bounds how much of an error body is quoted back in
// error messages.
const maxErrorBodyBytes = 2048

// invokeHTTP runs the stateless streaming path: POST the full request,
// consume the SSE stream, and return the terminal response frame.
func (p *Provider) invokeHTTP(ctx context.Context, body *requestBody, model string) (*models.Completion, error) {
	send := *body
	send.Stream = true

	payload, err := json.Marshal(&send)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	var final *responseBody
	err = retry.Do(ctx, p.retry, func() error {
		resp, reqErr := p.postStream(ctx, payload)
		if reqErr != nil {
			return reqErr
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
			callErr := fmt.Errorf("openai: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
			if p.retry.StatusRetryable(resp.StatusCode) {
				return callErr
			}
			return retry.Permanent(callErr)
		}

		frame, streamErr := awaitFinalFrame(ctx, resp.Body)
		if streamErr != nil {
			return streamErr
		}
		final = frame
		return nil
	})
	if err != nil {
		return nil, err
	}

	completion, err := final.toCompletion(model)
	if err != nil {
		return nil, err
	}
	annotate(completion, map[string]any{llm.MetaResponseID: final.ID})
	return completion, nil
}

func (p *Provider) postStream(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	for key, values := range p.cfg.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	return resp, nil
}

// awaitFinalFrame reads SSE events until the stream reports a terminal
// response. Intermediate delta events are skipped; only the final frame
// carries the complete output and usage.
func awaitFinalFrame(ctx context.Context, body io.Reader) (*responseBody, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, fmt.Errorf("openai: invalid stream event: %w", err)
		}

		switch event.Type {
		case "response.completed":
			if event.Response == nil {
				return nil, fmt.Errorf("openai: completed event without response")
			}
			return event.Response, nil
		case "response.failed", "response.incomplete":
			if event.Response != nil && event.Response.Error != nil {
				return nil, fmt.Errorf("openai: response failed: %w", event.Response.Error)
			}
			return nil, fmt.Errorf("openai: response %s", strings.TrimPrefix(event.Type, "response."))
		case "error":
			if event.Error != nil {
				return nil, fmt.Errorf("openai: stream error: %w", event.Error)
			}
			return nil, fmt.Errorf("openai: stream error")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("openai: read stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("openai: stream ended before completion")
}

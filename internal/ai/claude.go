package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ClaudeProvider talks to the Anthropic messages API.
// Differences from the OpenAI-style APIs:
//   - auth via x-api-key + anthropic-version headers
//   - the system prompt is a top-level field, not a message
//   - streaming is SSE with typed events (content_block_delta carries text)
type ClaudeProvider struct {
	BaseURL    string
	APIKey     string
	Model      string
	APIVersion string
	MaxTokens  int
	Client     *http.Client
}

func NewClaudeProvider(baseURL, apiKey, model, apiVersion string) *ClaudeProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	if apiVersion == "" {
		apiVersion = "2023-06-01"
	}
	return &ClaudeProvider{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Model:      model,
		APIVersion: apiVersion,
		MaxTokens:  2000,
		Client:     &http.Client{Timeout: 90 * time.Second},
	}
}

type claudeMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeChatReq struct {
	Model     string      `json:"model"`
	MaxTokens int         `json:"max_tokens"`
	System    string      `json:"system,omitempty"`
	Messages  []claudeMsg `json:"messages"`
	Stream    bool        `json:"stream,omitempty"`
}

type claudeChatResp struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// streaming event; only the fields we read
type claudeStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// splitSystem pulls system-role messages out into the top-level system field
// Claude expects; the rest keep their roles.
func splitSystem(messages []Message) (system string, rest []claudeMsg) {
	var sb strings.Builder
	rest = make([]claudeMsg, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(m.Content)
			continue
		}
		rest = append(rest, claudeMsg{Role: m.Role, Content: m.Content})
	}
	return sb.String(), rest
}

func (p *ClaudeProvider) newRequest(ctx context.Context, messages []Message, stream bool) (*http.Request, error) {
	if strings.TrimSpace(p.APIKey) == "" {
		return nil, errors.New("claude: api key is required")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		return nil, errors.New("claude: model is required")
	}

	system, msgs := splitSystem(messages)
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	b, err := json.Marshal(claudeChatReq{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  msgs,
		Stream:    stream,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/messages", strings.TrimRight(p.BaseURL, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.APIKey)
	req.Header.Set("anthropic-version", p.APIVersion)
	return req, nil
}

func claudeHTTPError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("status %d", resp.StatusCode)
	}
	return fmt.Errorf("claude: %s", msg)
}

func (p *ClaudeProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.Client == nil {
		return "", errors.New("claude: http client is nil")
	}

	req, err := p.newRequest(ctx, messages, false)
	if err != nil {
		return "", err
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", claudeHTTPError(resp)
	}

	var decoded claudeChatResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return "", errors.New(decoded.Error.Message)
	}
	for _, c := range decoded.Content {
		if c.Type == "text" {
			return c.Text, nil
		}
	}
	return "", errors.New("claude: empty response")
}

// StreamChat streams assistant text deltas via SSE.
func (p *ClaudeProvider) StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	chunks := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if p.Client == nil {
			errs <- errors.New("claude: http client is nil")
			return
		}

		req, err := p.newRequest(ctx, messages, true)
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		// per-call copy: the client-wide timeout would cut long streams
		// (ctx bounds the call), and mutating the shared client would
		// race with concurrent streams
		client := *p.Client
		client.Timeout = 0

		resp, err := client.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errs <- claudeHTTPError(resp)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		sc.Buffer(buf, 2*1024*1024)

		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var ev claudeStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				// partial or malformed event; never surface as a fragment
				continue
			}

			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					select {
					case chunks <- ev.Delta.Text:
					case <-ctx.Done():
						errs <- ctx.Err()
						return
					}
				}
			case "error":
				msg := "claude: stream error"
				if ev.Error != nil && ev.Error.Message != "" {
					msg = ev.Error.Message
				}
				errs <- errors.New(msg)
				return
			case "message_stop":
				return
			}
		}

		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
	}()

	return chunks, errs
}

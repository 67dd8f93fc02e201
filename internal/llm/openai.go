package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.openai.com/v1"

// maxToolRounds bounds the generate/execute loop so a model that keeps
// requesting tools cannot spin forever.
const maxToolRounds = 10

// OpenAIClient implements Provider over the OpenAI chat completions API.
type OpenAIClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *log.Logger
}

// NewOpenAIClient builds a client. model is the default used when a request
// does not name one; baseURL falls back to the public OpenAI endpoint.
func NewOpenAIClient(apiKey, baseURL, model string, timeout time.Duration, logger *log.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[LLM] ", log.LstdFlags)
	}
	return &OpenAIClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description,omitempty"`
		Parameters  map[string]interface{} `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireRequest struct {
	Model          string      `json:"model"`
	Messages       []Message   `json:"messages"`
	Temperature    float64     `json:"temperature,omitempty"`
	MaxTokens      int         `json:"max_tokens,omitempty"`
	Tools          []wireTool  `json:"tools,omitempty"`
	ResponseFormat interface{} `json:"response_format,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate runs chat completion, resolving tool calls in a bounded loop and
// returning the final assistant message.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	tools := make(map[string]Tool, len(req.Tools))
	wireTools := make([]wireTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools[t.Name] = t
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		wireTools = append(wireTools, wt)
	}

	messages := append([]Message(nil), req.Messages...)

	for round := 0; ; round++ {
		wr := wireRequest{
			Model:       model,
			Messages:    messages,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Tools:       wireTools,
		}
		if req.JSONMode {
			wr.ResponseFormat = map[string]string{"type": "json_object"}
		}

		msg, finish, err := c.complete(ctx, wr)
		if err != nil {
			return Response{}, err
		}

		if finish != "tool_calls" || len(msg.ToolCalls) == 0 {
			return Response{Text: msg.Content, FinishReason: finish, ToolRounds: round}, nil
		}
		if round >= maxToolRounds {
			return Response{}, fmt.Errorf("tool loop exceeded %d rounds", maxToolRounds)
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			tool, ok := tools[call.Function.Name]
			if !ok {
				return Response{}, fmt.Errorf("model requested unknown tool %q", call.Function.Name)
			}
			out, err := tool.Execute(ctx, call.Function.Arguments)
			if err != nil {
				// Report the failure back to the model instead of aborting;
				// it may recover with a different call.
				c.logger.Printf("tool=%s error: %v", call.Function.Name, err)
				out = fmt.Sprintf("tool error: %v", err)
			}
			messages = append(messages, Message{
				Role:       RoleTool,
				Content:    out,
				ToolCallID: call.ID,
			})
		}
	}
}

func (c *OpenAIClient) complete(ctx context.Context, wr wireRequest) (Message, string, error) {
	body, err := json.Marshal(wr)
	if err != nil {
		return Message{}, "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Message{}, "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Message{}, "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Message{}, "", fmt.Errorf("failed to read response: %w", err)
	}

	var out wireResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Message{}, "", fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	if out.Error != nil {
		return Message{}, "", fmt.Errorf("API error (%s): %s", out.Error.Type, out.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return Message{}, "", fmt.Errorf("API returned status: %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return Message{}, "", fmt.Errorf("API returned no choices")
	}
	return out.Choices[0].Message, out.Choices[0].FinishReason, nil
}

package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const llmSystemPrompt = `You are a compliance checker for autonomous purchasing agents.
You receive natural-language constraint clauses and a transaction's reasoning trace.
Decide whether the transaction complies with every clause.
Respond with a single JSON object: {"compliant": bool, "confidence": number 0..1, "reasoning": string}.
Do not include any other text.`

// LLMEvaluator judges constraint clauses with an OpenAI-compatible
// chat completions endpoint.
type LLMEvaluator struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewLLMEvaluator creates an evaluator for the given endpoint and model.
func NewLLMEvaluator(url, apiKey, model string) *LLMEvaluator {
	return &LLMEvaluator{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (e *LLMEvaluator) Evaluate(ctx context.Context, in Input) (*Verdict, error) {
	var prompt strings.Builder
	prompt.WriteString("Constraint clauses:\n")
	for _, clause := range in.Clauses {
		prompt.WriteString("- " + clause + "\n")
	}
	fmt.Fprintf(&prompt, "\nTransaction: %.2f %s at merchant %q by agent %q\n",
		in.Amount, in.Currency, in.MerchantName, in.AgentName)
	prompt.WriteString("Reasoning trace:\n" + in.Reasoning + "\n")

	body, err := json.Marshal(chatRequest{
		Model: e.model,
		Messages: []chatMessage{
			{Role: "system", Content: llmSystemPrompt},
			{Role: "user", Content: prompt.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("semantic: evaluator request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("semantic: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("semantic: evaluator returned %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("semantic: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("semantic: empty completion")
	}

	v := &Verdict{}
	content := extractJSON(cr.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), v); err != nil {
		return nil, fmt.Errorf("semantic: malformed verdict: %w", err)
	}
	v.LatencyMs = time.Since(start).Milliseconds()
	return v, nil
}

// extractJSON strips markdown fences the model may wrap around the
// verdict object.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			return s[i : j+1]
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Evaluator = (*LLMEvaluator)(nil)

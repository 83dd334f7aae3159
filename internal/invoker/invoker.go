// Package invoker implements UpstreamInvoker (spec.md §4.6): issuing the
// composed request to a provider endpoint with two-phase (connect vs
// generation) timeouts, classifying the outcome, and either buffering a
// response or forwarding SSE bytes byte-identically to a streaming writer.
// Grounded on the teacher's proxy.go (client/streamClient pair,
// isRetryableStatusCode, readSSEStream raw-byte forwarding with inline
// usage parsing).
package invoker

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/routergate/gateway/internal/models"
	"go.uber.org/zap"
)

// Invoker issues upstream HTTP calls on behalf of RetryOrchestrator. It keeps
// one client per TLS verification posture rather than one per
// ProviderEndpoint, since spec.md §5 scopes the client pool to
// (ProviderEndpoint, verify_tls) and every endpoint sharing a posture can
// share a transport and its connection pool.
type Invoker struct {
	client         *http.Client
	insecureClient *http.Client
	log            *zap.Logger
}

// New builds an Invoker with clients dedicated to upstream calls, distinct
// from any client the intent classifier uses.
func New(log *zap.Logger) *Invoker {
	return &Invoker{
		client: &http.Client{},
		insecureClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		},
		log: log,
	}
}

// clientFor picks the client whose transport matches the endpoint's
// configured verify_tls posture (spec.md §3, §4.6, §6).
func (inv *Invoker) clientFor(ep models.ProviderEndpoint) *http.Client {
	if ep.VerifyTLS {
		return inv.client
	}
	return inv.insecureClient
}

// clientWriteError marks a failure writing bytes back to the client during
// SSE forwarding, distinct from a failure reading from upstream. Only this
// kind of failure is a client abort (spec.md §5, §7: "no health penalty for
// ClientAbort"); an upstream read failure at the same point in the loop is a
// stream abort and still penalizes the candidate.
type clientWriteError struct {
	err error
}

func (e *clientWriteError) Error() string { return fmt.Sprintf("write to client: %v", e.err) }
func (e *clientWriteError) Unwrap() error { return e.err }

// Result is the outcome of one upstream attempt.
type Result struct {
	StatusCode int
	RawBody    []byte
	Usage      models.Usage
	TokenSource models.TokenSource
	Kind       models.FailureKind
	Retryable  bool
	Err        error
	FirstByteAt time.Time
}

// callWithTwoPhaseTimeout runs fn under a context that is canceled after
// connectTimeout unless onHeaders is called first, at which point the
// deadline is replaced by generationTimeout for the rest of fn's execution.
func callWithTwoPhaseTimeout(ctx context.Context, connectTimeout, generationTimeout time.Duration, fn func(ctx context.Context, onHeaders func()) error) error {
	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	expire := func() { cancel(context.DeadlineExceeded) }
	connectTimer := time.AfterFunc(connectTimeout, expire)
	var genTimer *time.Timer

	onHeaders := func() {
		connectTimer.Stop()
		genTimer = time.AfterFunc(generationTimeout, expire)
	}

	err := fn(callCtx, onHeaders)

	connectTimer.Stop()
	if genTimer != nil {
		genTimer.Stop()
	}
	// A fired timer surfaces from fn as "context canceled"; report it as a
	// deadline so classifyTransportErr sees a timeout, not a transport error.
	if err != nil && errors.Is(context.Cause(callCtx), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

// InvokeBuffered performs a non-streaming call and returns the full body.
func (inv *Invoker) InvokeBuffered(ctx context.Context, ep models.ProviderEndpoint, ref models.ModelRef, body map[string]interface{}, retryCond models.RetryConditions, connectTimeout, generationTimeout time.Duration) *Result {
	body["stream"] = false
	payload, err := json.Marshal(body)
	if err != nil {
		return &Result{Kind: models.KindBadRequest, Err: fmt.Errorf("marshal upstream body: %w", err)}
	}

	var res Result
	headerReceived := false

	callErr := callWithTwoPhaseTimeout(ctx, connectTimeout, generationTimeout, func(callCtx context.Context, onHeaders func()) error {
		url := strings.TrimRight(ep.BaseURL, "/") + ep.Protocol.PathSuffix()
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		applyHeaders(req, ep)

		resp, err := inv.clientFor(ep).Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		headerReceived = true
		onHeaders()
		res.StatusCode = resp.StatusCode

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return err
		}
		res.RawBody = raw
		return nil
	})

	if callErr != nil {
		return classifyTransportErr(callErr, headerReceived)
	}

	classifyBuffered(&res, retryCond)
	return &res
}

func classifyBuffered(res *Result, retryCond models.RetryConditions) {
	if res.StatusCode >= 400 {
		res.Kind = statusToKind(res.StatusCode)
		res.Retryable = models.IsRetryableKind(res.Kind) || retryCond.ContainsStatus(res.StatusCode)
		res.Err = fmt.Errorf("upstream returned status %d", res.StatusCode)
		return
	}

	if kw, ok := retryCond.MatchesKeyword(string(res.RawBody)); ok {
		res.Kind = models.KindBodyKeyword
		res.Retryable = true
		res.Err = fmt.Errorf("upstream body matched retry keyword %q", kw)
		return
	}

	usage, tokenSource, hasContent := extractUsageAndContent(res.RawBody)
	res.Usage = usage
	res.TokenSource = tokenSource
	if !hasContent {
		res.Kind = models.KindEmptyResponse
		res.Retryable = true
		res.Err = fmt.Errorf("upstream response had no content and no tool calls")
	}
}

func statusToKind(status int) models.FailureKind {
	switch {
	case status == 401 || status == 403:
		return models.KindHTTP4xxAuth
	case status == 429:
		return models.KindHTTP429
	case status >= 500:
		return models.KindHTTP5xx
	default:
		return models.KindHTTP4xxOther
	}
}

func classifyTransportErr(err error, headerReceived bool) *Result {
	if err == context.DeadlineExceeded || strings.Contains(err.Error(), "context deadline exceeded") {
		if headerReceived {
			return &Result{Kind: models.KindTimeoutGeneration, Retryable: true, Err: err}
		}
		return &Result{Kind: models.KindTimeoutConnect, Retryable: true, Err: err}
	}
	return &Result{Kind: models.KindTransport, Retryable: true, Err: err}
}

func applyHeaders(req *http.Request, ep models.ProviderEndpoint) {
	req.Header.Set("Content-Type", "application/json")
	if ep.APIKey == "" {
		return
	}
	switch ep.Protocol {
	case models.ProtocolV1Messages:
		req.Header.Set("x-api-key", ep.APIKey)
		req.Header.Set("anthropic-version", "2023-06-01")
	default:
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
}

// extractUsageAndContent walks a non-streaming chat-completion response
// looking for usage counts and non-empty assistant content or tool calls.
func extractUsageAndContent(raw []byte) (models.Usage, models.TokenSource, bool) {
	var parsed struct {
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
		Choices []struct {
			Message struct {
				Content   string          `json:"content"`
				ToolCalls json.RawMessage `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return models.Usage{}, models.TokenSourceLocal, false
	}

	hasContent := false
	for _, c := range parsed.Choices {
		if strings.TrimSpace(c.Message.Content) != "" {
			hasContent = true
		}
		if len(c.Message.ToolCalls) > 2 { // more than "[]"
			hasContent = true
		}
	}

	if parsed.Usage != nil {
		return models.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}, models.TokenSourceUpstream, hasContent
	}

	completion := 0
	for _, c := range parsed.Choices {
		completion += EstimateTokens(c.Message.Content)
	}
	return models.Usage{CompletionTokens: completion, TotalTokens: completion}, models.TokenSourceLocal, hasContent
}

// EstimateTokens is the local tokenizer fallback (spec.md §4.6, "if upstream
// omits usage, estimate token counts locally"). No tokenizer library exists
// anywhere in the retrieval pack (see DESIGN.md), so this uses the
// well-known chars/4 heuristic rather than a real BPE tokenizer.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text)
	est := n / 4
	if est < 1 {
		est = 1
	}
	return est
}

// StreamWriter receives raw SSE bytes exactly as read from upstream and a
// Flush hook to push them to the client without buffering delay.
type StreamWriter interface {
	io.Writer
	Flush()
}

// InvokeStreaming forwards upstream SSE bytes to w byte-for-byte (spec.md §8
// "streaming byte-identity" property) while parsing usage/content out of the
// data frames on the side, grounded on the teacher's readSSEStream.
func (inv *Invoker) InvokeStreaming(ctx context.Context, ep models.ProviderEndpoint, ref models.ModelRef, body map[string]interface{}, retryCond models.RetryConditions, connectTimeout, generationTimeout time.Duration, w StreamWriter, onFirstByte func()) *Result {
	if !ep.Protocol.ForcesNonStreaming() {
		body["stream"] = true
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return &Result{Kind: models.KindBadRequest, Err: fmt.Errorf("marshal upstream body: %w", err)}
	}

	var res Result
	headerReceived := false
	sawFirstByte := false
	sawContent := false
	var usage models.Usage
	tokenSource := models.TokenSourceLocal
	var estimatedCompletion int

	callErr := callWithTwoPhaseTimeout(ctx, connectTimeout, generationTimeout, func(callCtx context.Context, onHeaders func()) error {
		url := strings.TrimRight(ep.BaseURL, "/") + ep.Protocol.PathSuffix()
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		applyHeaders(req, ep)

		resp, err := inv.clientFor(ep).Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		headerReceived = true
		onHeaders()
		res.StatusCode = resp.StatusCode

		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			res.RawBody = raw
			return nil
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadBytes('\n')
			if len(line) > 0 {
				if !sawFirstByte {
					sawFirstByte = true
					res.FirstByteAt = time.Now()
					if onFirstByte != nil {
						onFirstByte()
					}
				}
				if _, werr := w.Write(line); werr != nil {
					return &clientWriteError{err: werr}
				}
				w.Flush()

				if data, ok := sseData(line); ok && data != "[DONE]" {
					if u, content, ok := parseSSEChunk(data); ok {
						if u != nil {
							usage = *u
							tokenSource = models.TokenSourceUpstream
						}
						if content != "" {
							sawContent = true
							estimatedCompletion += EstimateTokens(content)
						}
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					break
				}
				return err
			}
		}
		return nil
	})

	if callErr != nil {
		var writeErr *clientWriteError
		if errors.As(callErr, &writeErr) {
			return &Result{Kind: models.KindClientAbort, Retryable: false, Err: writeErr, FirstByteAt: res.FirstByteAt}
		}
		result := classifyTransportErr(callErr, headerReceived)
		if headerReceived && sawFirstByte {
			result.Kind = models.KindStreamAbort
		}
		return result
	}

	if res.StatusCode >= 400 {
		res.Kind = statusToKind(res.StatusCode)
		res.Retryable = models.IsRetryableKind(res.Kind) || retryCond.ContainsStatus(res.StatusCode)
		res.Err = fmt.Errorf("upstream returned status %d", res.StatusCode)
		return &res
	}

	if kw, ok := retryCond.MatchesKeyword(string(res.RawBody)); ok {
		res.Kind = models.KindBodyKeyword
		res.Retryable = true
		res.Err = fmt.Errorf("upstream stream matched retry keyword %q", kw)
		return &res
	}

	if tokenSource == models.TokenSourceLocal {
		usage.CompletionTokens = estimatedCompletion
		usage.TotalTokens = estimatedCompletion
	}
	res.Usage = usage
	res.TokenSource = tokenSource

	if !sawContent {
		res.Kind = models.KindEmptyResponse
		res.Retryable = true
		res.Err = fmt.Errorf("upstream stream produced no content")
	}
	return &res
}

// SynthesizeSSE converts a buffered chat-completion response body into a
// single OpenAI-style "chat.completion.chunk" SSE frame followed by
// "data: [DONE]", so a client that asked to stream still gets a stream even
// though the resolved candidate's protocol flavor forces non-streaming
// upstream calls (spec.md §4.6 step 6, §3: v1-messages/v1-response "must
// never receive stream=true").
func SynthesizeSSE(rawBody []byte, w StreamWriter) error {
	var parsed struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Index   int    `json:"index"`
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return fmt.Errorf("synthesize sse: unmarshal buffered response: %w", err)
	}

	type delta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}
	type choice struct {
		Index        int    `json:"index"`
		Delta        delta  `json:"delta"`
		FinishReason string `json:"finish_reason"`
	}
	chunk := struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Model   string   `json:"model"`
		Choices []choice `json:"choices"`
	}{
		ID:     parsed.ID,
		Object: "chat.completion.chunk",
		Model:  parsed.Model,
	}
	for _, c := range parsed.Choices {
		chunk.Choices = append(chunk.Choices, choice{
			Index:        c.Index,
			Delta:        delta{Role: c.Message.Role, Content: c.Message.Content},
			FinishReason: c.FinishReason,
		})
	}

	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("synthesize sse: marshal chunk: %w", err)
	}

	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("synthesize sse: write chunk: %w", err)
	}
	w.Flush()
	if _, err := io.WriteString(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("synthesize sse: write done marker: %w", err)
	}
	w.Flush()
	return nil
}

func sseData(line []byte) (string, bool) {
	s := strings.TrimRight(string(line), "\r\n")
	if !strings.HasPrefix(s, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(s, "data:")), true
}

// parseSSEChunk pulls incremental content and, if present, a final usage
// block out of one OpenAI-style streaming chunk.
func parseSSEChunk(data string) (*models.Usage, string, bool) {
	var chunk struct {
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return nil, "", false
	}

	var content strings.Builder
	for _, c := range chunk.Choices {
		content.WriteString(c.Delta.Content)
	}

	var usage *models.Usage
	if chunk.Usage != nil {
		usage = &models.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return usage, content.String(), true
}

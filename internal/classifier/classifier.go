// Package classifier implements IntentClassifier (spec.md §4.4), grounded
// on the teacher's llm_router.go InferTaskType: a non-streaming call to a
// dedicated routing model that returns a single tier token, with a
// deterministic fallback when routing is disabled or the call fails.
package classifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/routergate/gateway/internal/config"
	"github.com/routergate/gateway/internal/models"
	"github.com/routergate/gateway/internal/trace"
	"go.uber.org/zap"
)

// Classifier assigns a Tier to an incoming chat request.
type Classifier struct {
	store          *config.Store
	client         *http.Client
	insecureClient *http.Client
	log            *zap.Logger
}

// New builds a Classifier with its own dedicated HTTP clients, sized for a
// small, latency-sensitive non-streaming call. Two clients (one per TLS
// verification posture) are built up front since cfg.Router.verify_ssl can
// change on a config hot-reload (spec.md §4.4, §6).
func New(store *config.Store, log *zap.Logger) *Classifier {
	return &Classifier{
		store: store,
		client: &http.Client{
			Timeout: 0, // per-call deadline is set via context below
		},
		insecureClient: &http.Client{
			Timeout:   0,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
		},
		log: log,
	}
}

func (c *Classifier) clientFor(cfg *config.Config) *http.Client {
	if cfg.Router.TLSVerifyEnabled() {
		return c.client
	}
	return c.insecureClient
}

// Classify returns the tier for req, emitting ROUTER_START/ROUTER_END or
// ROUTER_FAIL onto tr.
func (c *Classifier) Classify(ctx context.Context, req *models.ChatRequest, tr *trace.Recorder) models.Tier {
	cfg := c.store.Get()

	if !cfg.Router.Enabled {
		if cfg.Router.LegacyRandomTier {
			return legacyRandomTier()
		}
		return models.TierT1
	}

	tr.Emit(models.StageRouterStart, models.StatusInfo, cfg.Router.Model, "", "", 0)

	tier, err := c.classifyViaModel(ctx, req, cfg)
	if err != nil {
		c.log.Warn("intent classification failed, defaulting to t2", zap.Error(err))
		tr.Emit(models.StageRouterFail, models.StatusFail, cfg.Router.Model, "", err.Error(), 0)
		return models.TierT2
	}

	tr.Emit(models.StageRouterEnd, models.StatusSuccess, cfg.Router.Model, "", string(tier), 0)
	return tier
}

func legacyRandomTier() models.Tier {
	tiers := []models.Tier{models.TierT1, models.TierT2, models.TierT3}
	return tiers[rand.Intn(len(tiers))]
}

func (c *Classifier) classifyViaModel(ctx context.Context, req *models.ChatRequest, cfg *config.Config) (models.Tier, error) {
	prompt := buildPrompt(cfg.Router.PromptTemplate, req)

	body := map[string]interface{}{
		"model":  cfg.Router.Model,
		"stream": false,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal router request: %w", err)
	}

	deadline := time.Duration(cfg.Timeouts.RouterSeconds * float64(time.Second))
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	url := strings.TrimRight(cfg.Router.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build router request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.Router.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.Router.APIKey)
	}

	resp, err := c.clientFor(cfg).Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("router call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read router response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("router returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return parseTier(respBody)
}

// buildPrompt substitutes the last-K user messages (K=3) into the
// configured prompt template's "{history}" placeholder (spec.md §4.4).
func buildPrompt(template string, req *models.ChatRequest) string {
	msgs := models.LastUserMessages(req, 3)
	joined := strings.Join(msgs, "\n---\n")
	if template == "" {
		return joined
	}
	return strings.ReplaceAll(template, "{history}", joined)
}

// parseTier extracts a t1/t2/t3 token from the routing model's chat
// completion reply, case-insensitively, tolerant of surrounding text. When
// more than one token is present, the earliest-occurring one wins (spec.md
// §4.4: "the first occurrence of t1|t2|t3"), not any fixed priority order.
func parseTier(respBody []byte) (models.Tier, error) {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal router response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("router response had no choices")
	}

	content := strings.ToLower(parsed.Choices[0].Message.Content)
	candidates := []struct {
		tier models.Tier
		idx  int
	}{
		{models.TierT1, strings.Index(content, "t1")},
		{models.TierT2, strings.Index(content, "t2")},
		{models.TierT3, strings.Index(content, "t3")},
	}

	best := -1
	var bestTier models.Tier
	for _, c := range candidates {
		if c.idx == -1 {
			continue
		}
		if best == -1 || c.idx < best {
			best = c.idx
			bestTier = c.tier
		}
	}
	if best == -1 {
		return "", fmt.Errorf("router reply did not contain a recognizable tier: %q", content)
	}
	return bestTier, nil
}

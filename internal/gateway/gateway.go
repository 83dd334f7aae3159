// Package gateway implements RequestGateway (spec.md §4.9, §6): the north
// HTTP surface of the proxy, wired the way the teacher's cmd/llm-proxy main
// and internal/api/middleware assemble a Gin engine.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/routergate/gateway/internal/api/middleware"
	"github.com/routergate/gateway/internal/classifier"
	"github.com/routergate/gateway/internal/config"
	"github.com/routergate/gateway/internal/health"
	"github.com/routergate/gateway/internal/logsink"
	"github.com/routergate/gateway/internal/models"
	"github.com/routergate/gateway/internal/orchestrator"
	"github.com/routergate/gateway/internal/trace"
	"go.uber.org/zap"
)

// Gateway owns the Gin engine and the routing engine's top-level components.
type Gateway struct {
	store        *config.Store
	classifier   *classifier.Classifier
	orchestrator *orchestrator.Orchestrator
	health       *health.Registry
	sink         *logsink.Sink
	log          *zap.Logger

	engine *gin.Engine
}

// New wires an Engine and registers routes.
func New(store *config.Store, cl *classifier.Classifier, orch *orchestrator.Orchestrator, healthRegistry *health.Registry, sink *logsink.Sink, log *zap.Logger) *Gateway {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.Logger(log))
	engine.Use(middleware.SecurityHeaders())

	g := &Gateway{store: store, classifier: cl, orchestrator: orch, health: healthRegistry, sink: sink, log: log}
	g.engine = engine
	g.registerRoutes()
	return g
}

// Handler returns the http.Handler to pass to an http.Server.
func (g *Gateway) Handler() http.Handler {
	return g.engine
}

func (g *Gateway) registerRoutes() {
	g.engine.GET("/healthz", g.handleHealthz)

	authed := g.engine.Group("/")
	authed.Use(g.requireGatewayKey())
	authed.POST("/v1/chat/completions", g.handleChatCompletions)
	authed.GET("/v1/models", g.handleListModels)
	authed.GET("/debug/stats", g.handleDebugStats)
}

// requireGatewayKey enforces literal Bearer-token equality in constant time
// (spec.md §4.9). A gateway with no configured key allows every request,
// matching the original's "allow all if no key configured" bootstrap mode.
func (g *Gateway) requireGatewayKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := g.store.Get()
		if cfg.General.GatewayAPIKey == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			writeError(c, http.StatusUnauthorized, "missing or malformed Authorization header")
			c.Abort()
			return
		}
		provided := auth[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.General.GatewayAPIKey)) != 1 {
			writeError(c, http.StatusUnauthorized, "invalid gateway API key")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (g *Gateway) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleListModels is the supplemented `GET /v1/models` endpoint
// (SPEC_FULL.md §10.1): the deduplicated model set across all tiers in
// OpenAI's `{object:"list", data:[...]}` shape.
func (g *Gateway) handleListModels(c *gin.Context) {
	cfg := g.store.Get()
	seen := map[string]struct{}{}
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var data []modelEntry
	for _, list := range [][]string{cfg.Tiers.T1, cfg.Tiers.T2, cfg.Tiers.T3} {
		for _, m := range list {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			data = append(data, modelEntry{ID: m, Object: "model", OwnedBy: "routergate"})
		}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (g *Gateway) handleDebugStats(c *gin.Context) {
	c.JSON(http.StatusOK, g.health.Snapshot())
}

func writeError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": gin.H{"message": message, "type": http.StatusText(status)}})
}

// handleChatCompletions is the single north interface (spec.md §6):
// classify intent, run the retry orchestrator over the tier's candidates,
// and either return a buffered JSON body or forward an SSE stream.
func (g *Gateway) handleChatCompletions(c *gin.Context) {
	requestID := uuid.NewString()
	receivedAt := time.Now()
	tr := trace.New()
	tr.Emit(models.StageReqReceived, models.StatusInfo, "", "", requestID, 0)

	var clientBody map[string]interface{}
	rawBytes, err := c.GetRawData()
	if err != nil {
		writeError(c, http.StatusBadRequest, "failed to read request body")
		return
	}
	if err := json.Unmarshal(rawBytes, &clientBody); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var chatReq models.ChatRequest
	if err := json.Unmarshal(rawBytes, &chatReq); err != nil {
		writeError(c, http.StatusBadRequest, "invalid chat completion request")
		return
	}

	tier := g.classifier.Classify(c.Request.Context(), &chatReq, tr)
	// wantsStream reflects only the client's own request; it decides whether
	// this handler calls RunBuffered or RunStreaming. It says nothing about
	// which wire protocol any given candidate speaks upstream — a streaming
	// client can still land on a v1-messages/v1-response candidate, and the
	// orchestrator resolves that per candidate and synthesizes SSE for it, so
	// this dispatch and that one operate at different layers.
	wantsStream := chatReq.Stream

	var outcome *orchestrator.Outcome
	var runErr error

	if wantsStream {
		outcome, runErr = g.runStreaming(c, tier, clientBody, tr)
	} else {
		outcome, runErr = g.orchestrator.RunBuffered(c.Request.Context(), tier, clientBody, tr)
	}

	status := models.ReqStatusSuccess
	var respBody string
	if runErr != nil {
		status = models.ReqStatusError
		var aborted *orchestrator.ErrClientAborted
		if errors.As(runErr, &aborted) {
			status = models.ReqStatusAborted
		}
		if !wantsStream {
			writeUpstreamExhausted(c, runErr)
		}
	} else if !wantsStream {
		respBody = string(outcome.RawBody)
		c.Data(http.StatusOK, "application/json", outcome.RawBody)
	}

	traceJSON, _ := tr.JSON()
	logEntry := &models.RequestLog{
		ID:               requestID,
		ReceivedAt:       receivedAt,
		Tier:             tier,
		DurationMs:       float64(time.Since(receivedAt).Milliseconds()),
		Status:           status,
		RequestBodyJSON:  string(rawBytes),
		ResponseBodyJSONText: respBody,
		TraceJSON:        traceJSON,
	}
	if outcome != nil {
		logEntry.ChosenModel = outcome.ChosenModel
		logEntry.RetryCount = outcome.RetryCount
		logEntry.PromptTokens = outcome.Usage.PromptTokens
		logEntry.CompletionTokens = outcome.Usage.CompletionTokens
		logEntry.TokenSource = outcome.TokenSource
	}
	if g.sink != nil {
		g.sink.AppendAsync(logEntry)
	}
}

// sseFlusher adapts a gin.ResponseWriter into invoker.StreamWriter.
type sseFlusher struct {
	c *gin.Context
}

func (s sseFlusher) Write(p []byte) (int, error) { return s.c.Writer.Write(p) }
func (s sseFlusher) Flush()                       { s.c.Writer.Flush() }

func (g *Gateway) runStreaming(c *gin.Context, tier models.Tier, clientBody map[string]interface{}, tr *trace.Recorder) (*orchestrator.Outcome, error) {
	headersSent := false
	onFirstByte := func() {
		if headersSent {
			return
		}
		headersSent = true
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Status(http.StatusOK)
	}

	w := sseFlusher{c: c}
	outcome, err := g.orchestrator.RunStreaming(c.Request.Context(), tier, clientBody, w, onFirstByte, tr)
	if err != nil {
		var aborted *orchestrator.ErrClientAborted
		if errors.As(err, &aborted) {
			// The client is already gone; there is nobody left to write to.
			return outcome, err
		}
		if !headersSent {
			writeUpstreamExhausted(c, err)
			return outcome, err
		}
		// Bytes are already in flight and cannot be retried behind the
		// client's back, so terminate its stream explicitly with a final
		// error frame before [DONE] (spec.md §5, §6, §8 scenario 4).
		writeStreamErrorFrame(c, err)
		fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		c.Writer.Flush()
	}
	return outcome, err
}

// writeStreamErrorFrame emits the same {kind, attempted, last_reason} shape
// as writeUpstreamExhausted, framed as one SSE data event, so a client that
// already received deltas learns why the stream ended before [DONE].
func writeStreamErrorFrame(c *gin.Context, err error) {
	payload, marshalErr := json.Marshal(gin.H{"error": exhaustionEnvelope(err)})
	if marshalErr != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	c.Writer.Flush()
}

func writeUpstreamExhausted(c *gin.Context, err error) {
	c.JSON(http.StatusBadGateway, gin.H{"error": exhaustionEnvelope(err)})
}

// exhaustionEnvelope builds the {kind, attempted, last_reason} body spec.md
// §4.7/§7/§8 scenario 6 requires for a fully-exhausted tier. A non-exhaustion
// error (e.g. every candidate failed to even resolve) still gets a best
// effort "kind" so the client always sees the same envelope shape.
func exhaustionEnvelope(err error) gin.H {
	var target *orchestrator.ErrAllCandidatesFailed
	if errors.As(err, &target) {
		return gin.H{
			"kind":        "exhausted",
			"attempted":   target.Candidates,
			"last_reason": string(target.LastKind),
		}
	}
	return gin.H{
		"kind":        "exhausted",
		"attempted":   []string{},
		"last_reason": err.Error(),
	}
}

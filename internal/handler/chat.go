package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/jwadow/kiro-gateway/internal/debug"
	"github.com/jwadow/kiro-gateway/internal/kiro"
	"github.com/jwadow/kiro-gateway/internal/openai"
	"github.com/jwadow/kiro-gateway/internal/pool"
)

// ChatHandler handles POST /v1/chat/completions requests.
type ChatHandler struct {
	pool            *pool.Pool
	client          *kiro.Client
	catalog         *Catalog
	logger          *slog.Logger
	accountAttempts int
	maxToolDesc     int
	dumper          *debug.Dumper
}

// ChatHandlerOptions configures the chat handler.
type ChatHandlerOptions struct {
	Pool    *pool.Pool
	Client  *kiro.Client
	Catalog *Catalog
	Logger  *slog.Logger
	// AccountAttempts bounds how many pool accounts one request may
	// burn through. Defaults to 3.
	AccountAttempts int
	// MaxToolDescription is the tool description length past which the
	// full text moves into the system prompt. Zero disables it.
	MaxToolDescription int
}

// NewChatHandler creates a new chat completions handler.
func NewChatHandler(opts ChatHandlerOptions) *ChatHandler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := opts.AccountAttempts
	if attempts == 0 {
		attempts = 3
	}

	dumper := debug.NewDumper()
	if dumper.Enabled() {
		logger.Info("debug dumper enabled", "dir", dumper.BaseDir())
	}

	return &ChatHandler{
		pool:            opts.Pool,
		client:          opts.Client,
		catalog:         opts.Catalog,
		logger:          logger,
		accountAttempts: attempts,
		maxToolDesc:     opts.MaxToolDescription,
		dumper:          dumper,
	}
}

// ServeHTTP handles the chat completion request.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := r.Header.Get("x-request-id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	session := h.dumper.NewSession(sessionID)
	defer session.Close()

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, session, openai.NewInvalidRequestError("Invalid JSON: "+err.Error()))
		return
	}
	session.SetModel(req.Model)
	session.DumpRequestJSON(&req)

	if apiErr := h.validate(&req); apiErr != nil {
		h.writeError(w, session, apiErr)
		return
	}

	h.catalog.RefreshIfStale()

	if req.Stream {
		h.handleStreaming(ctx, w, &req, session)
	} else {
		h.handleBuffered(ctx, w, &req, session)
	}
}

// validate checks the request shape and, when the capability cache
// knows the model, its identity and input budget. An empty cache skips
// model checks rather than rejecting blind.
func (h *ChatHandler) validate(req *openai.ChatCompletionRequest) *openai.APIError {
	if req.Model == "" {
		return openai.NewInvalidRequestError("model: field is required")
	}
	if len(req.Messages) == 0 {
		return openai.NewInvalidRequestError("messages: field is required and must contain at least one message")
	}
	if req.N != nil && *req.N > 1 {
		return openai.NewInvalidRequestError("n: only a single choice is supported")
	}

	modelCache := h.catalog.Cache()
	if modelCache.IsEmpty() {
		return nil
	}
	if _, ok := modelCache.Get(req.Model); !ok {
		return openai.NewNotFoundError(fmt.Sprintf("The model '%s' does not exist", req.Model))
	}
	if limit, ok := modelCache.MaxInputTokens(req.Model); ok {
		if estimated := openai.EstimateInputTokens(req); estimated > limit {
			return openai.NewInvalidRequestError(fmt.Sprintf(
				"Estimated input ~%d tokens exceeds the model's limit of %d. Reduce conversation history.",
				estimated, limit))
		}
	}
	return nil
}

// send picks an account, builds the per-account payload, and performs
// the upstream call. Exhausted accounts rotate out until the attempt
// budget runs dry.
func (h *ChatHandler) send(ctx context.Context, req *openai.ChatCompletionRequest, streaming bool, session *debug.Session) (io.ReadCloser, *openai.APIError) {
	var lastErr error

	for attempt := 0; attempt < h.accountAttempts; attempt++ {
		acc, err := h.pool.Select(ctx)
		if err != nil {
			return nil, openai.ErrNoHealthyAccounts
		}
		session.SetAccount(acc.Name)

		conv, apiErr := openai.BuildConversation(req, req.Model, acc.Manager.ProfileARN(), h.maxToolDesc)
		if apiErr != nil {
			var oe *openai.APIError
			if errors.As(apiErr, &oe) {
				return nil, oe
			}
			return nil, openai.NewInvalidRequestError(apiErr.Error())
		}

		// Default HTML escaping of <, >, & corrupts message content
		// and gets rejected upstream.
		payload, err := kiro.MarshalWithoutHTMLEscape(conv)
		if err != nil {
			return nil, openai.NewAPIStatusError(http.StatusInternalServerError, "Failed to build upstream request")
		}
		session.DumpUpstreamRequest(payload)

		body, err := h.client.Send(ctx, acc.Manager, payload, streaming)
		if err == nil {
			h.pool.ReportSuccess(acc)
			return body, nil
		}
		lastErr = err

		var ae *kiro.APIError
		if errors.As(err, &ae) {
			// Non-retryable upstream status: switching accounts will
			// not change the outcome, pass it through.
			session.SetStatusCode(ae.StatusCode)
			return nil, mapUpstreamError(err)
		}

		h.pool.ReportFailure(acc, err)
		h.logger.Warn("account exhausted its retry budget",
			"account", acc.Name,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return nil, mapUpstreamError(lastErr)
}

// handleBuffered aggregates the full upstream stream into one response.
func (h *ChatHandler) handleBuffered(ctx context.Context, w http.ResponseWriter, req *openai.ChatCompletionRequest, session *debug.Session) {
	estimatedInput := openai.EstimateInputTokens(req)

	body, apiErr := h.send(ctx, req, false, session)
	if apiErr != nil {
		h.writeError(w, session, apiErr)
		return
	}
	defer func() { _ = body.Close() }()

	dec := kiro.GetDecoder()
	defer kiro.ReleaseDecoder(dec)

	agg := newAggregator()
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			agg.consume(dec.Feed(buf[:n]))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			h.logger.Error("error reading upstream response", "error", err)
			h.writeError(w, session, openai.NewBadGatewayError("Upstream stream ended unexpectedly"))
			return
		}
	}

	text := agg.text.String()
	toolCalls := dec.ToolCalls()
	if len(toolCalls) == 0 {
		// Some models report tool calls inline as bracket markers
		// instead of structured events.
		if extracted := kiro.ExtractBracketToolCalls(text); len(extracted) > 0 {
			toolCalls = extracted
			text = kiro.StripBracketToolCalls(text)
		}
	}

	usage := agg.usage(estimatedInput, text)
	resp := openai.BuildChatCompletion(req.Model, text, toolCalls, usage)
	session.DumpResponseJSON(resp)
	session.Success()

	w.Header().Set("Content-Type", "application/json")
	data, err := kiro.MarshalWithoutHTMLEscape(resp)
	if err != nil {
		openai.NewAPIStatusError(http.StatusInternalServerError, "Failed to encode response").WriteError(w)
		return
	}
	_, _ = w.Write(data)
}

// handleStreaming relays the upstream stream as OpenAI SSE chunks.
func (h *ChatHandler) handleStreaming(ctx context.Context, w http.ResponseWriter, req *openai.ChatCompletionRequest, session *debug.Session) {
	estimatedInput := openai.EstimateInputTokens(req)

	body, apiErr := h.send(ctx, req, true, session)
	if apiErr != nil {
		// The stream never opened, so a plain JSON error still works.
		h.writeError(w, session, apiErr)
		return
	}
	defer func() { _ = body.Close() }()

	sse := openai.NewSSEWriter(w)
	sse.WriteHeaders()

	state := openai.NewStreamState(req.Model)
	dec := kiro.GetDecoder()
	defer kiro.ReleaseDecoder(dec)

	agg := newAggregator()
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			session.Fail(ctx.Err())
			return
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				agg.observe(ev)
				if chunk := state.Chunk(ev); chunk != nil {
					if werr := sse.WriteData(chunk); werr != nil {
						session.Fail(werr)
						return
					}
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			h.logger.Error("error reading upstream stream", "error", err)
			_ = sse.WriteError(openai.NewBadGatewayError("Upstream stream ended unexpectedly"))
			session.Fail(err)
			return
		}
	}

	_ = sse.WriteData(state.Finish())
	if req.StreamOptions != nil && req.StreamOptions.IncludeUsage {
		usage := agg.usage(estimatedInput, agg.text.String())
		_ = sse.WriteData(state.UsageChunk(usage))
	}
	_ = sse.WriteDone()
	session.Success()
}

func (h *ChatHandler) writeError(w http.ResponseWriter, session *debug.Session, apiErr *openai.APIError) {
	session.SetError(apiErr)
	session.Fail(apiErr)
	apiErr.WriteError(w)
}

// mapUpstreamError converts client-layer failures into OpenAI errors.
func mapUpstreamError(err error) *openai.APIError {
	if err == nil {
		return openai.NewBadGatewayError("Upstream request failed")
	}

	var ge *kiro.GatewayError
	if errors.As(err, &ge) {
		return openai.NewAPIStatusError(ge.StatusCode, ge.Message)
	}

	var ae *kiro.APIError
	if errors.As(err, &ae) {
		msg := string(ae.Body)
		if msg == "" {
			msg = fmt.Sprintf("Upstream returned status %d", ae.StatusCode)
		}
		typ := openai.ErrorTypeAPI
		switch {
		case ae.StatusCode == http.StatusTooManyRequests:
			typ = openai.ErrorTypeRateLimit
		case ae.StatusCode == http.StatusNotFound:
			typ = openai.ErrorTypeNotFound
		case ae.StatusCode >= 400 && ae.StatusCode < 500:
			typ = openai.ErrorTypeInvalidRequest
		}
		return &openai.APIError{Type: typ, Message: msg, StatusCode: ae.StatusCode}
	}

	if errors.Is(err, pool.ErrNoHealthyAccounts) {
		return openai.ErrNoHealthyAccounts
	}
	return openai.NewBadGatewayError(err.Error())
}

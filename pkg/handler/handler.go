package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relay/pkg/api"
	"relay/pkg/attachments"
	"relay/pkg/config"
	"relay/pkg/llm"
	"relay/pkg/metadata"
	"relay/pkg/stream"
	"relay/pkg/trim"
	"relay/pkg/utils"
)

// ErrMessageTooLong is returned when not even the newest message fits the
// token budget. Nothing is sent upstream in that case.
var ErrMessageTooLong = errors.New("message exceeds the token limit")

// Options are the collaborators of a ChatHandler.
type Options struct {
	Client       llm.LLMClient
	Sessions     *llm.SessionManager
	System       *config.LiveSystemConfig
	Attachments  *attachments.Resolver
	Counter      trim.TokenCounter // defaults to trim.EstimateCounter
	SystemPrompt string
}

// request tracks the in-flight response of one session.
type request struct {
	canceller *stream.Canceller
	done      chan struct{}
}

// ChatHandler turns inbound messages into trimmed upstream requests and
// streams the paced answer back through the responder. Each session has at
// most one response in flight; a new message cancels the previous one.
type ChatHandler struct {
	client       llm.LLMClient
	responder    api.MessageResponder
	sessions     *llm.SessionManager
	system       *config.LiveSystemConfig
	attachments  *attachments.Resolver
	normalizer   *trim.Normalizer
	counter      trim.TokenCounter
	systemPrompt string
	promptTokens int

	mu       sync.Mutex
	inflight map[string]*request
	wg       sync.WaitGroup
}

// NewChatHandler creates a ChatHandler. The responder is injected later by
// the gateway through SetResponder.
func NewChatHandler(opts Options) *ChatHandler {
	counter := opts.Counter
	if counter == nil {
		counter = trim.EstimateCounter{}
	}
	h := &ChatHandler{
		client:       opts.Client,
		sessions:     opts.Sessions,
		system:       opts.System,
		attachments:  opts.Attachments,
		counter:      counter,
		systemPrompt: opts.SystemPrompt,
		inflight:     make(map[string]*request),
	}
	if opts.Attachments != nil {
		h.normalizer = trim.NewNormalizer(opts.Attachments)
	} else {
		h.normalizer = trim.NewNormalizer(nil)
	}
	if h.systemPrompt != "" {
		h.promptTokens = counter.Count(h.systemPrompt)
	}
	return h
}

// SetResponder implements api.ResponderAware.
func (h *ChatHandler) SetResponder(responder api.MessageResponder) {
	h.responder = responder
}

// OnMessage implements api.MessageProcessor. Commands are handled inline;
// chat turns are answered in the background so that a following /stop can
// reach the handler while the answer is still streaming.
func (h *ChatHandler) OnMessage(msg *api.UnifiedMessage) {
	if msg.DebugID == "" {
		msg.DebugID = utils.ShortID()
	}
	key := msg.Session.Key()

	switch {
	case msg.IsCommand(api.CommandStop):
		if h.Stop(key) {
			slog.Info("Response stopped by user", "session", key, "debug_id", msg.DebugID)
		}
		return
	case msg.IsCommand(api.CommandReset):
		h.Stop(key)
		if err := h.sessions.Reset(key); err != nil {
			slog.Error("Failed to reset session", "session", key, "error", err)
			h.reply(msg.Session, fmt.Sprintf("❌ Failed to reset: %v", err))
			return
		}
		slog.Info("Session reset", "session", key)
		h.signal(msg.Session, api.SignalReset)
		return
	}

	userMsg, ok := h.buildUserMessage(msg)
	if !ok {
		return
	}

	req, prev := h.begin(key)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.end(key, req)
		if prev != nil {
			<-prev.done
		}
		h.respond(msg, userMsg, req.canceller)
	}()
}

// Stop cancels the in-flight response of a session and reports whether there
// was one.
func (h *ChatHandler) Stop(key string) bool {
	h.mu.Lock()
	req := h.inflight[key]
	h.mu.Unlock()
	if req == nil {
		return false
	}
	req.canceller.Cancel()
	return true
}

// Shutdown cancels every in-flight response and waits for them to finish or
// for ctx to expire.
func (h *ChatHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for _, req := range h.inflight {
		req.canceller.Cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin registers a new request for key and cancels the one it replaces.
func (h *ChatHandler) begin(key string) (*request, *request) {
	req := &request{canceller: stream.NewCanceller(), done: make(chan struct{})}

	h.mu.Lock()
	prev := h.inflight[key]
	h.inflight[key] = req
	h.mu.Unlock()

	if prev != nil {
		prev.canceller.Cancel()
	}
	return req, prev
}

func (h *ChatHandler) end(key string, req *request) {
	h.mu.Lock()
	if h.inflight[key] == req {
		delete(h.inflight, key)
	}
	h.mu.Unlock()
	close(req.done)
}

// buildUserMessage converts text and attachments into a user turn. Messages
// without attachments stay plain text.
func (h *ChatHandler) buildUserMessage(msg *api.UnifiedMessage) (llm.Message, bool) {
	if len(msg.Files) == 0 {
		if msg.Content == "" {
			return llm.Message{}, false
		}
		return llm.NewUserMessage(msg.Content), true
	}

	var blocks []llm.ContentBlock
	if msg.Content != "" {
		blocks = append(blocks, llm.NewTextBlock(msg.Content))
	}
	for _, f := range msg.Files {
		if f.IsImage() {
			blocks = append(blocks, llm.NewImageBlock(f.Path, f.MimeType))
			continue
		}
		text, err := h.readText(f.Path)
		if err != nil {
			slog.Warn("Attachment skipped", "name", f.Filename, "mime", f.MimeType, "error", err, "debug_id", msg.DebugID)
			blocks = append(blocks, llm.NewTextBlock(fmt.Sprintf("[attachment %s could not be read]", f.Filename)))
			continue
		}
		blocks = append(blocks, llm.NewFileBlock(f.Path, f.Filename, text))
	}
	slog.Debug("User message built", "blocks", len(blocks), "debug_id", msg.DebugID)
	return llm.Message{Role: llm.RoleUser, Content: llm.BlockContent(blocks...)}, true
}

func (h *ChatHandler) readText(path string) (string, error) {
	if h.attachments == nil {
		return "", attachments.ErrNotText
	}
	return h.attachments.ReadText(path)
}

// respond runs one request: trim, call upstream, pace the answer into the
// channel and record the turn.
func (h *ChatHandler) respond(msg *api.UnifiedMessage, userMsg llm.Message, c *stream.Canceller) {
	start := time.Now()
	sys := h.system.Get()
	key := msg.Session.Key()

	history, err := h.sessions.GetHistory(key)
	if err != nil {
		slog.Error("Failed to load history", "session", key, "error", err)
		h.reply(msg.Session, fmt.Sprintf("❌ Error: %v", err))
		return
	}

	ctx, cancelTimeout := context.WithTimeout(context.Background(), time.Duration(sys.LLMTimeoutMs)*time.Millisecond)
	defer cancelTimeout()
	ctx = context.WithValue(ctx, llm.DebugDirContextKey, msg.DebugID)
	ctx, unbind := c.Bind(ctx)
	defer unbind()

	messages, err := h.prepare(ctx, append(history.GetMessages(), userMsg), sys)
	if err != nil {
		slog.WarnContext(ctx, "Request rejected", "session", key, "error", err)
		if errors.Is(err, ErrMessageTooLong) {
			h.reply(msg.Session, "⚠️ The message is too long for the model's context window.")
		} else {
			h.reply(msg.Session, fmt.Sprintf("❌ Error: %v", err))
		}
		return
	}

	thinkingTimer := time.AfterFunc(time.Duration(sys.ThinkingInitDelayMs)*time.Millisecond, func() {
		h.signal(msg.Session, api.SignalThinking)
	})
	deltas, err := h.client.StreamChat(ctx, messages)
	thinkingTimer.Stop()
	if err != nil {
		if c.Cancelled() || llm.IsAbort(err) {
			h.signal(msg.Session, api.SignalStopped)
			return
		}
		slog.ErrorContext(ctx, "LLM stream init failed", "provider", h.client.Provider(), "error", err)
		h.reply(msg.Session, fmt.Sprintf("❌ Error: %v", err))
		return
	}

	// The user turn is kept once upstream accepted it, with its counted cost
	// so later turns need not count it again.
	if userMsg.Content.IsPlain() {
		userMsg.TokenCost = messages[len(messages)-1].TokenCost
	}
	history.Add(userMsg)

	sink := stream.NewChanSink(sys.InternalChannelBuffer)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if err := h.responder.StreamReply(msg.Session, sink.Chunks()); err != nil {
			slog.ErrorContext(ctx, "Failed to stream reply", "error", err)
		}
		sink.Detach()
	}()

	smoother := stream.NewSmoother(
		time.Duration(sys.StreamIntervalMs)*time.Millisecond,
		sys.StreamChunkChars,
		time.Duration(sys.StreamIdleTimeoutMs)*time.Millisecond,
	)
	res := smoother.Run(deltas, c, sink, metadata.NewTracker())
	<-streamDone

	switch {
	case res.Cancelled:
		slog.InfoContext(ctx, "Response cancelled", "session", key, "chars", len(res.Content))
		h.signal(msg.Session, api.SignalStopped)
		return
	case res.Err != nil:
		slog.ErrorContext(ctx, "Response failed", "session", key, "error", res.Err)
		return
	}

	if res.FinishReason == llm.StopReasonLength {
		h.reply(msg.Session, "⚠️ The response was truncated by the output token limit.")
	}

	if res.Content != "" {
		reply := llm.NewAssistantMessage(res.Content)
		reply.TokenCost = h.counter.Count(res.Content)
		history.Add(reply)
	}
	if err := h.sessions.SaveSession(key); err != nil {
		slog.ErrorContext(ctx, "Failed to save session", "session", key, "error", err)
	}

	slog.InfoContext(ctx, "Response finished",
		"session", key,
		"duration", time.Since(start).String(),
		"chars", len(res.Content),
		"citations", len(res.Metadata.Citations))
}

// prepare trims the conversation to the token budget and prepends the
// system prompt.
func (h *ChatHandler) prepare(ctx context.Context, conversation []llm.Message, sys *config.SystemConfig) ([]llm.Message, error) {
	trimmer := trim.NewTrimmer(h.normalizer, h.counter, sys.ReserveTokens)
	trimmed, err := trimmer.Trim(ctx, conversation, h.promptTokens, sys.TokenLimit)
	if err != nil {
		return nil, err
	}
	if len(trimmed) == 0 {
		return nil, ErrMessageTooLong
	}
	slog.DebugContext(ctx, "Context prepared", "kept", len(trimmed), "total", len(conversation))

	if h.systemPrompt == "" {
		return trimmed, nil
	}
	return append([]llm.Message{llm.NewSystemMessage(h.systemPrompt)}, trimmed...), nil
}

func (h *ChatHandler) reply(session api.SessionContext, text string) {
	if err := h.responder.SendReply(session, text); err != nil {
		slog.Error("Failed to send reply", "session", session.Key(), "error", err)
	}
}

func (h *ChatHandler) signal(session api.SessionContext, signal string) {
	if err := h.responder.SendSignal(session, signal); err != nil {
		slog.Debug("Failed to send signal", "signal", signal, "error", err)
	}
}

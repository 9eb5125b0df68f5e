package generation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/branchchat/pkg/agents"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/metrics"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/rs/zerolog/log"
)

const RequestTopic = "generation.requests"

// Request is the hand-off payload of the mutation operations. UserMessage is
// the node being answered; for a regenerate it is the parent of the new
// assistant node.
type Request struct {
	ConversationID     conversation.ConversationID `json:"conversationId"`
	UserMessage        *conversation.MessageNode   `json:"userMessage,omitempty"`
	AssistantMessageID conversation.NodeID         `json:"assistantMessageId"`
	AgentID            string                      `json:"agentId,omitempty"`
}

// Runner is the in-process generation pipeline. Requests travel over the
// event bus to a router handler, which drives each assistant node through
// queued → streaming → completed|failed, writing to the store and pushing
// every change to the conversation's subscribers.
type Runner struct {
	store         store.Store
	bus           *events.Bus
	generator     Generator
	agents        *agents.Resolver
	metrics       *metrics.Metrics
	flushInterval time.Duration

	mu      sync.Mutex
	handles map[conversation.NodeID]*Handle
	wg      sync.WaitGroup
}

type RunnerOption func(*Runner)

func WithAgents(r *agents.Resolver) RunnerOption {
	return func(runner *Runner) {
		runner.agents = r
	}
}

func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(runner *Runner) {
		runner.metrics = m
	}
}

// WithFlushInterval sets how often streamed text is written and pushed.
func WithFlushInterval(d time.Duration) RunnerOption {
	return func(runner *Runner) {
		runner.flushInterval = d
	}
}

// NewRunner creates a runner and registers its handler on bus. The bus must
// be running for requests to be picked up.
func NewRunner(s store.Store, bus *events.Bus, generator Generator, options ...RunnerOption) *Runner {
	ret := &Runner{
		store:         s,
		bus:           bus,
		generator:     generator,
		flushInterval: 150 * time.Millisecond,
		handles:       map[conversation.NodeID]*Handle{},
	}
	for _, o := range options {
		o(ret)
	}
	bus.AddHandler("generation-runner", RequestTopic, ret.handleRequest)
	return ret
}

// RequestGeneration hands a queued assistant node to the pipeline. It only
// fails when the request cannot be enqueued.
func (r *Runner) RequestGeneration(ctx context.Context, req Request) error {
	h := newHandle(req.ConversationID, req.AssistantMessageID)
	r.mu.Lock()
	r.handles[req.AssistantMessageID] = h
	r.mu.Unlock()
	r.metrics.GenerationStarted()

	if err := r.bus.PublishJSON(ctx, RequestTopic, req); err != nil {
		r.forget(h)
		h.setResult(nil, err)
		r.metrics.GenerationFinished(conversation.StatusFailed)
		return &conversation.PipelineError{MessageID: req.AssistantMessageID, Reason: err.Error()}
	}
	log.Debug().
		Str("conversation_id", req.ConversationID.String()).
		Str("message_id", req.AssistantMessageID.String()).
		Msg("generation requested")
	return nil
}

// CancelGeneration requests cancellation of messageID's generation. Unknown
// or finished generations are ignored; the node's terminal status arrives
// through the push channel.
func (r *Runner) CancelGeneration(_ context.Context, messageID conversation.NodeID) error {
	r.mu.Lock()
	h, ok := r.handles[messageID]
	r.mu.Unlock()
	if !ok {
		log.Debug().Str("message_id", messageID.String()).Msg("cancel requested for inactive generation")
		return nil
	}
	log.Debug().Str("message_id", messageID.String()).Msg("cancelling generation")
	h.Cancel()
	return nil
}

// ActiveGeneration returns the most recently requested generation of a
// conversation that is not terminal yet.
func (r *Runner) ActiveGeneration(conversationID conversation.ConversationID) (conversation.NodeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best   conversation.NodeID
		bestAt time.Time
		found  bool
	)
	for id, h := range r.handles {
		if h.ConversationID != conversationID || !h.IsRunning() {
			continue
		}
		at := h.startedAt()
		if !found || at.After(bestAt) {
			best, bestAt, found = id, at, true
		}
	}
	return best, found
}

// Handle returns the tracking handle of an active generation.
func (r *Runner) Handle(messageID conversation.NodeID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[messageID]
	return h, ok
}

// Wait blocks until every started run has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) forget(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.MessageID]; ok && cur == h {
		delete(r.handles, h.MessageID)
	}
}

func (r *Runner) handleRequest(msg *message.Message) error {
	var req Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		log.Error().Err(err).Str("message_id", msg.UUID).Msg("dropping undecodable generation request")
		return nil
	}

	r.mu.Lock()
	h, ok := r.handles[req.AssistantMessageID]
	if !ok {
		h = newHandle(req.ConversationID, req.AssistantMessageID)
		r.handles[req.AssistantMessageID] = h
		r.metrics.GenerationStarted()
	}
	r.mu.Unlock()

	// the handler must return quickly: publishing blocks until it acks
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.forget(h)
		final, err := r.run(h, req)
		status := conversation.StatusFailed
		if final != nil {
			status = final.Status
		}
		r.metrics.GenerationFinished(status)
		h.setResult(final, err)
	}()
	return nil
}

func (r *Runner) run(h *Handle, req Request) (*conversation.MessageNode, error) {
	ctx := h.ctx
	// store writes must survive cancellation of the generation itself
	bg := context.Background()
	logger := log.With().
		Str("conversation_id", req.ConversationID.String()).
		Str("message_id", req.AssistantMessageID.String()).
		Logger()

	node, ok, err := r.store.GetMessage(bg, req.AssistantMessageID)
	if err != nil {
		logger.Error().Err(err).Msg("could not load assistant message")
		return nil, err
	}
	if !ok {
		return nil, &conversation.NotFoundError{Resource: "message", ID: req.AssistantMessageID.String()}
	}
	if node.Status != conversation.StatusQueued {
		logger.Warn().Str("status", string(node.Status)).Msg("skipping generation for non-queued message")
		return node, nil
	}

	if ctx.Err() != nil {
		logger.Debug().Msg("generation cancelled before start")
		return r.fail(bg, node, nil, context.Canceled)
	}

	history, err := r.history(bg, node)
	if err != nil {
		return r.fail(bg, node, nil, err)
	}

	node, err = r.update(bg, node.ID, store.MessageUpdate{Status: statusPtr(conversation.StatusStreaming)})
	if err != nil {
		logger.Error().Err(err).Msg("could not mark message streaming")
		return nil, err
	}

	var (
		mu        sync.Mutex
		buf       strings.Builder
		lastFlush = time.Now()
	)
	streaming := conversation.StatusStreaming
	onDelta := func(delta string) {
		mu.Lock()
		defer mu.Unlock()
		buf.WriteString(delta)
		if time.Since(lastFlush) < r.flushInterval {
			return
		}
		lastFlush = time.Now()
		if _, err := r.update(bg, node.ID, store.MessageUpdate{
			Status: &streaming,
			Parts:  []conversation.Part{conversation.NewTextPart(buf.String())},
		}); err != nil {
			logger.Warn().Err(err).Msg("could not flush streamed text")
		}
	}

	result, genErr := r.generator.Generate(ctx, GenerateRequest{
		ConversationID: node.ConversationID,
		MessageID:      node.ID,
		Model:          r.model(bg, req),
		History:        history,
	}, onDelta)

	mu.Lock()
	partial := buf.String()
	mu.Unlock()

	if genErr != nil {
		if ctx.Err() != nil {
			genErr = context.Canceled
		}
		logger.Debug().Err(genErr).Msg("generation failed")
		return r.fail(bg, node, []conversation.Part{conversation.NewTextPart(partial)}, genErr)
	}

	parts := []conversation.Part{conversation.NewTextPart(partial)}
	metadata := map[string]any{}
	if result != nil {
		if len(result.Parts) > 0 {
			parts = result.Parts
		}
		for k, v := range result.Metadata {
			metadata[k] = v
		}
	}
	if req.AgentID != "" {
		metadata[conversation.MetadataKeyAuthorID] = req.AgentID
	}
	final, err := r.update(bg, node.ID, store.MessageUpdate{
		Status:   statusPtr(conversation.StatusCompleted),
		Parts:    parts,
		Metadata: metadata,
	})
	if err != nil {
		logger.Error().Err(err).Msg("could not complete message")
		return nil, err
	}
	logger.Debug().Msg("generation completed")
	return final, nil
}

// fail moves node to failed, keeping any partial parts.
func (r *Runner) fail(ctx context.Context, node *conversation.MessageNode, parts []conversation.Part, cause error) (*conversation.MessageNode, error) {
	cancelled := errors.Is(cause, context.Canceled)
	reason := "cancelled"
	if !cancelled && cause != nil {
		reason = cause.Error()
	}
	update := store.MessageUpdate{
		Status: statusPtr(conversation.StatusFailed),
		Metadata: map[string]any{
			conversation.MetadataKeyError: map[string]any{
				"message": reason,
				"kind":    "pipeline",
			},
			conversation.MetadataKeyCancelled: cancelled,
		},
	}
	if len(parts) > 0 && conversation.TextOf(parts) != "" {
		update.Parts = parts
	}
	final, err := r.update(ctx, node.ID, update)
	if err != nil {
		log.Error().Err(err).Str("message_id", node.ID.String()).Msg("could not mark message failed")
		return nil, err
	}
	if cancelled {
		return final, nil
	}
	return final, &conversation.PipelineError{MessageID: node.ID, Reason: reason}
}

func (r *Runner) update(ctx context.Context, id conversation.NodeID, update store.MessageUpdate) (*conversation.MessageNode, error) {
	n, err := r.store.UpdateMessage(ctx, id, update)
	if err != nil {
		return nil, err
	}
	children, err := r.store.ChildrenOf(ctx, id)
	if err == nil {
		n.Children = children.IDs()
	}
	if err := r.bus.PublishMessages(ctx, n.ConversationID, n); err != nil {
		log.Warn().Err(err).Str("message_id", id.String()).Msg("could not push message update")
	} else {
		r.metrics.PushBatchPublished()
	}
	return n, nil
}

// history is the ancestor chain of the assistant node without unfinished or
// failed replies.
func (r *Runner) history(ctx context.Context, node *conversation.MessageNode) (conversation.Messages, error) {
	chain, err := r.store.AncestorChain(ctx, node.ConversationID, node.ID, 0)
	if err != nil {
		return nil, err
	}
	ret := make(conversation.Messages, 0, len(chain))
	for _, m := range chain {
		if m.Role == conversation.RoleAssistant && m.Status != conversation.StatusCompleted {
			continue
		}
		ret = append(ret, m)
	}
	return ret, nil
}

func (r *Runner) model(ctx context.Context, req Request) string {
	if r.agents == nil {
		return ""
	}
	a, err := r.agents.ResolveAgent(ctx, req.AgentID)
	if err != nil {
		log.Debug().Err(err).Str("agent_id", req.AgentID).Msg("no agent for generation, using default model")
		return ""
	}
	return a.Model
}

func statusPtr(s conversation.Status) *conversation.Status {
	return &s
}

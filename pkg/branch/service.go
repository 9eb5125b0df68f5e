package branch

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/access"
	"github.com/go-go-golems/branchchat/pkg/agents"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/generation"
	"github.com/go-go-golems/branchchat/pkg/metrics"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// GenerationRequester is the generation pipeline as seen by the mutation
// operations. RequestGeneration is fire-and-forget: the pipeline drives the
// assistant node to a terminal status on its own.
type GenerationRequester interface {
	RequestGeneration(ctx context.Context, req generation.Request) error
	CancelGeneration(ctx context.Context, messageID conversation.NodeID) error
	ActiveGeneration(conversationID conversation.ConversationID) (conversation.NodeID, bool)
}

// Publisher pushes changed nodes to a conversation's subscribers.
type Publisher interface {
	PublishMessages(ctx context.Context, conversationID conversation.ConversationID, msgs ...*conversation.MessageNode) error
}

// Service implements the branch mutations: send, resend, regenerate, stop
// and delete. Every create runs in a single store transaction; generation
// is handed off only after commit.
type Service struct {
	store       store.Store
	agents      *agents.Resolver
	access      access.Resolver
	generations GenerationRequester
	publisher   Publisher
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(*Service)

func WithAccessResolver(r access.Resolver) Option {
	return func(s *Service) {
		s.access = r
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock replaces time.Now. The store still bumps createdAt to keep it
// strictly increasing per conversation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(s store.Store, resolver *agents.Resolver, generations GenerationRequester, options ...Option) *Service {
	ret := &Service{
		store:       s,
		agents:      resolver,
		generations: generations,
		now:         time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	if ret.access == nil {
		ret.access = access.NewStoreResolver(s, access.ModeOwner)
	}
	return ret
}

// Result carries the nodes affected by a mutation. Root is only set when
// the conversation was created by the call.
type Result struct {
	ConversationID   conversation.ConversationID `json:"conversationId"`
	Root             *conversation.MessageNode   `json:"root,omitempty"`
	UserMessage      *conversation.MessageNode   `json:"userMessage,omitempty"`
	AssistantMessage *conversation.MessageNode   `json:"assistantMessage,omitempty"`
	Deleted          conversation.Messages       `json:"deleted,omitempty"`
}

type SendRequest struct {
	ConversationID       conversation.ConversationID `json:"conversationId"`
	AgentID              string                      `json:"agentId,omitempty"`
	ParentMessageID      conversation.NodeID         `json:"parentMessageId"`
	Parts                []conversation.Part         `json:"parts"`
	UserID               string                      `json:"-"`
	TemporaryID          string                      `json:"temporaryId,omitempty"`
	AssistantTemporaryID string                      `json:"assistantTemporaryId,omitempty"`
}

type ResendRequest struct {
	MessageID            conversation.NodeID `json:"messageId"`
	Parts                []conversation.Part `json:"parts,omitempty"`
	UserID               string              `json:"-"`
	TemporaryID          string              `json:"temporaryId,omitempty"`
	AssistantTemporaryID string              `json:"assistantTemporaryId,omitempty"`
}

type RegenerateRequest struct {
	MessageID   conversation.NodeID `json:"messageId"`
	UserID      string              `json:"-"`
	TemporaryID string              `json:"temporaryId,omitempty"`
}

type StopRequest struct {
	ConversationID conversation.ConversationID `json:"conversationId"`
	MessageID      conversation.NodeID         `json:"messageId"`
	UserID         string                      `json:"-"`
}

type DeleteRequest struct {
	MessageID conversation.NodeID `json:"messageId"`
	UserID    string              `json:"-"`
}

// Send creates a user node and its queued assistant reply under
// ParentMessageID. A zero ConversationID creates the conversation together
// with a system root rendered from the agent's prompt.
func (s *Service) Send(ctx context.Context, req SendRequest) (res *Result, err error) {
	defer func() { s.metrics.ObserveMutation("send", err) }()

	if err := validateParts(req.Parts); err != nil {
		return nil, err
	}
	userID := userOrAnonymous(req.UserID)
	scope := access.Scope{ConversationID: req.ConversationID, AgentID: req.AgentID}
	accessCtx, err := s.access.ResolveAccess(ctx, userID, scope)
	if err != nil {
		return nil, err
	}

	res = &Result{}
	var agentID string
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		parentID := req.ParentMessageID
		var conv *conversation.Conversation

		if req.ConversationID.IsZero() {
			if !parentID.IsZero() {
				return &conversation.NotFoundError{Resource: "message", ID: parentID.String()}
			}
			c, root, err := s.createConversation(ctx, tx, userID, accessCtx.AgentID, req.Parts)
			if err != nil {
				return err
			}
			conv = c
			res.Root = root
			parentID = root.ID
		} else {
			conv = accessCtx.Conversation
			if !parentID.IsZero() {
				if _, err := liveNode(ctx, tx, conv.ID, parentID); err != nil {
					return err
				}
			}
		}

		agentID = conv.AgentID
		user, assistant, err := s.insertPair(ctx, tx, conv, parentID, req.Parts, userID, req.TemporaryID, req.AssistantTemporaryID)
		if err != nil {
			return err
		}
		res.ConversationID = conv.ID
		res.UserMessage = user
		res.AssistantMessage = assistant
		if res.Root != nil {
			res.Root.Children = []conversation.NodeID{user.ID}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("op", "send").Str("conversation_id", req.ConversationID.String()).Msg("send failed")
		return nil, err
	}

	log.Debug().
		Str("op", "send").
		Str("conversation_id", res.ConversationID.String()).
		Str("message_id", res.UserMessage.ID.String()).
		Bool("new_conversation", res.Root != nil).
		Msg("message sent")

	created := conversation.Messages{res.UserMessage, res.AssistantMessage}
	if res.Root != nil {
		created = append(conversation.Messages{res.Root}, created...)
	}
	s.publish(ctx, res.ConversationID, created...)
	res.AssistantMessage = s.handOff(ctx, generation.Request{
		ConversationID:     res.ConversationID,
		UserMessage:        res.UserMessage,
		AssistantMessageID: res.AssistantMessage.ID,
		AgentID:            agentID,
	}, res.AssistantMessage)
	return res, nil
}

// Resend forks the user message MessageID: a new user node, with the
// original's parts unless new ones are given, and its queued reply are
// created under the original's parent. The original is left untouched.
func (s *Service) Resend(ctx context.Context, req ResendRequest) (res *Result, err error) {
	defer func() { s.metrics.ObserveMutation("resend", err) }()

	if req.Parts != nil {
		if err := validateParts(req.Parts); err != nil {
			return nil, err
		}
	}
	userID := userOrAnonymous(req.UserID)
	accessCtx, original, err := s.resolveMessage(ctx, userID, req.MessageID)
	if err != nil {
		return nil, err
	}

	res = &Result{ConversationID: original.ConversationID}
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, ok, err := tx.GetMessage(ctx, original.ID)
		if err != nil {
			return errors.Wrap(err, "load message")
		}
		if !ok {
			return &conversation.NotFoundError{Resource: "message", ID: original.ID.String()}
		}
		if !current.IsLive() {
			return &conversation.ConflictError{Op: "resend", Reason: "message deleted"}
		}
		if current.Role != conversation.RoleUser {
			return &conversation.ConflictError{Op: "resend", Reason: "only user messages can be resent, use regenerate for " + string(current.Role) + " messages"}
		}
		if !current.ParentID.IsZero() {
			if _, err := liveNode(ctx, tx, current.ConversationID, current.ParentID); err != nil {
				return err
			}
		}

		parts := req.Parts
		if parts == nil {
			parts = current.Parts
		}
		user, assistant, err := s.insertPair(ctx, tx, accessCtx.Conversation, current.ParentID, parts, userID, req.TemporaryID, req.AssistantTemporaryID)
		if err != nil {
			return err
		}
		res.UserMessage = user
		res.AssistantMessage = assistant
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("op", "resend").Str("message_id", req.MessageID.String()).Msg("resend rejected")
		return nil, err
	}

	log.Debug().
		Str("op", "resend").
		Str("conversation_id", res.ConversationID.String()).
		Str("message_id", req.MessageID.String()).
		Str("fork_id", res.UserMessage.ID.String()).
		Msg("message resent")

	s.publish(ctx, res.ConversationID, res.UserMessage, res.AssistantMessage)
	res.AssistantMessage = s.handOff(ctx, generation.Request{
		ConversationID:     res.ConversationID,
		UserMessage:        res.UserMessage,
		AssistantMessageID: res.AssistantMessage.ID,
		AgentID:            accessCtx.Conversation.AgentID,
	}, res.AssistantMessage)
	return res, nil
}

// Regenerate creates a new queued assistant node as a sibling of the
// assistant message MessageID. UserMessage in the result is the shared
// parent with its updated children.
func (s *Service) Regenerate(ctx context.Context, req RegenerateRequest) (res *Result, err error) {
	defer func() { s.metrics.ObserveMutation("regenerate", err) }()

	userID := userOrAnonymous(req.UserID)
	accessCtx, original, err := s.resolveMessage(ctx, userID, req.MessageID)
	if err != nil {
		return nil, err
	}

	res = &Result{ConversationID: original.ConversationID}
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, ok, err := tx.GetMessage(ctx, original.ID)
		if err != nil {
			return errors.Wrap(err, "load message")
		}
		if !ok {
			return &conversation.NotFoundError{Resource: "message", ID: original.ID.String()}
		}
		if !current.IsLive() {
			return &conversation.ConflictError{Op: "regenerate", Reason: "message deleted"}
		}
		if current.Role != conversation.RoleAssistant {
			return &conversation.ConflictError{Op: "regenerate", Reason: "only assistant messages can be regenerated"}
		}
		if current.ParentID.IsZero() {
			return &conversation.ConflictError{Op: "regenerate", Reason: "message has no parent"}
		}
		parent, err := liveNode(ctx, tx, current.ConversationID, current.ParentID)
		if err != nil {
			return err
		}

		assistant := conversation.NewMessageNode(current.ConversationID, conversation.RoleAssistant, []conversation.Part{},
			conversation.WithParentID(parent.ID),
			conversation.WithStatus(conversation.StatusQueued),
			conversation.WithTime(s.now()),
			conversation.WithMetadata(map[string]any{conversation.MetadataKeyAuthorID: accessCtx.Conversation.AgentID}),
		)
		if err := tx.InsertMessage(ctx, assistant); err != nil {
			return errors.Wrap(err, "insert assistant message")
		}
		children, err := tx.ChildrenOf(ctx, parent.ID)
		if err != nil {
			return errors.Wrap(err, "load siblings")
		}
		parent.Children = children.IDs()
		assistant.Children = []conversation.NodeID{}
		assistant.TemporaryID = req.TemporaryID
		res.UserMessage = parent
		res.AssistantMessage = assistant
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("op", "regenerate").Str("message_id", req.MessageID.String()).Msg("regenerate rejected")
		return nil, err
	}

	log.Debug().
		Str("op", "regenerate").
		Str("conversation_id", res.ConversationID.String()).
		Str("message_id", req.MessageID.String()).
		Str("sibling_id", res.AssistantMessage.ID.String()).
		Msg("message regenerated")

	s.publish(ctx, res.ConversationID, res.UserMessage, res.AssistantMessage)
	res.AssistantMessage = s.handOff(ctx, generation.Request{
		ConversationID:     res.ConversationID,
		UserMessage:        res.UserMessage,
		AssistantMessageID: res.AssistantMessage.ID,
		AgentID:            accessCtx.Conversation.AgentID,
	}, res.AssistantMessage)
	return res, nil
}

// Stop asks the pipeline to cancel a generation and returns the node as it
// is now. The terminal status arrives later through the push channel.
func (s *Service) Stop(ctx context.Context, req StopRequest) (n *conversation.MessageNode, err error) {
	defer func() { s.metrics.ObserveMutation("stop", err) }()

	userID := userOrAnonymous(req.UserID)
	messageID := req.MessageID
	conversationID := req.ConversationID

	if messageID.IsZero() {
		if conversationID.IsZero() {
			return nil, &conversation.ValidationError{Field: "conversationId", Reason: "conversation or message id required"}
		}
		if _, err := s.access.ResolveAccess(ctx, userID, access.Scope{ConversationID: conversationID}); err != nil {
			return nil, err
		}
		active, ok := s.generations.ActiveGeneration(conversationID)
		if !ok {
			return nil, &conversation.NotFoundError{Resource: "generation", ID: conversationID.String()}
		}
		messageID = active
	}

	_, msg, err := s.resolveMessage(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if !conversationID.IsZero() && msg.ConversationID != conversationID {
		return nil, &conversation.NotFoundError{Resource: "message", ID: messageID.String()}
	}

	if err := s.generations.CancelGeneration(ctx, msg.ID); err != nil {
		return nil, errors.Wrap(err, "cancel generation")
	}
	log.Debug().
		Str("op", "stop").
		Str("conversation_id", msg.ConversationID.String()).
		Str("message_id", msg.ID.String()).
		Str("status", string(msg.Status)).
		Msg("stop requested")
	return msg, nil
}

// Delete soft-deletes MessageID and its whole live subtree, cancelling any
// generation still running inside it.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (res *Result, err error) {
	defer func() { s.metrics.ObserveMutation("delete", err) }()

	userID := userOrAnonymous(req.UserID)
	_, target, err := s.resolveMessage(ctx, userID, req.MessageID)
	if err != nil {
		return nil, err
	}

	res = &Result{ConversationID: target.ConversationID}
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := liveNode(ctx, tx, target.ConversationID, target.ID); err != nil {
			return err
		}
		ids := []conversation.NodeID{target.ID}
		for i := 0; i < len(ids); i++ {
			children, err := tx.ChildrenOf(ctx, ids[i])
			if err != nil {
				return errors.Wrap(err, "load subtree")
			}
			ids = append(ids, children.IDs()...)
		}
		if err := tx.SoftDeleteMessages(ctx, ids, s.now()); err != nil {
			return errors.Wrap(err, "soft delete")
		}
		for _, id := range ids {
			n, ok, err := tx.GetMessage(ctx, id)
			if err != nil {
				return errors.Wrap(err, "reload deleted message")
			}
			if ok {
				n.Children = []conversation.NodeID{}
				res.Deleted = append(res.Deleted, n)
			}
		}
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("op", "delete").Str("message_id", req.MessageID.String()).Msg("delete rejected")
		return nil, err
	}

	for _, n := range res.Deleted {
		if n.Status.IsActive() {
			if err := s.generations.CancelGeneration(ctx, n.ID); err != nil {
				log.Warn().Err(err).Str("message_id", n.ID.String()).Msg("could not cancel generation of deleted message")
			}
		}
	}
	log.Debug().
		Str("op", "delete").
		Str("conversation_id", res.ConversationID.String()).
		Str("message_id", req.MessageID.String()).
		Int("deleted", len(res.Deleted)).
		Msg("messages deleted")
	s.publish(ctx, res.ConversationID, res.Deleted...)
	return res, nil
}

func (s *Service) createConversation(ctx context.Context, tx store.Tx, userID string, agentID string, parts []conversation.Part) (*conversation.Conversation, *conversation.MessageNode, error) {
	now := s.now()
	id := conversation.NewConversationID()
	agent, prompt, err := s.agents.SystemPrompt(ctx, agentID, agents.PromptVars{
		UserID:         userID,
		ConversationID: id.String(),
		Now:            now,
	})
	if err != nil {
		return nil, nil, err
	}

	c := &conversation.Conversation{
		ID:        id,
		AgentID:   agent.Slug.String(),
		OwnerID:   userID,
		Title:     titleFromParts(parts),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.CreateConversation(ctx, c); err != nil {
		return nil, nil, errors.Wrap(err, "create conversation")
	}

	rootParts := []conversation.Part{}
	if prompt != "" {
		rootParts = append(rootParts, conversation.NewTextPart(prompt))
	}
	root := conversation.NewMessageNode(id, conversation.RoleSystem, rootParts,
		conversation.WithTime(now),
		conversation.WithMetadata(map[string]any{conversation.MetadataKeyAuthorID: c.AgentID}),
	)
	if err := tx.InsertMessage(ctx, root); err != nil {
		return nil, nil, errors.Wrap(err, "insert system root")
	}
	return c, root, nil
}

func (s *Service) insertPair(
	ctx context.Context,
	tx store.Tx,
	conv *conversation.Conversation,
	parentID conversation.NodeID,
	parts []conversation.Part,
	userID string,
	tempID string,
	assistantTempID string,
) (*conversation.MessageNode, *conversation.MessageNode, error) {
	now := s.now()
	user := conversation.NewMessageNode(conv.ID, conversation.RoleUser, parts,
		conversation.WithParentID(parentID),
		conversation.WithAuthorID(userID),
		conversation.WithTime(now),
	)
	if err := tx.InsertMessage(ctx, user); err != nil {
		return nil, nil, errors.Wrap(err, "insert user message")
	}
	assistant := conversation.NewMessageNode(conv.ID, conversation.RoleAssistant, []conversation.Part{},
		conversation.WithParentID(user.ID),
		conversation.WithStatus(conversation.StatusQueued),
		conversation.WithTime(now),
		conversation.WithMetadata(map[string]any{conversation.MetadataKeyAuthorID: conv.AgentID}),
	)
	if err := tx.InsertMessage(ctx, assistant); err != nil {
		return nil, nil, errors.Wrap(err, "insert assistant message")
	}

	user.Children = []conversation.NodeID{assistant.ID}
	user.TemporaryID = tempID
	assistant.Children = []conversation.NodeID{}
	assistant.TemporaryID = assistantTempID
	return user, assistant, nil
}

// resolveMessage loads a message and checks that userID may access its
// conversation. Deleted messages are returned so callers can report them as
// conflicts.
func (s *Service) resolveMessage(ctx context.Context, userID string, id conversation.NodeID) (*access.Context, *conversation.MessageNode, error) {
	if id.IsZero() {
		return nil, nil, &conversation.ValidationError{Field: "messageId", Reason: "message id required"}
	}
	msg, ok, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load message")
	}
	if !ok {
		return nil, nil, &conversation.NotFoundError{Resource: "message", ID: id.String()}
	}
	accessCtx, err := s.access.ResolveAccess(ctx, userID, access.Scope{ConversationID: msg.ConversationID})
	if err != nil {
		// hide the message's existence from users without access
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, nil, &conversation.NotFoundError{Resource: "message", ID: id.String()}
		}
		return nil, nil, err
	}
	return accessCtx, msg, nil
}

// handOff requests generation for assistant. When the pipeline rejects the
// request the node is marked failed and the failed node is returned.
func (s *Service) handOff(ctx context.Context, req generation.Request, assistant *conversation.MessageNode) *conversation.MessageNode {
	if s.generations == nil {
		return assistant
	}
	err := s.generations.RequestGeneration(ctx, req)
	if err == nil {
		return assistant
	}

	log.Warn().Err(err).
		Str("conversation_id", req.ConversationID.String()).
		Str("message_id", req.AssistantMessageID.String()).
		Msg("generation hand-off failed")
	failed := conversation.StatusFailed
	updated, uerr := s.store.UpdateMessage(context.Background(), assistant.ID, store.MessageUpdate{
		Status: &failed,
		Metadata: map[string]any{
			conversation.MetadataKeyError: map[string]any{
				"message": err.Error(),
				"kind":    "pipeline",
			},
		},
	})
	if uerr != nil {
		log.Error().Err(uerr).Str("message_id", assistant.ID.String()).Msg("could not mark assistant failed")
		return assistant
	}
	updated.Children = assistant.Children
	updated.TemporaryID = assistant.TemporaryID
	s.publish(ctx, req.ConversationID, updated)
	return updated
}

func (s *Service) publish(ctx context.Context, conversationID conversation.ConversationID, msgs ...*conversation.MessageNode) {
	if s.publisher == nil || len(msgs) == 0 {
		return
	}
	// temporary ids are echoed to the requester only
	batch := make(conversation.Messages, 0, len(msgs))
	for _, m := range msgs {
		c := m.Clone()
		c.TemporaryID = ""
		batch = append(batch, c)
	}
	if err := s.publisher.PublishMessages(ctx, conversationID, batch...); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID.String()).Msg("could not push messages")
		return
	}
	s.metrics.PushBatchPublished()
}

func liveNode(ctx context.Context, r store.Reader, conversationID conversation.ConversationID, id conversation.NodeID) (*conversation.MessageNode, error) {
	n, ok, err := r.GetMessage(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "load message")
	}
	if !ok || !n.IsLive() || n.ConversationID != conversationID {
		return nil, &conversation.NotFoundError{Resource: "message", ID: id.String()}
	}
	return n, nil
}

func validateParts(parts []conversation.Part) error {
	if len(parts) == 0 {
		return &conversation.ValidationError{Field: "parts", Reason: "at least one part is required"}
	}
	for i, p := range parts {
		switch p.Type {
		case conversation.PartTypeText:
			if strings.TrimSpace(p.Text) == "" && len(parts) == 1 {
				return &conversation.ValidationError{Field: "parts", Reason: "message text is empty"}
			}
		case conversation.PartTypeImage, conversation.PartTypeToolCall, conversation.PartTypeToolResult:
		default:
			return &conversation.ValidationError{Field: "parts", Reason: "unknown part type " + string(p.Type) + " at index " + strconv.Itoa(i)}
		}
	}
	return nil
}

func titleFromParts(parts []conversation.Part) string {
	title := strings.Join(strings.Fields(conversation.TextOf(parts)), " ")
	const maxTitle = 60
	if r := []rune(title); len(r) > maxTitle {
		title = string(r[:maxTitle-1]) + "…"
	}
	return title
}

func userOrAnonymous(userID string) string {
	if strings.TrimSpace(userID) == "" {
		return access.AnonymousUser
	}
	return userID
}

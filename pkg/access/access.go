package access

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

const AnonymousUser = "anonymous"

type contextKey string

const userIDKey contextKey = "branchchat.user-id"

// WithUserID returns a context carrying the calling user's id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the user id set by WithUserID, or AnonymousUser.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return AnonymousUser
}

// Scope names what is being accessed: a conversation, or an agent when a new
// conversation is about to be created.
type Scope struct {
	ConversationID conversation.ConversationID
	AgentID        string
}

// Context is the resolved access context of a granted request.
type Context struct {
	UserID       string
	AgentID      string
	Conversation *conversation.Conversation
}

// Resolver decides whether userID may use scope. Denied or absent
// conversations are both reported as a *conversation.NotFoundError.
type Resolver interface {
	ResolveAccess(ctx context.Context, userID string, scope Scope) (*Context, error)
}

type ConversationGetter interface {
	GetConversation(ctx context.Context, id conversation.ConversationID) (*conversation.Conversation, bool, error)
}

type Mode string

const (
	// ModeOwner only grants access to the conversation's owner.
	ModeOwner Mode = "owner"
	// ModeOpen grants access to every existing conversation.
	ModeOpen Mode = "open"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeOwner:
		return ModeOwner, nil
	case ModeOpen:
		return ModeOpen, nil
	}
	return "", &conversation.ValidationError{Field: "access-mode", Reason: fmt.Sprintf("unknown access mode %q", s)}
}

// StoreResolver resolves access against the stored conversation owner.
type StoreResolver struct {
	conversations ConversationGetter
	mode          Mode
}

var _ Resolver = (*StoreResolver)(nil)

func NewStoreResolver(conversations ConversationGetter, mode Mode) *StoreResolver {
	if mode == "" {
		mode = ModeOwner
	}
	return &StoreResolver{conversations: conversations, mode: mode}
}

func (r *StoreResolver) ResolveAccess(ctx context.Context, userID string, scope Scope) (*Context, error) {
	ret := &Context{UserID: userID, AgentID: scope.AgentID}
	if scope.ConversationID.IsZero() {
		return ret, nil
	}

	c, ok, err := r.conversations.GetConversation(ctx, scope.ConversationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &conversation.NotFoundError{Resource: "conversation", ID: scope.ConversationID.String()}
	}
	if r.mode == ModeOwner && c.OwnerID != "" && c.OwnerID != userID {
		return nil, &conversation.NotFoundError{Resource: "conversation", ID: scope.ConversationID.String()}
	}
	ret.Conversation = c
	ret.AgentID = c.AgentID
	return ret, nil
}

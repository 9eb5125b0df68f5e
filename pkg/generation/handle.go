package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

var ErrHandleNil = errors.New("generation handle is nil")

// Handle tracks one requested generation from hand-off to terminal status.
//
// It is cancelable and waitable. Cancelling before the run is picked up makes
// the run fail the queued node without calling the generator.
type Handle struct {
	ConversationID conversation.ConversationID
	MessageID      conversation.NodeID

	ctx     context.Context
	done    chan struct{}
	started time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	final  *conversation.MessageNode
	err    error
}

func newHandle(conversationID conversation.ConversationID, messageID conversation.NodeID) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		ConversationID: conversationID,
		MessageID:      messageID,
		ctx:            ctx,
		done:           make(chan struct{}),
		started:        time.Now(),
		cancel:         cancel,
	}
}

func (h *Handle) setResult(final *conversation.MessageNode, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.final = final
	h.err = err
	close(h.done)
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// Cancel requests cancellation. It is safe to call multiple times.
func (h *Handle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the generation is terminal and returns the final node.
func (h *Handle) Wait() (*conversation.MessageNode, error) {
	if h == nil {
		return nil, ErrHandleNil
	}
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.final, h.err
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) IsRunning() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Handle) startedAt() time.Time {
	return h.started
}

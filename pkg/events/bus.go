package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const conversationTopicPrefix = "conversation."

func ConversationTopic(id conversation.ConversationID) string {
	return conversationTopicPrefix + id.String()
}

// MessagesEvent is one push batch: every node of a conversation that changed.
type MessagesEvent struct {
	ConversationID conversation.ConversationID `json:"conversationId"`
	Sequence       uint64                      `json:"sequence"`
	Messages       conversation.Messages       `json:"messages"`
}

// Bus is the in-process event backbone. It carries per-conversation push
// batches to subscribers (SSE streams, tests) and arbitrary JSON payloads to
// router handlers such as the generation runner.
type Bus struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	bufferSize int64

	mu        sync.Mutex
	sequences map[conversation.ConversationID]uint64
}

type BusOption func(*Bus)

func WithLogger(logger watermill.LoggerAdapter) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

func WithPublisher(publisher message.Publisher) BusOption {
	return func(b *Bus) {
		b.Publisher = publisher
	}
}

func WithSubscriber(subscriber message.Subscriber) BusOption {
	return func(b *Bus) {
		b.Subscriber = subscriber
	}
}

// WithBufferSize sets the per-subscriber output buffer of the go channel
// pubsub.
func WithBufferSize(n int64) BusOption {
	return func(b *Bus) {
		b.bufferSize = n
	}
}

func NewBus(options ...BusOption) (*Bus, error) {
	ret := &Bus{
		logger:     NewWatermillLogger(log.Logger),
		bufferSize: 64,
		sequences:  map[conversation.ConversationID]uint64{},
	}
	for _, o := range options {
		o(ret)
	}

	if ret.Publisher == nil || ret.Subscriber == nil {
		goPubSub := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            ret.bufferSize,
			BlockPublishUntilSubscriberAck: true,
		}, ret.logger)
		if ret.Publisher == nil {
			ret.Publisher = goPubSub
		}
		if ret.Subscriber == nil {
			ret.Subscriber = goPubSub
		}
	}
	ret.Publisher = CorrelationPublisherDecorator{Publisher: ret.Publisher}

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router
	return ret, nil
}

// AddHandler registers a router handler for topic. Handlers must be added
// before Run.
func (b *Bus) AddHandler(name string, topic string, f message.NoPublishHandlerFunc) {
	b.router.AddNoPublisherHandler(name, topic, b.Subscriber, f)
}

// Run blocks running the router until ctx is cancelled or Close is called.
func (b *Bus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Running is closed once the router's handlers are subscribed.
func (b *Bus) Running() chan struct{} {
	return b.router.Running()
}

func (b *Bus) Close() error {
	log.Debug().Msg("Closing publisher")
	if err := b.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close pubsub")
	}
	log.Debug().Msg("Closing router")
	if err := b.router.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close router")
	}
	return nil
}

// PublishJSON publishes v as a JSON message on topic.
func (b *Bus) PublishJSON(ctx context.Context, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal event payload")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return b.Publisher.Publish(topic, msg)
}

// PublishMessages pushes a batch of changed nodes to the conversation's
// subscribers. An empty batch is a no-op.
func (b *Bus) PublishMessages(ctx context.Context, conversationID conversation.ConversationID, msgs ...*conversation.MessageNode) error {
	if len(msgs) == 0 {
		return nil
	}

	b.mu.Lock()
	b.sequences[conversationID]++
	seq := b.sequences[conversationID]
	b.mu.Unlock()

	ev := MessagesEvent{
		ConversationID: conversationID,
		Sequence:       seq,
		Messages:       msgs,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal messages event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("sequence_number", strconv.FormatUint(seq, 10))

	log.Trace().
		Str("conversation_id", conversationID.String()).
		Uint64("sequence", seq).
		Int("messages", len(msgs)).
		Msg("publishing messages event")
	return b.Publisher.Publish(ConversationTopic(conversationID), msg)
}

// SubscribeMessages streams push batches of one conversation until ctx is
// done. Batches arrive in publish order. The returned channel is closed when
// the subscription ends. A subscriber that lets its buffer fill up is dropped
// rather than holding up publishers; it is expected to resync on reconnect.
func (b *Bus) SubscribeMessages(ctx context.Context, conversationID conversation.ConversationID) (<-chan MessagesEvent, error) {
	subCtx, cancel := context.WithCancel(ctx)
	msgs, err := b.Subscriber.Subscribe(subCtx, ConversationTopic(conversationID))
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "subscribe to conversation %s", conversationID)
	}

	out := make(chan MessagesEvent, b.bufferSize)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev MessagesEvent
				if err := json.Unmarshal(msg.Payload, &ev); err != nil {
					log.Warn().Err(err).Str("message_id", msg.UUID).Msg("dropping undecodable messages event")
					msg.Ack()
					continue
				}
				msg.Ack()
				select {
				case out <- ev:
				default:
					log.Warn().
						Str("conversation_id", conversationID.String()).
						Uint64("sequence", ev.Sequence).
						Msg("subscriber is not keeping up, dropping it")
					return
				}
			}
		}
	}()
	return out, nil
}

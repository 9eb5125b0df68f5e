package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

// streamEvents forwards the conversation's push batches as server-sent
// events named "messages". The stream starts with a ": connected" comment
// once the subscription is live.
func (s *Server) streamEvents(c echo.Context) error {
	conversationID, err := conversationParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	ok, err := s.engine.CanRead(ctx, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return &conversation.NotFoundError{Resource: "conversation", ID: c.Param("conversationID")}
	}

	ch, err := s.bus.SubscribeMessages(ctx, conversationID)
	if err != nil {
		return err
	}
	s.metrics.SSEClientConnected()
	defer s.metrics.SSEClientDisconnected()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return nil
	}
	w.Flush()

	logger := log.With().Str("conversation_id", conversationID.String()).Logger()
	logger.Debug().Msg("event stream opened")
	defer logger.Debug().Msg("event stream closed")

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closing:
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return nil
			}
			w.Flush()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Warn().Err(err).Msg("could not encode messages event")
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: messages\ndata: %s\n\n", ev.Sequence, data); err != nil {
				logger.Debug().Err(err).Msg("event stream write failed")
				return nil
			}
			w.Flush()
		}
	}
}

package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/access"
	"github.com/go-go-golems/branchchat/pkg/branch"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/query"
	"github.com/labstack/echo/v4"
)

type conversationsResponse struct {
	Conversations []*conversation.Conversation `json:"conversations"`
}

type rootsResponse struct {
	ConversationID conversation.ConversationID  `json:"conversationId"`
	Policy         conversation.SelectionPolicy `json:"policy"`
	Messages       conversation.Messages        `json:"messages"`
}

type childrenResponse struct {
	MessageID conversation.NodeID          `json:"messageId"`
	Policy    conversation.SelectionPolicy `json:"policy"`
	Messages  conversation.Messages        `json:"messages"`
}

type sendBody struct {
	AgentID              string              `json:"agentId"`
	ParentMessageID      conversation.NodeID `json:"parentMessageId"`
	Parts                []conversation.Part `json:"parts"`
	TemporaryID          string              `json:"temporaryId"`
	AssistantTemporaryID string              `json:"assistantTemporaryId"`
}

type resendBody struct {
	Parts                []conversation.Part `json:"parts"`
	TemporaryID          string              `json:"temporaryId"`
	AssistantTemporaryID string              `json:"assistantTemporaryId"`
}

type regenerateBody struct {
	TemporaryID string `json:"temporaryId"`
}

type stopBody struct {
	MessageID conversation.NodeID `json:"messageId"`
}

func (s *Server) listConversations(c echo.Context) error {
	ctx := c.Request().Context()
	convs, err := s.reader.ListConversations(ctx, access.UserIDFromContext(ctx))
	if err != nil {
		return err
	}
	if convs == nil {
		convs = []*conversation.Conversation{}
	}
	return c.JSON(http.StatusOK, conversationsResponse{Conversations: convs})
}

func (s *Server) listMessages(c echo.Context) error {
	conversationID, err := conversationParam(c)
	if err != nil {
		return err
	}
	target, err := conversation.ParseNodeID(c.QueryParam("target"))
	if err != nil {
		return err
	}
	ancestors, err := boolQuery(c, "ancestors", true)
	if err != nil {
		return err
	}
	descendants, err := boolQuery(c, "descendants", true)
	if err != nil {
		return err
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}

	res, err := s.engine.ListMessageNodes(c.Request().Context(), query.ListRequest{
		ConversationID:     conversationID,
		TargetMessageID:    target,
		ExcludeAncestors:   !ancestors,
		ExcludeDescendants: !descendants,
		Limit:              limit,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) listRoots(c echo.Context) error {
	conversationID, err := conversationParam(c)
	if err != nil {
		return err
	}
	roots, err := s.engine.RootsOf(c.Request().Context(), conversationID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rootsResponse{
		ConversationID: conversationID,
		Policy:         s.engine.Policy(),
		Messages:       roots,
	})
}

func (s *Server) listChildren(c echo.Context) error {
	messageID, err := messageParam(c)
	if err != nil {
		return err
	}
	children, err := s.engine.ChildrenOf(c.Request().Context(), messageID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, childrenResponse{
		MessageID: messageID,
		Policy:    s.engine.Policy(),
		Messages:  children,
	})
}

func (s *Server) send(c echo.Context) error {
	conversationID, err := conversationParam(c)
	if err != nil {
		return err
	}
	var body sendBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := s.service.Send(ctx, branch.SendRequest{
		ConversationID:       conversationID,
		AgentID:              body.AgentID,
		ParentMessageID:      body.ParentMessageID,
		Parts:                body.Parts,
		UserID:               access.UserIDFromContext(ctx),
		TemporaryID:          body.TemporaryID,
		AssistantTemporaryID: body.AssistantTemporaryID,
	})
	if err != nil {
		return err
	}
	status := http.StatusOK
	if res.Root != nil {
		status = http.StatusCreated
	}
	return c.JSON(status, res)
}

func (s *Server) resend(c echo.Context) error {
	messageID, err := messageParam(c)
	if err != nil {
		return err
	}
	var body resendBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := s.service.Resend(ctx, branch.ResendRequest{
		MessageID:            messageID,
		Parts:                body.Parts,
		UserID:               access.UserIDFromContext(ctx),
		TemporaryID:          body.TemporaryID,
		AssistantTemporaryID: body.AssistantTemporaryID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) regenerate(c echo.Context) error {
	messageID, err := messageParam(c)
	if err != nil {
		return err
	}
	var body regenerateBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := s.service.Regenerate(ctx, branch.RegenerateRequest{
		MessageID:   messageID,
		UserID:      access.UserIDFromContext(ctx),
		TemporaryID: body.TemporaryID,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) stop(c echo.Context) error {
	conversationID, err := conversationParam(c)
	if err != nil {
		return err
	}
	if conversationID.IsZero() {
		return &conversation.ValidationError{Field: "conversationId", Reason: "cannot stop a conversation that does not exist yet"}
	}
	var body stopBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	ctx := c.Request().Context()
	n, err := s.service.Stop(ctx, branch.StopRequest{
		ConversationID: conversationID,
		MessageID:      body.MessageID,
		UserID:         access.UserIDFromContext(ctx),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, n)
}

func (s *Server) deleteMessage(c echo.Context) error {
	messageID, err := messageParam(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := s.service.Delete(ctx, branch.DeleteRequest{
		MessageID: messageID,
		UserID:    access.UserIDFromContext(ctx),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func conversationParam(c echo.Context) (conversation.ConversationID, error) {
	return conversation.ParseConversationID(c.Param("conversationID"))
}

func messageParam(c echo.Context) (conversation.NodeID, error) {
	id, err := conversation.ParseNodeID(c.Param("messageID"))
	if err != nil {
		return conversation.NullNode, err
	}
	if id.IsZero() {
		return conversation.NullNode, &conversation.ValidationError{Field: "messageId", Reason: "message id required"}
	}
	return id, nil
}

func boolQuery(c echo.Context, name string, def bool) (bool, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &conversation.ValidationError{Field: name, Reason: "expected a boolean"}
	}
	return v, nil
}

func intQuery(c echo.Context, name string) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &conversation.ValidationError{Field: name, Reason: "expected a non-negative integer"}
	}
	return v, nil
}

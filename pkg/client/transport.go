package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/branch"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/query"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ListParams mirrors the query parameters of the list endpoint.
type ListParams struct {
	ConversationID     conversation.ConversationID
	TargetMessageID    conversation.NodeID
	ExcludeAncestors   bool
	ExcludeDescendants bool
	Limit              int
}

// Transport is the client's view of the server.
type Transport interface {
	ListMessages(ctx context.Context, params ListParams) (*query.ListResult, error)
	Send(ctx context.Context, req branch.SendRequest) (*branch.Result, error)
	Resend(ctx context.Context, req branch.ResendRequest) (*branch.Result, error)
	Regenerate(ctx context.Context, req branch.RegenerateRequest) (*branch.Result, error)
	Stop(ctx context.Context, req branch.StopRequest) (*conversation.MessageNode, error)
	Subscribe(ctx context.Context, conversationID conversation.ConversationID) (<-chan events.MessagesEvent, error)
}

// HTTPTransport talks to the branchchat HTTP API.
type HTTPTransport struct {
	baseURL string
	userID  string
	client  *http.Client
	// streams have no timeout; they end with their context
	streamClient *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(baseURL string, userID string) *HTTPTransport {
	return &HTTPTransport{
		baseURL:      strings.TrimRight(baseURL, "/"),
		userID:       userID,
		client:       &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
	}
}

func (t *HTTPTransport) ListMessages(ctx context.Context, params ListParams) (*query.ListResult, error) {
	q := url.Values{}
	if !params.TargetMessageID.IsZero() {
		q.Set("target", params.TargetMessageID.String())
	}
	if params.ExcludeAncestors {
		q.Set("ancestors", "false")
	}
	if params.ExcludeDescendants {
		q.Set("descendants", "false")
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	path := "/api/v1/conversations/" + params.ConversationID.String() + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var ret query.ListResult
	if err := t.do(ctx, http.MethodGet, path, nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (t *HTTPTransport) Send(ctx context.Context, req branch.SendRequest) (*branch.Result, error) {
	id := "new"
	if !req.ConversationID.IsZero() {
		id = req.ConversationID.String()
	}
	var ret branch.Result
	if err := t.do(ctx, http.MethodPost, "/api/v1/conversations/"+id+"/messages", req, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (t *HTTPTransport) Resend(ctx context.Context, req branch.ResendRequest) (*branch.Result, error) {
	var ret branch.Result
	if err := t.do(ctx, http.MethodPost, "/api/v1/messages/"+req.MessageID.String()+"/resend", req, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (t *HTTPTransport) Regenerate(ctx context.Context, req branch.RegenerateRequest) (*branch.Result, error) {
	var ret branch.Result
	if err := t.do(ctx, http.MethodPost, "/api/v1/messages/"+req.MessageID.String()+"/regenerate", req, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (t *HTTPTransport) Stop(ctx context.Context, req branch.StopRequest) (*conversation.MessageNode, error) {
	var ret conversation.MessageNode
	if err := t.do(ctx, http.MethodPost, "/api/v1/conversations/"+req.ConversationID.String()+"/stop", req, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

// Subscribe opens the conversation's event stream. The channel is closed
// when ctx ends or the stream breaks.
func (t *HTTPTransport) Subscribe(ctx context.Context, conversationID conversation.ConversationID) (<-chan events.MessagesEvent, error) {
	req, err := t.newRequest(ctx, http.MethodGet, "/api/v1/conversations/"+conversationID.String()+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := t.streamClient.Do(req)
	if err != nil {
		return nil, &conversation.TransientError{Op: "subscribe", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	out := make(chan events.MessagesEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		reader := bufio.NewReader(resp.Body)
		var eventName string
		var data strings.Builder
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, io.EOF) {
					log.Debug().Err(err).Str("conversation_id", conversationID.String()).Msg("event stream ended")
				}
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if eventName == "messages" && data.Len() > 0 {
					var ev events.MessagesEvent
					if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
						log.Warn().Err(err).Msg("could not decode messages event")
					} else {
						select {
						case out <- ev:
						case <-ctx.Done():
							return
						}
					}
				}
				eventName = ""
				data.Reset()
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event:"):
				eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
	}()
	return out, nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encode request")
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, r)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.userID != "" {
		req.Header.Set("X-User-ID", t.userID)
	}
	return req, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	req, err := t.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return &conversation.TransientError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &conversation.TransientError{Op: "decode response", Err: err}
	}
	return nil
}

// decodeError maps an error response back onto the error taxonomy.
func decodeError(resp *http.Response) error {
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Error.Message
	if msg == "" {
		msg = resp.Status
	}
	switch {
	case body.Error.Kind == "not_found" || resp.StatusCode == http.StatusNotFound:
		return &conversation.NotFoundError{Resource: "remote", ID: msg}
	case body.Error.Kind == "conflict" || resp.StatusCode == http.StatusConflict:
		return &conversation.ConflictError{Op: "remote", Reason: msg}
	case body.Error.Kind == "validation" || resp.StatusCode == http.StatusBadRequest:
		return &conversation.ValidationError{Field: "request", Reason: msg}
	case body.Error.Kind == "pipeline" || resp.StatusCode == http.StatusBadGateway:
		return &conversation.PipelineError{Reason: msg}
	}
	return &conversation.TransientError{Op: "remote", Err: fmt.Errorf("%s: %s", resp.Status, msg)}
}

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/access"
	"github.com/go-go-golems/branchchat/pkg/agents"
	"github.com/go-go-golems/branchchat/pkg/branch"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/generation"
	"github.com/go-go-golems/branchchat/pkg/metrics"
	"github.com/go-go-golems/branchchat/pkg/query"
	"github.com/go-go-golems/branchchat/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStack struct {
	server *Server
	runner *generation.Runner
	store  *store.MemoryStore
}

func newTestStack(t *testing.T, options ...Option) *testStack {
	t.Helper()
	s := store.NewMemoryStore()
	bus, err := events.NewBus()
	require.NoError(t, err)
	m := metrics.New()

	runner := generation.NewRunner(s, bus, &generation.EchoGenerator{}, generation.WithFlushInterval(0), generation.WithMetrics(m))
	resolver := agents.NewResolver(agents.NewInMemoryAgentStore(agents.DefaultSlug, agents.DefaultAgent()))
	service := branch.NewService(s, resolver, runner, branch.WithPublisher(bus), branch.WithMetrics(m))
	engine := query.NewEngine(s, query.WithAccessResolver(access.NewStoreResolver(s, access.ModeOwner)))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = bus.Run(ctx)
	}()
	<-bus.Running()

	srv := NewServer(":0", engine, service, s, bus, append([]Option{WithMetrics(m)}, options...)...)
	t.Cleanup(func() {
		srv.Close()
		runner.Wait()
		cancel()
		_ = bus.Close()
	})
	return &testStack{server: srv, runner: runner, store: s}
}

func (ts *testStack) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func textBody(text string) map[string]interface{} {
	return map[string]interface{}{
		"parts": []conversation.Part{conversation.NewTextPart(text)},
	}
}

func TestServer_Health(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestServer_SendThenList(t *testing.T) {
	ts := newTestStack(t)

	body := textBody("Hi")
	body["temporaryId"] = "tmp-1"
	rec := ts.do(t, http.MethodPost, "/api/v1/conversations/new/messages", "alice", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[branch.Result](t, rec)

	require.NotNil(t, res.Root)
	assert.Equal(t, "tmp-1", res.UserMessage.TemporaryID)
	assert.Equal(t, []conversation.NodeID{res.AssistantMessage.ID}, res.UserMessage.Children)
	assert.Equal(t, []conversation.NodeID{}, res.AssistantMessage.Children)
	assert.Contains(t, rec.Body.String(), `"children":[]`)

	ts.runner.Wait()

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/"+res.ConversationID.String()+"/messages", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[query.ListResult](t, rec)
	assert.Equal(t, conversation.PolicyEarliest, list.Policy)
	require.Len(t, list.Messages, 3)
	assert.Equal(t, []conversation.NodeID{res.Root.ID, res.UserMessage.ID, res.AssistantMessage.ID}, list.Messages.IDs())
	assert.Equal(t, conversation.StatusCompleted, list.Messages[2].Status)
	assert.Equal(t, "You said: Hi", list.Messages[2].Text())

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/"+res.ConversationID.String()+"/messages?target="+res.UserMessage.ID.String()+"&descendants=false", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[query.ListResult](t, rec)
	assert.Equal(t, []conversation.NodeID{res.Root.ID, res.UserMessage.ID}, list.Messages.IDs())

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	convs := decode[conversationsResponse](t, rec)
	require.Len(t, convs.Conversations, 1)
	assert.Equal(t, "Hi", convs.Conversations[0].Title)

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[conversationsResponse](t, rec).Conversations)
}

func TestServer_BranchingRoutes(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/conversations/new/messages", "alice", textBody("first"))
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decode[branch.Result](t, rec)
	ts.runner.Wait()

	rec = ts.do(t, http.MethodPost, "/api/v1/messages/"+first.UserMessage.ID.String()+"/resend", "alice", map[string]string{"temporaryId": "tmp-r"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resent := decode[branch.Result](t, rec)
	assert.Equal(t, first.Root.ID, resent.UserMessage.ParentID)
	ts.runner.Wait()

	rec = ts.do(t, http.MethodPost, "/api/v1/messages/"+first.AssistantMessage.ID.String()+"/regenerate", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	regen := decode[branch.Result](t, rec)
	assert.Equal(t, first.UserMessage.ID, regen.AssistantMessage.ParentID)
	ts.runner.Wait()

	rec = ts.do(t, http.MethodGet, "/api/v1/messages/"+first.UserMessage.ID.String()+"/children", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	children := decode[childrenResponse](t, rec)
	assert.Equal(t, []conversation.NodeID{first.AssistantMessage.ID, regen.AssistantMessage.ID}, children.Messages.IDs())

	rec = ts.do(t, http.MethodGet, "/api/v1/conversations/"+first.ConversationID.String()+"/roots", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	roots := decode[rootsResponse](t, rec)
	require.Len(t, roots.Messages, 1)
	assert.Equal(t, []conversation.NodeID{first.UserMessage.ID, resent.UserMessage.ID}, roots.Messages[0].Children)

	rec = ts.do(t, http.MethodDelete, "/api/v1/messages/"+resent.UserMessage.ID.String(), "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	deleted := decode[branch.Result](t, rec)
	assert.Len(t, deleted.Deleted, 2)
}

func TestServer_ErrorMapping(t *testing.T) {
	ts := newTestStack(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/conversations/new/messages", "alice", textBody("hello"))
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decode[branch.Result](t, rec)
	ts.runner.Wait()

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   interface{}
		status int
		kind   string
	}{
		{"regenerate user message", http.MethodPost, "/api/v1/messages/" + first.UserMessage.ID.String() + "/regenerate", "alice", nil, http.StatusConflict, "conflict"},
		{"regenerate root", http.MethodPost, "/api/v1/messages/" + first.Root.ID.String() + "/regenerate", "alice", nil, http.StatusConflict, "conflict"},
		{"unknown message", http.MethodPost, "/api/v1/messages/" + conversation.NewNodeID().String() + "/resend", "alice", nil, http.StatusNotFound, "not_found"},
		{"bad message id", http.MethodPost, "/api/v1/messages/nope/resend", "alice", nil, http.StatusBadRequest, "validation"},
		{"empty parts", http.MethodPost, "/api/v1/conversations/" + first.ConversationID.String() + "/messages", "alice", map[string]interface{}{"parts": []conversation.Part{}}, http.StatusBadRequest, "validation"},
		{"other owner", http.MethodPost, "/api/v1/conversations/" + first.ConversationID.String() + "/messages", "mallory", textBody("hi"), http.StatusNotFound, "not_found"},
		{"nothing to stop", http.MethodPost, "/api/v1/conversations/" + first.ConversationID.String() + "/stop", "alice", nil, http.StatusNotFound, "not_found"},
		{"bad limit", http.MethodGet, "/api/v1/conversations/" + first.ConversationID.String() + "/messages?limit=-1", "alice", nil, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decode[errorBody](t, rec)
			assert.Equal(t, tt.kind, body.Error.Kind)
			assert.NotEmpty(t, body.Error.Message)
		})
	}

	t.Run("inaccessible list is empty", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/v1/conversations/"+first.ConversationID.String()+"/messages", "mallory", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[query.ListResult](t, rec).Messages)
	})
}

func TestServer_RateLimitsMutations(t *testing.T) {
	ts := newTestStack(t, WithRateLimit(1))
	path := "/api/v1/conversations/" + conversation.NewConversationID().String() + "/stop"

	rec := ts.do(t, http.MethodPost, path, "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodPost, path, "alice", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = ts.do(t, http.MethodPost, path, "bob", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodGet, "/health", "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/conversations/new/messages", "alice", textBody("count me"))
	require.Equal(t, http.StatusCreated, rec.Code)
	ts.runner.Wait()

	rec = ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `branchchat_mutations_total{op="send",result="ok"} 1`)
	assert.Contains(t, rec.Body.String(), `branchchat_generations_total{status="completed"} 1`)
}

func TestServer_EventStream(t *testing.T) {
	ts := newTestStack(t)
	httpServer := httptest.NewServer(ts.server.Handler())
	defer httpServer.Close()

	rec := ts.do(t, http.MethodPost, "/api/v1/conversations/new/messages", "alice", textBody("stream"))
	require.Equal(t, http.StatusCreated, rec.Code)
	first := decode[branch.Result](t, rec)
	ts.runner.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/api/v1/conversations/"+first.ConversationID.String()+"/events", nil)
	require.NoError(t, err)
	req.Header.Set(UserIDHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	rec = ts.do(t, http.MethodPost, "/api/v1/conversations/"+first.ConversationID.String()+"/messages", "alice", map[string]interface{}{
		"parentMessageId": first.AssistantMessage.ID,
		"parts":           []conversation.Part{conversation.NewTextPart("again")},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decode[branch.Result](t, rec)

	completed := false
	for !completed {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.MessagesEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
		assert.Equal(t, first.ConversationID, ev.ConversationID)
		for _, m := range ev.Messages {
			if m.ID == second.AssistantMessage.ID && m.Status == conversation.StatusCompleted {
				assert.Equal(t, "You said: again", m.Text())
				completed = true
			}
		}
	}
}

func TestServer_EventStreamRequiresAccess(t *testing.T) {
	ts := newTestStack(t)
	rec := ts.do(t, http.MethodGet, "/api/v1/conversations/"+conversation.NewConversationID().String()+"/events", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

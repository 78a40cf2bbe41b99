package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyteller/internal/client"
	"storyteller/internal/config"
	"storyteller/internal/llm"
	"storyteller/internal/model"
	"storyteller/internal/service"
	"storyteller/internal/store"
	"storyteller/internal/tools"
	"storyteller/internal/workflow"
)

func newTestServer(t *testing.T) (*httptest.Server, *service.StoryService) {
	return newTestServerWith(t, &llm.MockChatModel{}, config.Default())
}

func newTestServerWith(t *testing.T, chat einomodel.BaseChatModel, cfg config.Config) (*httptest.Server, *service.StoryService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pipeline := workflow.New(
		tools.NewStoryTool(chat),
		tools.NewSafetyTool(cfg.Generation.SafetyThreshold),
		cfg.Generation)
	svc := service.NewStoryService(st, pipeline, cfg)

	router := gin.New()
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/api/v1/children", handleCreateChild(svc))
	router.GET("/api/v1/stories", handleListStories(svc))
	router.POST("/api/v1/stories/generate", handleGenerate(svc))
	router.POST("/api/v1/stories/generate/stream", handleGenerateStream(svc, cfg))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, svc
}

func createTestChild(t *testing.T, srv *httptest.Server, parentID string) model.ChildProfile {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/children",
		strings.NewReader(`{"name":"Maya","age":7,"interests":["animals"]}`))
	require.NoError(t, err)
	req.Header.Set("X-Parent-ID", parentID)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var child model.ChildProfile
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&child))
	return child
}

func streamRequest(t *testing.T, srv *httptest.Server, parentID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/stories/generate/stream",
		strings.NewReader(body))
	require.NoError(t, err)
	if parentID != "" {
		req.Header.Set("X-Parent-ID", parentID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamEndToEnd(t *testing.T) {
	srv, _ := newTestServer(t)
	child := createTestChild(t, srv, "10")

	body, _ := json.Marshal(model.GenerationRequest{ChildID: child.ID, Theme: "forest"})
	resp := streamRequest(t, srv, "10", string(body))
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	r := client.NewReassembler(nil)
	final := r.Run(context.Background(), resp.Body)

	require.Equal(t, client.PhaseCompleted, final.Phase)
	require.NotNil(t, final.Story)
	assert.Len(t, final.Chunks, 2)
	assert.Equal(t, final.Story.Content, final.Chunks)
	assert.Equal(t, "What should Maya do next?", final.Story.ChoiceQuestion)
	assert.Len(t, final.Story.Choices, 2)
	assert.Equal(t, "calculate_metrics", final.Node)
	assert.Equal(t, "completed", final.NodeStatus)
}

// slowChatModel 在回复前等待，保证心跳有机会先落到流上
type slowChatModel struct {
	llm.MockChatModel
	delay time.Duration
}

func (m *slowChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.MockChatModel.Generate(ctx, input, opts...)
}

func TestStreamHeartbeatsWhileGenerating(t *testing.T) {
	cfg := config.Default()
	cfg.Generation.HeartbeatSeconds = 1
	srv, _ := newTestServerWith(t, &slowChatModel{delay: 1200 * time.Millisecond}, cfg)
	child := createTestChild(t, srv, "10")

	body, _ := json.Marshal(model.GenerationRequest{ChildID: child.ID, Theme: "forest"})
	resp := streamRequest(t, srv, "10", string(body))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), ": heartbeat\n\n")
	assert.Contains(t, string(raw), `"type":"complete"`)

	// comments are invisible to the reassembler
	r := client.NewReassembler(nil)
	final := r.Run(context.Background(), strings.NewReader(string(raw)))
	assert.Equal(t, client.PhaseCompleted, final.Phase)
}

func TestStreamRejectsBeforeOpening(t *testing.T) {
	srv, _ := newTestServer(t)
	child := createTestChild(t, srv, "10")

	cases := []struct {
		name     string
		parentID string
		body     string
		status   int
	}{
		{"missing identity", "", `{"child_id":1,"theme":"forest"}`, http.StatusUnauthorized},
		{"bad json", "10", `{"child_id":`, http.StatusBadRequest},
		{"missing theme", "10", `{"child_id":` + itoa(child.ID) + `}`, http.StatusBadRequest},
		{"unknown child", "10", `{"child_id":9999,"theme":"forest"}`, http.StatusNotFound},
		{"foreign child", "99", `{"child_id":` + itoa(child.ID) + `,"theme":"forest"}`, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := streamRequest(t, srv, tc.parentID, tc.body)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
			// rejected before the stream opened: a plain JSON error body
			assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
		})
	}
}

func TestGenerateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	child := createTestChild(t, srv, "10")

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/stories/generate",
		strings.NewReader(`{"child_id":`+itoa(child.ID)+`,"theme":"forest"}`))
	require.NoError(t, err)
	req.Header.Set("X-Parent-ID", "10")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var record model.StoryRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&record))
	assert.NotEmpty(t, record.ID)
	assert.Len(t, record.Content, 2)
}

func TestListStoriesEndpoint(t *testing.T) {
	srv, svc := newTestServer(t)
	child := createTestChild(t, srv, "10")

	_, err := svc.Generate(context.Background(), model.GenerationRequest{
		ParentID: 10, ChildID: child.ID, Theme: "forest",
	})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet,
		srv.URL+"/api/v1/stories?child_id="+itoa(child.ID), nil)
	require.NoError(t, err)
	req.Header.Set("X-Parent-ID", "10")

	// the save is asynchronous, poll until it lands
	var stories []model.StoryRecord
	require.Eventually(t, func() bool {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		stories = nil
		if err := json.NewDecoder(resp.Body).Decode(&stories); err != nil {
			return false
		}
		return len(stories) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "forest", stories[0].Theme)

	badReq, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/stories", nil)
	require.NoError(t, err)
	badReq.Header.Set("X-Parent-ID", "10")
	resp, err := http.DefaultClient.Do(badReq)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

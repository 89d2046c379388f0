package midjourney

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/BaSui01/genflow/gen"
)

func TestSubmit_Imagine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mj/submit/imagine", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a red fox --v 6", body["prompt"])

		w.Write([]byte(`{"code":1,"description":"submitted","result":"mj-001"}`))
	}))
	defer srv.Close()

	a := New(nil)
	id, err := a.Submit(context.Background(), gen.GenerateParams{
		Prompt:  "a red fox --v 6",
		Mode:    gen.ModeImagine,
		APIKey:  "sk-test",
		BaseURL: srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "mj-001", id)
}

func TestSubmit_BlendUsesImageArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mj/submit/blend", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		imgs, ok := body["base64Array"].([]any)
		require.True(t, ok)
		assert.Len(t, imgs, 2)
		assert.Equal(t, "SQUARE", body["dimensions"])

		w.Write([]byte(`{"code":1,"result":"mj-002"}`))
	}))
	defer srv.Close()

	a := New(nil)
	id, err := a.Submit(context.Background(), gen.GenerateParams{
		Mode:    gen.ModeBlend,
		Images:  []string{"QUJD", "REVG"},
		BaseURL: srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "mj-002", id)
}

// 21/22 是排队与重复提交，同样携带任务 ID，按受理处理。
func TestSubmit_QueuedCodeAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":21,"description":"In queue","result":"mj-003"}`))
	}))
	defer srv.Close()

	a := New(nil)
	id, err := a.Submit(context.Background(), gen.GenerateParams{Prompt: "x", BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "mj-003", id)
}

func TestSubmit_RejectionClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":24,"description":"Banned prompt: contains sensitive words"}`))
	}))
	defer srv.Close()

	a := New(nil)
	_, err := a.Submit(context.Background(), gen.GenerateParams{Prompt: "x", BaseURL: srv.URL})
	require.Error(t, err)

	var ge *gen.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gen.ErrContentFiltered, ge.Code)
}

func TestQuery_InProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mj/task/mj-001/fetch", r.URL.Path)
		w.Write([]byte(`{"id":"mj-001","status":"IN_PROGRESS","progress":"45%"}`))
	}))
	defer srv.Close()

	a := New(nil)
	result, err := a.Query(context.Background(), gen.QueryParams{UpstreamTaskID: "mj-001", BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, gen.QueryProcessing, result.Status)
	assert.Equal(t, "45", result.Progress)
}

func TestQuery_SuccessCarriesButtons(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"id":"mj-001","status":"SUCCESS","progress":"100%",
			"imageUrl":"https://cdn.example.com/grid.png",
			"buttons":[
				{"customId":"MJ::JOB::upsample::1::abc","label":"U1","emoji":"","style":2},
				{"customId":"MJ::JOB::variation::1::abc","label":"V1","emoji":"","style":2}
			]
		}`))
	}))
	defer srv.Close()

	a := New(nil)
	result, err := a.Query(context.Background(), gen.QueryParams{UpstreamTaskID: "mj-001", BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, gen.QuerySuccess, result.Status)
	assert.Equal(t, "https://cdn.example.com/grid.png", result.ResourceURL)
	require.Len(t, result.Buttons, 2)
	assert.Equal(t, "MJ::JOB::upsample::1::abc", result.Buttons[0].CustomID)
	assert.Equal(t, "U1", result.Buttons[0].Label)
}

func TestQuery_FailureCarriesReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"mj-001","status":"FAILURE","failReason":"Job was cancelled upstream"}`))
	}))
	defer srv.Close()

	a := New(nil)
	result, err := a.Query(context.Background(), gen.QueryParams{UpstreamTaskID: "mj-001", BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, gen.QueryFailed, result.Status)
	assert.Equal(t, "Job was cancelled upstream", result.Error)
}

// 未收录的厂商状态一律按 processing 处理，绝不臆断为终态。
func TestQuery_UnknownStatusStaysProcessing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"mj-001","status":"PAUSED_FOR_REVIEW","progress":"80%"}`))
	}))
	defer srv.Close()

	a := New(nil)
	result, err := a.Query(context.Background(), gen.QueryParams{UpstreamTaskID: "mj-001", BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, gen.QueryProcessing, result.Status)
	assert.Equal(t, "80", result.Progress)
}

func TestQuery_TracesRequestAndResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"mj-001","status":"IN_PROGRESS","progress":"10%"}`))
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.InfoLevel)
	a := New(zap.New(core))
	_, err := a.Query(context.Background(), gen.QueryParams{TaskID: 9, UpstreamTaskID: "mj-001", BaseURL: srv.URL})
	require.NoError(t, err)

	reqLogs := logs.FilterMessage("upstream request")
	require.Equal(t, 1, reqLogs.Len())
	assert.Equal(t, "GET", reqLogs.All()[0].ContextMap()["method"])
	assert.Equal(t, 1, logs.FilterMessage("upstream response").Len())
}

func TestAction_SubmitsButtonClick(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mj/submit/action", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "mj-001", body["taskId"])
		assert.Equal(t, "MJ::JOB::upsample::1::abc", body["customId"])

		w.Write([]byte(`{"code":1,"result":"mj-004"}`))
	}))
	defer srv.Close()

	a := New(nil)
	id, err := a.Action(context.Background(), gen.ActionParams{
		ParentUpstreamID: "mj-001",
		CustomID:         "MJ::JOB::upsample::1::abc",
		BaseURL:          srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "mj-004", id)
}

func TestSubmit_HTTPErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"invalid token"}`))
	}))
	defer srv.Close()

	a := New(nil)
	_, err := a.Submit(context.Background(), gen.GenerateParams{Prompt: "x", BaseURL: srv.URL})
	require.Error(t, err)

	var ge *gen.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gen.ErrAuthFailed, ge.Code)
}

package kling

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

func TestSubmit_TextToVideo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/videos/text2video", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "kling-v1", req.ModelName)
		assert.Equal(t, "waves on a beach", req.Prompt)
		assert.Equal(t, "5", req.Duration)

		w.Write([]byte(`{"code":0,"message":"SUCCEED","data":{"task_id":"kl-001"}}`))
	}))
	defer srv.Close()

	a := New(nil)
	id, err := a.Submit(context.Background(), gen.GenerateParams{
		Prompt:      "waves on a beach",
		ModelName:   "kling-v1",
		ModelParams: map[string]string{"duration": "5"},
		APIKey:      "sk-test",
		BaseURL:     srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "kl-001", id)
}

func TestSubmit_ImageToVideo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/videos/image2video", r.URL.Path)

		var req submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://cdn.example.com/ref.png", req.Image)

		w.Write([]byte(`{"code":0,"data":{"task_id":"kl-002"}}`))
	}))
	defer srv.Close()

	a := New(nil)
	id, err := a.Submit(context.Background(), gen.GenerateParams{
		Prompt:  "animate this",
		Images:  []string{"https://cdn.example.com/ref.png"},
		BaseURL: srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "kl-002", id)
}

// HTTP 200 但业务 code 非零同样是失败。
func TestSubmit_BusinessCodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":1102,"message":"insufficient balance"}`))
	}))
	defer srv.Close()

	a := New(nil)
	_, err := a.Submit(context.Background(), gen.GenerateParams{Prompt: "x", BaseURL: srv.URL})
	require.Error(t, err)

	var ge *gen.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gen.ErrQuotaExceeded, ge.Code)
}

func TestQuery_StatusMapping(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/videos/tasks/kl-001", r.URL.Path)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	a := New(nil)
	params := gen.QueryParams{UpstreamTaskID: "kl-001", BaseURL: srv.URL}

	body = `{"code":0,"data":{"task_id":"kl-001","task_status":"submitted"}}`
	result, err := a.Query(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, gen.QueryProcessing, result.Status)
	assert.Equal(t, "0", result.Progress)

	body = `{"code":0,"data":{"task_id":"kl-001","task_status":"processing"}}`
	result, err = a.Query(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, gen.QueryProcessing, result.Status)
	assert.Equal(t, "50", result.Progress)

	body = `{"code":0,"data":{"task_id":"kl-001","task_status":"succeed","task_result":{"videos":[{"url":"https://cdn.example.com/v.mp4","duration":"5"}]}}}`
	result, err = a.Query(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, gen.QuerySuccess, result.Status)
	assert.Equal(t, "https://cdn.example.com/v.mp4", result.ResourceURL)
	assert.Equal(t, "100", result.Progress)

	body = `{"code":0,"data":{"task_id":"kl-001","task_status":"failed","task_status_msg":"risk control rejected"}}`
	result, err = a.Query(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, gen.QueryFailed, result.Status)
	assert.Equal(t, "risk control rejected", result.Error)

	// 未收录状态按 processing 处理
	body = `{"code":0,"data":{"task_id":"kl-001","task_status":"frozen"}}`
	result, err = a.Query(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, gen.QueryProcessing, result.Status)
}

func TestQuery_TracesRequestAndResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":0,"data":{"task_id":"kl-001","task_status":"processing"}}`))
	}))
	defer srv.Close()

	core, logs := observer.New(zapcore.InfoLevel)
	a := New(zap.New(core))
	_, err := a.Query(context.Background(), gen.QueryParams{TaskID: 9, UpstreamTaskID: "kl-001", BaseURL: srv.URL})
	require.NoError(t, err)

	reqLogs := logs.FilterMessage("upstream request")
	require.Equal(t, 1, reqLogs.Len())
	assert.Equal(t, "GET", reqLogs.All()[0].ContextMap()["method"])
	assert.Equal(t, 1, logs.FilterMessage("upstream response").Len())
}

func TestQuery_HTTPErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"too many requests"}`))
	}))
	defer srv.Close()

	a := New(nil)
	_, err := a.Query(context.Background(), gen.QueryParams{UpstreamTaskID: "kl-001", BaseURL: srv.URL})
	require.Error(t, err)

	var ge *gen.Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, gen.ErrRateLimited, ge.Code)
}

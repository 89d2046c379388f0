package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/BaSui01/genflow/gen"
	"github.com/BaSui01/genflow/resource"
	"github.com/BaSui01/genflow/task"
	"github.com/BaSui01/genflow/upstream"
)

type pollStub struct {
	query func(ctx context.Context, params gen.QueryParams) (*gen.QueryResult, error)
}

func (s *pollStub) Meta() gen.Metadata {
	return gen.Metadata{
		APIFormat:  "poll",
		Category:   gen.CategoryImage,
		IsAsync:    true,
		ModelTypes: []string{"test"},
	}
}

func (s *pollStub) Submit(ctx context.Context, params gen.GenerateParams) (string, error) {
	return "up-1", nil
}

func (s *pollStub) Query(ctx context.Context, params gen.QueryParams) (*gen.QueryResult, error) {
	return s.query(ctx, params)
}

func newPollerEnv(t *testing.T, stub *pollStub) (*Poller, *task.Repo, *upstream.Repo) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, task.AutoMigrate(db))
	require.NoError(t, upstream.AutoMigrate(db))

	store, err := resource.NewStore(t.TempDir())
	require.NoError(t, err)
	registry, err := gen.NewRegistry(stub)
	require.NoError(t, err)

	repo := task.NewRepo(db)
	ups := upstream.NewRepo(db)
	orch := task.NewOrchestrator(repo, ups, registry, store, nil, nil)

	up := &upstream.Upstream{Name: "test", BaseURL: "http://upstream.test", APIKey: "sk", Enabled: true}
	require.NoError(t, db.Create(up).Error)
	model := &upstream.Model{UpstreamID: up.ID, ModelName: "m", ModelType: "test", APIFormat: "poll", Enabled: true}
	require.NoError(t, db.Create(model).Error)

	return NewPoller(orch, repo, time.Hour, 100, nil), repo, ups
}

func seedProcessing(t *testing.T, repo *task.Repo, upstreamTaskID string) *task.Task {
	t.Helper()
	tk := &task.Task{
		UserID:         1,
		TaskType:       task.TypeImage,
		ModelType:      "test",
		APIFormat:      "poll",
		ModelName:      "m",
		Status:         task.StatusProcessing,
		UpstreamTaskID: upstreamTaskID,
		UpstreamID:     1,
		ModelID:        1,
	}
	now := time.Now()
	tk.StartedAt = &now
	require.NoError(t, repo.Create(tk))
	return tk
}

func TestPollOnce_DrivesTasksToTerminalState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG output"))
	}))
	defer srv.Close()

	stub := &pollStub{}
	stub.query = func(ctx context.Context, params gen.QueryParams) (*gen.QueryResult, error) {
		if params.UpstreamTaskID == "up-done" {
			return &gen.QueryResult{Status: gen.QuerySuccess, ResourceURL: srv.URL + "/out.png"}, nil
		}
		return &gen.QueryResult{Status: gen.QueryProcessing, Progress: "45"}, nil
	}
	p, repo, _ := newPollerEnv(t, stub)

	done := seedProcessing(t, repo, "up-done")
	running := seedProcessing(t, repo, "up-running")

	p.pollOnce(context.Background())

	got, err := repo.Get(done.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusSuccess, got.Status)

	got, err = repo.Get(running.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, got.Status)
	assert.Equal(t, "45", got.Progress)
}

// 单个任务的查询失败不影响同轮其他任务。
func TestPollOnce_SurvivesPerTaskFailure(t *testing.T) {
	stub := &pollStub{}
	stub.query = func(ctx context.Context, params gen.QueryParams) (*gen.QueryResult, error) {
		if params.UpstreamTaskID == "up-broken" {
			return nil, context.DeadlineExceeded
		}
		return &gen.QueryResult{Status: gen.QueryProcessing, Progress: "80"}, nil
	}
	p, repo, _ := newPollerEnv(t, stub)

	broken := seedProcessing(t, repo, "up-broken")
	healthy := seedProcessing(t, repo, "up-healthy")

	p.pollOnce(context.Background())

	got, err := repo.Get(broken.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, got.Status)

	got, err = repo.Get(healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, "80", got.Progress)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	stub := &pollStub{}
	stub.query = func(ctx context.Context, params gen.QueryParams) (*gen.QueryResult, error) {
		return &gen.QueryResult{Status: gen.QueryProcessing}, nil
	}
	p, _, _ := newPollerEnv(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(stopped)
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after context cancel")
	}
}

func TestNewPoller_Defaults(t *testing.T) {
	p := NewPoller(nil, nil, 0, 0, nil)
	assert.Equal(t, 5*time.Second, p.interval)
	assert.NotNil(t, p.limiter)
	assert.NotNil(t, p.log)
}

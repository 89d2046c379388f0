package task

import (
	"context"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/BaSui01/genflow/gen"
	"github.com/BaSui01/genflow/resource"
	"github.com/BaSui01/genflow/upstream"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	require.NoError(t, upstream.AutoMigrate(db))
	return db
}

func newTestStore(t *testing.T) *resource.Store {
	t.Helper()
	store, err := resource.NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func seedUpstream(t *testing.T, db *gorm.DB, apiFormat string) (uint, uint) {
	t.Helper()
	up := &upstream.Upstream{Name: "test", BaseURL: "http://upstream.test", APIKey: "sk-test", Enabled: true}
	require.NoError(t, db.Create(up).Error)
	model := &upstream.Model{
		UpstreamID: up.ID,
		ModelName:  "test-model",
		ModelType:  "test",
		APIFormat:  apiFormat,
		Enabled:    true,
	}
	require.NoError(t, db.Create(model).Error)
	return up.ID, model.ID
}

// stubSync 可编程的同步适配器。
type stubSync struct {
	meta     gen.Metadata
	generate func(ctx context.Context, params gen.GenerateParams) (*gen.GenerateResult, error)

	mu       sync.Mutex
	lastCall *gen.GenerateParams
}

func (s *stubSync) Meta() gen.Metadata { return s.meta }

func (s *stubSync) Generate(ctx context.Context, params gen.GenerateParams) (*gen.GenerateResult, error) {
	s.mu.Lock()
	s.lastCall = &params
	s.mu.Unlock()
	return s.generate(ctx, params)
}

func (s *stubSync) last() *gen.GenerateParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCall
}

// stubAsync 可编程的异步适配器。
type stubAsync struct {
	meta   gen.Metadata
	submit func(ctx context.Context, params gen.GenerateParams) (string, error)
	query  func(ctx context.Context, params gen.QueryParams) (*gen.QueryResult, error)
	action func(ctx context.Context, params gen.ActionParams) (string, error)
}

func (s *stubAsync) Meta() gen.Metadata { return s.meta }

func (s *stubAsync) Submit(ctx context.Context, params gen.GenerateParams) (string, error) {
	return s.submit(ctx, params)
}

func (s *stubAsync) Query(ctx context.Context, params gen.QueryParams) (*gen.QueryResult, error) {
	return s.query(ctx, params)
}

// stubAction 带按钮动作的异步适配器。
type stubAction struct {
	stubAsync
}

func (s *stubAction) Action(ctx context.Context, params gen.ActionParams) (string, error) {
	return s.action(ctx, params)
}

func syncStubMeta(format string) gen.Metadata {
	return gen.Metadata{
		APIFormat:  format,
		Category:   gen.CategoryImage,
		IsAsync:    false,
		ModelTypes: []string{"test"},
		Validation: gen.Validation{RequirePrompt: true, SupportsImageURL: true},
	}
}

func asyncStubMeta(format string) gen.Metadata {
	return gen.Metadata{
		APIFormat:  format,
		Category:   gen.CategoryImage,
		IsAsync:    true,
		ModelTypes: []string{"test"},
		Validation: gen.Validation{RequirePrompt: true, SupportsImageURL: true},
	}
}

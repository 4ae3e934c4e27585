package scheduler

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notzero-app/notzero/internal/config"
	"github.com/notzero-app/notzero/internal/store"
	"github.com/notzero-app/notzero/internal/types"
	"github.com/notzero-app/notzero/internal/utils"
)

// fakeSource 可编程的数据源桩
type fakeSource struct {
	mu        sync.Mutex
	endpoints []string
	buckets   map[string][]types.UsageBucket
	costs     map[string]float64
	err       error
	errFor    map[string]error
	windows   [][2]int64
}

func (f *fakeSource) Endpoints() []string {
	if f.endpoints != nil {
		return f.endpoints
	}
	return []string{"completions", "embeddings"}
}

func (f *fakeSource) FetchWindow(_ context.Context, endpoint string, start, end int64) ([]types.UsageBucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, [2]int64{start, end})
	if f.err != nil {
		return nil, f.err
	}
	if err, ok := f.errFor[endpoint]; ok {
		return nil, err
	}
	return f.buckets[endpoint], nil
}

func (f *fakeSource) FetchCosts(_ context.Context, _, _ int64) (map[string]float64, error) {
	if f.costs == nil {
		return map[string]float64{}, nil
	}
	return f.costs, nil
}

func (f *fakeSource) windowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

func newTestService(t *testing.T, source UsageSource) (*SyncService, *store.Store) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	creds, err := store.NewCredentialStore(st, "test-key")
	require.NoError(t, err)
	require.NoError(t, creds.SaveAPIKey("u1", "sk-admin-test", ""))

	assumptions, err := config.NewAssumptionsManager(filepath.Join(dir, "assumptions.json"))
	require.NoError(t, err)
	t.Cleanup(func() { assumptions.Close() })

	cfg := &config.EnvConfig{
		SyncIntervalMinutes: 60,
		RetentionDays:       90,
		FreshnessHours:      4,
	}
	svc := NewSyncService(cfg, st, creds, assumptions, func(_, _ string) UsageSource {
		return source
	})
	return svc, st
}

func dayBucket(date string, models ...string) types.UsageBucket {
	day, _ := utils.ParseDate(date)
	b := types.UsageBucket{StartTime: day.Unix(), EndTime: day.Unix() + 86400}
	for _, m := range models {
		b.Results = append(b.Results, types.UsageResult{
			Model:            m,
			NumModelRequests: 10,
			InputTokens:      1000,
			OutputTokens:     500,
		})
	}
	return b
}

func TestDaysToResyncClamp(t *testing.T) {
	svc, st := newTestService(t, &fakeSource{})
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	// 无抓取记录时首次同步回溯 7 天
	assert.Equal(t, 7, svc.daysToResync("u1"))

	tests := []struct {
		name     string
		lastDate string
		want     int
	}{
		{"超过上限钳到 30", now.AddDate(0, 0, -400).Format("2006-01-02"), 30},
		{"当日同步钳到 1", now.Format("2006-01-02"), 1},
		{"区间内取实际天数", now.AddDate(0, 0, -5).Format("2006-01-02"), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, st.UpsertFetchStatus(types.FetchStatus{
				UserID:             "u1",
				LastFetched:        now,
				LastSuccessfulDate: tt.lastDate,
			}))
			assert.Equal(t, tt.want, svc.daysToResync("u1"))
		})
	}
}

func TestPerformSyncEndToEnd(t *testing.T) {
	source := &fakeSource{
		buckets: map[string][]types.UsageBucket{
			"completions": {
				dayBucket("2026-08-25", "gpt-4o", "gpt-3.5-turbo"),
				dayBucket("2026-08-26", "gpt-4o", "gpt-3.5-turbo"),
				dayBucket("2026-08-27", "gpt-4o", "gpt-3.5-turbo"),
				dayBucket("2026-08-28", "gpt-4o", "gpt-3.5-turbo"),
				dayBucket("2026-08-29", "gpt-4o", "gpt-3.5-turbo"),
			},
			"embeddings": {
				dayBucket("2026-08-25", "text-embedding-3-small"),
				dayBucket("2026-08-26", "text-embedding-3-small"),
				dayBucket("2026-08-27", "text-embedding-3-small"),
				dayBucket("2026-08-28", "text-embedding-3-small"),
				dayBucket("2026-08-29", "text-embedding-3-small"),
			},
		},
	}
	svc, st := newTestService(t, source)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	st.SetHistoricalComplete("u1") // 阻止回填自动启动干扰断言

	require.NoError(t, svc.PerformSync(context.Background(), "u1"))

	// completions 每天 2 个模型 × 5 天 + embeddings 每天 1 个模型 × 5 天
	count, err := st.TotalRecordCount("u1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), count)

	status, err := st.GetFetchStatus("u1")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, int64(15), status.TotalRecords)
	assert.ElementsMatch(t, []string{"completions", "embeddings"}, status.EndpointsFetched)

	snap := svc.Status("u1")
	assert.False(t, snap.IsRunning)
	require.NotNil(t, snap.LastSyncTime)
	assert.Empty(t, snap.Error)

	runs := svc.RecentRuns("u1")
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)
	assert.Equal(t, 15, runs[0].RecordCount)

	// 记录应带非零的估算成本、能耗与碳排
	records, err := st.FetchRange("u1", "2026-08-25", "2026-08-29")
	require.NoError(t, err)
	for _, r := range records {
		assert.Greater(t, r.Cost, 0.0, "模型 %s 应有估算成本", r.Model)
		assert.Greater(t, r.KWh, 0.0)
		assert.Greater(t, r.CO2Grams, 0.0)
	}
}

func TestSyncLeavesHistoricalFlagFalse(t *testing.T) {
	source := &fakeSource{
		buckets: map[string][]types.UsageBucket{
			"completions": {dayBucket("2026-08-29", "gpt-4o")},
		},
	}
	svc, st := newTestService(t, source)
	svc.now = func() time.Time { return time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, svc.PerformSync(context.Background(), "u1"))

	// 增量同步本身不写完成标记，标记由回填任务负责
	done, err := st.IsHistoricalComplete("u1")
	require.NoError(t, err)
	assert.False(t, done)

	// 取消延迟触发的回填，避免其在测试结束后访问已关闭的存储
	svc.StopAll()
}

func TestPerformSyncSkipsWhenRunning(t *testing.T) {
	source := &fakeSource{}
	svc, _ := newTestService(t, source)

	require.True(t, svc.tryAcquire("u1"))
	defer svc.release("u1")

	// 已有同步进行中时直接返回，不触达上游
	require.NoError(t, svc.PerformSync(context.Background(), "u1"))
	assert.Equal(t, 0, source.windowCount())
}

func TestSyncErrorIsolation(t *testing.T) {
	// completions 有数据，embeddings 认证失败：端点级错误不拖垮整轮同步
	source := &fakeSource{
		buckets: map[string][]types.UsageBucket{
			"completions": {dayBucket("2026-08-29", "gpt-4o")},
		},
		errFor: map[string]error{
			"embeddings": types.NewUpstreamError(http.StatusForbidden, "no access"),
		},
	}
	svc, st := newTestService(t, source)
	svc.now = func() time.Time { return time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC) }
	st.SetHistoricalComplete("u1")

	require.NoError(t, svc.PerformSync(context.Background(), "u1"))
	count, _ := st.TotalRecordCount("u1")
	assert.Equal(t, int64(1), count)
}

func TestSyncAllEndpointsFail(t *testing.T) {
	source := &fakeSource{err: types.NewUpstreamError(http.StatusUnauthorized, "bad key")}
	svc, _ := newTestService(t, source)

	err := svc.PerformSync(context.Background(), "u1")
	require.Error(t, err)

	snap := svc.Status("u1")
	assert.NotEmpty(t, snap.Error)
	assert.Nil(t, snap.LastSyncTime)
}

func TestReconcileCosts(t *testing.T) {
	svc, _ := newTestService(t, &fakeSource{})

	records := []types.UsageRecord{
		{Date: "2026-08-01", Model: "gpt-4o", Cost: 0.03},
		{Date: "2026-08-01", Model: "gpt-3.5-turbo", Cost: 0.01},
		{Date: "2026-08-02", Model: "gpt-4o", Cost: 0.02},
	}
	svc.reconcileCosts(records, map[string]float64{"2026-08-01": 0.08})

	assert.InDelta(t, 0.06, records[0].Cost, 1e-9, "按估算比例分摊实际金额")
	assert.InDelta(t, 0.02, records[1].Cost, 1e-9)
	assert.InDelta(t, 0.02, records[2].Cost, 1e-9, "无实际金额的日期保留估算值")
}

func TestForgetUserClearsStateAndRuns(t *testing.T) {
	source := &fakeSource{
		buckets: map[string][]types.UsageBucket{
			"completions": {dayBucket("2026-08-29", "gpt-4o")},
		},
	}
	svc, st := newTestService(t, source)
	svc.now = func() time.Time { return time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC) }
	st.SetHistoricalComplete("u1")

	require.NoError(t, svc.PerformSync(context.Background(), "u1"))
	require.NotEmpty(t, svc.RecentRuns("u1"))
	require.NotNil(t, svc.Status("u1").LastSyncTime)

	svc.ForgetUser("u1")

	assert.Empty(t, svc.RecentRuns("u1"), "运行记录应随凭据一起清除")
	snap := svc.Status("u1")
	assert.Nil(t, snap.LastSyncTime)
	assert.False(t, snap.IsRunning)
}

func TestNeedsSyncFreshness(t *testing.T) {
	svc, st := newTestService(t, &fakeSource{})
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	assert.True(t, svc.needsSync("u1"), "无抓取记录应同步")

	require.NoError(t, st.UpsertFetchStatus(types.FetchStatus{
		UserID:      "u1",
		LastFetched: now.Add(-1 * time.Hour),
	}))
	assert.False(t, svc.needsSync("u1"), "1 小时内的数据仍新鲜")

	require.NoError(t, st.UpsertFetchStatus(types.FetchStatus{
		UserID:      "u1",
		LastFetched: now.Add(-5 * time.Hour),
	}))
	assert.True(t, svc.needsSync("u1"), "超过新鲜度窗口应同步")
}

// Package scheduler 驱动每用户的用量同步与历史回填。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/notzero-app/notzero/internal/carbon"
	"github.com/notzero-app/notzero/internal/config"
	"github.com/notzero-app/notzero/internal/retry"
	"github.com/notzero-app/notzero/internal/store"
	"github.com/notzero-app/notzero/internal/types"
	"github.com/notzero-app/notzero/internal/upstream"
	"github.com/notzero-app/notzero/internal/utils"
)

// UsageSource 上游用量数据源
type UsageSource interface {
	Endpoints() []string
	FetchWindow(ctx context.Context, endpoint string, start, end int64) ([]types.UsageBucket, error)
	FetchCosts(ctx context.Context, start, end int64) (map[string]float64, error)
}

// SourceFactory 按用户凭据构造数据源
type SourceFactory func(apiKey, projectID string) UsageSource

const (
	firstSyncDays  = 7
	minResyncDays  = 1
	maxResyncDays  = 30
	maxRetries     = 3
	retryBaseDelay = 1 * time.Second

	// 回填启动延迟：首次增量同步成功后稍等片刻再启动，
	// 避免与增量窗口的上游请求挤在一起触发限流
	backfillTriggerDelay = 5 * time.Second

	// 多用户启动错峰间隔
	staggerDelay = 3 * time.Second
)

// userState 单用户的进程内同步状态
type userState struct {
	isRunning     bool
	lastSyncTime  *time.Time
	lastError     string
	nextScheduled *time.Time
	backfill      types.BackfillProgress
	// 已有延迟回填在排队等待启动
	backfillScheduled bool
}

// SyncService 同步调度器
// 每用户独立状态，同一用户同一时刻只允许一次同步。
type SyncService struct {
	cfg         *config.EnvConfig
	store       *store.Store
	creds       *store.CredentialStore
	assumptions *config.AssumptionsManager
	newSource   SourceFactory
	runLog      *RunLogStore

	mu     sync.Mutex
	states map[string]*userState

	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	now func() time.Time
}

// NewSyncService 创建同步调度器
func NewSyncService(cfg *config.EnvConfig, st *store.Store, creds *store.CredentialStore,
	assumptions *config.AssumptionsManager, newSource SourceFactory) *SyncService {
	return &SyncService{
		cfg:         cfg,
		store:       st,
		creds:       creds,
		assumptions: assumptions,
		newSource:   newSource,
		runLog:      NewRunLogStore(),
		states:      make(map[string]*userState),
		stopChan:    make(chan struct{}),
		now:         time.Now,
	}
}

// Start 启动定时调度
// 启动时对所有已配置用户错峰触发一轮同步，之后按固定间隔巡检。
func (s *SyncService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.syncAllStaggered()

		ticker := time.NewTicker(time.Duration(s.cfg.SyncIntervalMinutes) * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.syncAllStaggered()
			case <-s.stopChan:
				return
			}
		}
	}()
	log.Printf("[Sync] 调度器已启动，巡检间隔 %d 分钟", s.cfg.SyncIntervalMinutes)
}

// syncAllStaggered 错峰同步所有已配置用户
func (s *SyncService) syncAllStaggered() {
	users, err := s.creds.Users()
	if err != nil {
		log.Printf("[Sync] 警告: 读取用户列表失败: %v", err)
		return
	}

	for i, userID := range users {
		if i > 0 {
			select {
			case <-s.stopChan:
				return
			case <-time.After(staggerDelay):
			}
		}
		if !s.needsSync(userID) {
			continue
		}
		if err := s.PerformSync(context.Background(), userID); err != nil {
			log.Printf("[Sync] 用户 %s 同步失败: %v", utils.MaskUserID(userID), err)
		}
	}
}

// needsSync 数据是否已过新鲜度窗口
func (s *SyncService) needsSync(userID string) bool {
	status, err := s.store.GetFetchStatus(userID)
	if err != nil || status == nil {
		return true
	}
	freshness := time.Duration(s.cfg.FreshnessHours) * time.Hour
	return s.now().Sub(status.LastFetched) >= freshness
}

// daysToResync 计算本轮增量同步回溯的天数
// 首次同步回溯 7 天；之后按距上次成功同步的天数限定在 [1, 30]。
func (s *SyncService) daysToResync(userID string) int {
	status, err := s.store.GetFetchStatus(userID)
	if err != nil || status == nil || status.LastSuccessfulDate == "" {
		return firstSyncDays
	}
	days := utils.DaysSince(status.LastSuccessfulDate, s.now())
	if days < minResyncDays {
		return minResyncDays
	}
	if days > maxResyncDays {
		return maxResyncDays
	}
	return days
}

// TriggerSync 手动触发一次同步
func (s *SyncService) TriggerSync(userID string) error {
	return s.PerformSync(context.Background(), userID)
}

// PerformSync 执行一轮增量同步
// 同一用户已有同步在跑时直接跳过；端点级错误互相隔离，
// 任一端点成功即更新抓取状态。
func (s *SyncService) PerformSync(ctx context.Context, userID string) error {
	if !s.tryAcquire(userID) {
		log.Printf("[Sync] 用户 %s 已有同步进行中，跳过", utils.MaskUserID(userID))
		return nil
	}
	defer s.release(userID)

	run := NewRun(false)
	defer func() {
		run.FinishedAt = s.now()
		run.DurationMs = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
		s.runLog.Record(userID, run)
	}()

	apiKey, projectID, err := s.creds.GetAPIKey(userID)
	if err != nil {
		s.setError(userID, err.Error())
		run.ErrorInfo = err.Error()
		return err
	}
	source := s.newSource(apiKey, projectID)

	days := s.daysToResync(userID)
	now := s.now()
	end := now.Unix()
	start := now.AddDate(0, 0, -days).Unix()
	run.DaysSynced = days

	log.Printf("[Sync] 用户 %s 开始同步，回溯 %d 天", utils.MaskUserID(userID), days)

	written, fetched, err := s.syncWindow(ctx, userID, source, start, end)
	if err != nil {
		s.setError(userID, err.Error())
		run.ErrorInfo = err.Error()
		return err
	}
	run.RecordCount = written
	run.Success = true

	total, err := s.store.TotalRecordCount(userID)
	if err != nil {
		return err
	}
	if err := s.store.UpsertFetchStatus(types.FetchStatus{
		UserID:             userID,
		LastFetched:        now,
		LastSuccessfulDate: utils.FormatDate(now),
		EndpointsFetched:   fetched,
		TotalRecords:       total,
	}); err != nil {
		return err
	}

	if _, err := s.store.CleanupOldData(s.cfg.RetentionDays); err != nil {
		log.Printf("[Sync] 警告: 清理过期数据失败: %v", err)
	}

	s.markSuccess(userID)
	log.Printf("[Sync] 用户 %s 同步完成，写入 %d 条记录", utils.MaskUserID(userID), written)

	s.maybeScheduleBackfill(userID)
	return nil
}

// syncWindow 抓取并写入一个时间窗口的全部端点数据
// 返回写入行数与成功抓取的端点列表。全部端点失败时返回错误。
func (s *SyncService) syncWindow(ctx context.Context, userID string, source UsageSource, start, end int64) (int, []string, error) {
	var (
		records  []types.UsageRecord
		fetched  []string
		lastErr  error
		failures int
	)

	endpoints := source.Endpoints()
	for _, endpoint := range endpoints {
		var buckets []types.UsageBucket
		err := retry.WithRetry(ctx, func() error {
			var ferr error
			buckets, ferr = source.FetchWindow(ctx, endpoint, start, end)
			return ferr
		}, maxRetries, retryBaseDelay)

		if errors.Is(err, upstream.ErrEndpointUnsupported) {
			continue
		}
		if err != nil {
			// 端点级错误隔离：记录后继续其余端点
			log.Printf("[Sync] 端点 %s 抓取失败: %v", endpoint, err)
			lastErr = err
			failures++
			continue
		}

		fetched = append(fetched, endpoint)
		records = append(records, s.bucketsToRecords(userID, endpoint, buckets)...)
	}

	if len(fetched) == 0 && failures > 0 {
		return 0, nil, fmt.Errorf("全部端点抓取失败: %w", lastErr)
	}

	// 成本端点独立抓取，失败不影响用量写入
	dayCosts, err := s.fetchCosts(ctx, source, start, end)
	if err != nil {
		log.Printf("[Sync] 警告: 成本数据抓取失败，沿用估算成本: %v", err)
		dayCosts = nil
	}
	s.reconcileCosts(records, dayCosts)

	written, err := s.store.UpsertRecords(records)
	if err != nil {
		return 0, nil, err
	}
	return written, fetched, nil
}

func (s *SyncService) fetchCosts(ctx context.Context, source UsageSource, start, end int64) (map[string]float64, error) {
	var costs map[string]float64
	err := retry.WithRetry(ctx, func() error {
		var ferr error
		costs, ferr = source.FetchCosts(ctx, start, end)
		return ferr
	}, maxRetries, retryBaseDelay)
	return costs, err
}

// bucketsToRecords 将上游时间桶转为按 (日期, 模型) 聚合的持久化记录
func (s *SyncService) bucketsToRecords(userID, endpoint string, buckets []types.UsageBucket) []types.UsageRecord {
	type dayModel struct {
		date  string
		model string
	}
	merged := make(map[dayModel]*types.ModelUsage)
	var order []dayModel

	for _, bucket := range buckets {
		date := utils.DateOfUnix(bucket.StartTime)
		for _, r := range bucket.Results {
			requests := r.NumModelRequests
			if requests == 0 {
				requests = r.NumRequests
			}
			usage := types.ModelUsage{
				Requests:          requests,
				InputTokens:       r.InputTokens,
				OutputTokens:      r.OutputTokens,
				InputCachedTokens: r.InputCachedTokens,
				InputAudioTokens:  r.InputAudioTokens,
				OutputAudioTokens: r.OutputAudioTokens,
				ProjectID:         r.ProjectID,
				APIKeyID:          r.APIKeyID,
				Batch:             r.Batch,
			}
			key := dayModel{date: date, model: r.Model}
			if existing, ok := merged[key]; ok {
				existing.Add(usage)
			} else {
				u := usage
				merged[key] = &u
				order = append(order, key)
			}
		}
	}

	records := make([]types.UsageRecord, 0, len(order))
	for _, key := range order {
		u := merged[key]
		assumption := s.assumptions.GetAssumption(key.model)
		records = append(records, types.UsageRecord{
			UserID:            userID,
			Date:              key.date,
			Endpoint:          endpoint,
			Model:             key.model,
			Requests:          u.Requests,
			InputTokens:       u.InputTokens,
			OutputTokens:      u.OutputTokens,
			InputCachedTokens: u.InputCachedTokens,
			InputAudioTokens:  u.InputAudioTokens,
			OutputAudioTokens: u.OutputAudioTokens,
			ProjectID:         u.ProjectID,
			APIKeyID:          u.APIKeyID,
			Batch:             u.Batch,
			Cost:              carbon.Cost(assumption, endpoint, *u),
			KWh:               carbon.KWh(assumption, *u),
			CO2Grams:          carbon.CO2Grams(assumption, *u),
		})
	}
	return records
}

// reconcileCosts 用成本端点的按日金额校正估算成本
// 按各记录估算值的比例把当日实际金额摊入记录；当日无实际金额时保留估算值。
func (s *SyncService) reconcileCosts(records []types.UsageRecord, dayCosts map[string]float64) {
	if len(dayCosts) == 0 {
		return
	}

	estimated := make(map[string]float64)
	for _, r := range records {
		estimated[r.Date] += r.Cost
	}

	for i := range records {
		actual, ok := dayCosts[records[i].Date]
		if !ok || actual <= 0 {
			continue
		}
		est := estimated[records[i].Date]
		if est > 0 {
			records[i].Cost = actual * records[i].Cost / est
		} else {
			// 估算全为零时均摊
			var n float64
			for _, r := range records {
				if r.Date == records[i].Date {
					n++
				}
			}
			records[i].Cost = actual / n
		}
	}
}

// maybeScheduleBackfill 首次同步成功后延迟启动历史回填
func (s *SyncService) maybeScheduleBackfill(userID string) {
	done, err := s.store.IsHistoricalComplete(userID)
	if err != nil || done {
		return
	}

	s.mu.Lock()
	state := s.stateLocked(userID)
	if state.backfill.Running || state.backfillScheduled {
		s.mu.Unlock()
		return
	}
	state.backfillScheduled = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.stopChan:
			s.mu.Lock()
			s.stateLocked(userID).backfillScheduled = false
			s.mu.Unlock()
			return
		case <-time.After(backfillTriggerDelay):
		}
		s.RunBackfill(context.Background(), userID)
	}()
}

// tryAcquireBackfill 原子地占用用户的回填槽位
// 已有回填在跑时返回 false；占用成功即消费掉排队标记。
func (s *SyncService) tryAcquireBackfill(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.stateLocked(userID)
	if state.backfill.Running {
		return false
	}
	state.backfill = types.BackfillProgress{Running: true}
	state.backfillScheduled = false
	return true
}

// MaybeSyncStale 数据超过新鲜度窗口时在后台触发一次同步
// 读取接口调用，立即返回是否触发。
func (s *SyncService) MaybeSyncStale(userID string) bool {
	if !s.needsSync(userID) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.PerformSync(context.Background(), userID); err != nil {
			log.Printf("[Sync] 用户 %s 隐式同步失败: %v", utils.MaskUserID(userID), err)
		}
	}()
	return true
}

// Statistics 调度器聚合统计
type Statistics struct {
	ConfiguredUsers int        `json:"configuredUsers"`
	RunningSyncs    int        `json:"runningSyncs"`
	RunningBackfill int        `json:"runningBackfills"`
	UsersWithErrors int        `json:"usersWithErrors"`
	LastSyncTime    *time.Time `json:"lastSyncTime"`
}

// GetStatistics 汇总所有用户的调度状态
func (s *SyncService) GetStatistics() Statistics {
	var stats Statistics
	if users, err := s.creds.Users(); err == nil {
		stats.ConfiguredUsers = len(users)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, state := range s.states {
		if state.isRunning {
			stats.RunningSyncs++
		}
		if state.backfill.Running {
			stats.RunningBackfill++
		}
		if state.lastError != "" {
			stats.UsersWithErrors++
		}
		if state.lastSyncTime != nil &&
			(stats.LastSyncTime == nil || state.lastSyncTime.After(*stats.LastSyncTime)) {
			stats.LastSyncTime = state.lastSyncTime
		}
	}
	return stats
}

// Status 用户同步状态快照
func (s *SyncService) Status(userID string) types.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.stateLocked(userID)
	return types.SyncStatus{
		IsRunning:         state.isRunning,
		LastSyncTime:      state.lastSyncTime,
		Error:             state.lastError,
		NextScheduledSync: state.nextScheduled,
	}
}

// BackfillStatus 用户回填进度快照
func (s *SyncService) BackfillStatus(userID string) types.BackfillProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(userID).backfill
}

// RecentRuns 用户最近的同步运行记录
func (s *SyncService) RecentRuns(userID string) []*SyncRun {
	return s.runLog.Get(userID)
}

// ForgetUser 清除用户的进程内同步状态与运行记录
// 凭据删除后调用，避免状态接口继续暴露已删除用户的信息。
func (s *SyncService) ForgetUser(userID string) {
	s.mu.Lock()
	delete(s.states, userID)
	s.mu.Unlock()
	s.runLog.Clear(userID)
}

func (s *SyncService) stateLocked(userID string) *userState {
	state, ok := s.states[userID]
	if !ok {
		state = &userState{}
		s.states[userID] = state
	}
	return state
}

func (s *SyncService) tryAcquire(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.stateLocked(userID)
	if state.isRunning {
		return false
	}
	state.isRunning = true
	return true
}

func (s *SyncService) release(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateLocked(userID).isRunning = false
}

func (s *SyncService) setError(userID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateLocked(userID).lastError = msg
}

func (s *SyncService) markSuccess(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.stateLocked(userID)
	now := s.now()
	next := now.Add(time.Duration(s.cfg.SyncIntervalMinutes) * time.Minute)
	state.lastSyncTime = &now
	state.nextScheduled = &next
	state.lastError = ""
}

// StopAll 停止调度并等待在途任务结束
func (s *SyncService) StopAll() {
	s.closeOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	log.Printf("[Sync] 调度器已停止")
}

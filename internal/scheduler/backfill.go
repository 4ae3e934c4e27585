package scheduler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/notzero-app/notzero/internal/retry"
	"github.com/notzero-app/notzero/internal/types"
	"github.com/notzero-app/notzero/internal/upstream"
	"github.com/notzero-app/notzero/internal/utils"
)

const (
	// 回填从两天前开始，避开上游尚未定稿的近期数据
	backfillStartOffsetDays = 2
	backfillWindowDays      = 30
	// 连续空窗口达到该数量即认为已触及历史边界
	emptyWindowLimit = 3
	// 最多回溯两年
	maxBackfillDays = 730
	// 历史数据充分的天数阈值
	requiredHistoryDays = 90

	// 窗口间延迟，平滑上游压力
	windowDelay = 1 * time.Second
)

// RunBackfill 执行历史回填
// 从两天前起按 30 天窗口向过去逐段扫描，直到：
// 连续 3 个空窗口（抓取出错的窗口计为空）、回溯满两年，
// 或历史数据已充分（覆盖 90 天或最早记录早于 90 天前）。
func (s *SyncService) RunBackfill(ctx context.Context, userID string) {
	masked := utils.MaskUserID(userID)

	// 占位失败说明已有回填在跑，手动触发与自动调度并发时只保留一个
	if !s.tryAcquireBackfill(userID) {
		log.Printf("[Backfill] 用户 %s 已有回填进行中，跳过", masked)
		return
	}

	run := NewRun(true)
	defer func() {
		run.FinishedAt = s.now()
		run.DurationMs = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
		s.runLog.Record(userID, run)
	}()

	finish := func(done bool, errMsg string) {
		s.mu.Lock()
		state := s.stateLocked(userID)
		state.backfill.Running = false
		state.backfill.Done = done
		state.backfill.Error = errMsg
		if done {
			now := s.now()
			state.backfill.CompletedAt = &now
		}
		s.mu.Unlock()
	}

	apiKey, projectID, err := s.creds.GetAPIKey(userID)
	if err != nil {
		finish(false, err.Error())
		run.ErrorInfo = err.Error()
		return
	}
	source := s.newSource(apiKey, projectID)

	log.Printf("[Backfill] 用户 %s 开始历史回填", masked)

	windowEnd := s.now().AddDate(0, 0, -backfillStartOffsetDays)
	ceiling := s.now().AddDate(0, 0, -maxBackfillDays)
	emptyStreak := 0
	windowsScanned := 0
	daysFound := 0

	for windowEnd.After(ceiling) {
		select {
		case <-ctx.Done():
			finish(false, ctx.Err().Error())
			return
		case <-s.stopChan:
			finish(false, "调度器已停止")
			return
		default:
		}

		windowStart := windowEnd.AddDate(0, 0, -backfillWindowDays)
		if windowStart.Before(ceiling) {
			windowStart = ceiling
		}

		written, _, err := s.backfillWindow(ctx, userID, source, windowStart.Unix(), windowEnd.Unix())
		windowsScanned++
		if err != nil {
			// 抓取出错的窗口计为空窗口，不中断整个回填
			log.Printf("[Backfill] 用户 %s 窗口 %s ~ %s 抓取失败，计为空窗口: %v",
				masked, utils.FormatDate(windowStart), utils.FormatDate(windowEnd), err)
			written = 0
		}

		if written == 0 {
			emptyStreak++
		} else {
			emptyStreak = 0
			daysFound += backfillWindowDays
		}

		s.mu.Lock()
		state := s.stateLocked(userID)
		state.backfill.WindowsScanned = windowsScanned
		state.backfill.DaysFound = daysFound
		state.backfill.EmptyStreak = emptyStreak
		s.mu.Unlock()

		if emptyStreak >= emptyWindowLimit {
			log.Printf("[Backfill] 用户 %s 连续 %d 个空窗口，判定触及历史边界", masked, emptyWindowLimit)
			break
		}

		sufficient, err := s.store.HasSufficientHistoricalData(userID, requiredHistoryDays)
		if err == nil && sufficient {
			log.Printf("[Backfill] 用户 %s 历史数据已充分，提前结束回填", masked)
			break
		}

		windowEnd = windowStart

		select {
		case <-ctx.Done():
			finish(false, ctx.Err().Error())
			return
		case <-s.stopChan:
			finish(false, "调度器已停止")
			return
		case <-time.After(windowDelay):
		}
	}

	if err := s.store.SetHistoricalComplete(userID); err != nil {
		log.Printf("[Backfill] 警告: 写入回填完成标记失败: %v", err)
	}

	run.Success = true
	finish(true, "")
	log.Printf("[Backfill] 用户 %s 历史回填完成，扫描 %d 个窗口", masked, windowsScanned)
}

// backfillWindow 回填单个时间窗口
// 与增量窗口共用抓取与写入逻辑，但全部端点失败时降级为错误返回，
// 由调用方计为空窗口。
func (s *SyncService) backfillWindow(ctx context.Context, userID string, source UsageSource, start, end int64) (int, []string, error) {
	var records []types.UsageRecord
	var fetched []string
	var lastErr error

	for _, endpoint := range source.Endpoints() {
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
			lastErr = err
			continue
		}
		fetched = append(fetched, endpoint)
		records = append(records, s.bucketsToRecords(userID, endpoint, buckets)...)
	}

	if len(fetched) == 0 && lastErr != nil {
		return 0, nil, lastErr
	}

	dayCosts, err := s.fetchCosts(ctx, source, start, end)
	if err != nil {
		dayCosts = nil
	}
	s.reconcileCosts(records, dayCosts)

	written, err := s.store.UpsertRecords(records)
	if err != nil {
		return 0, nil, err
	}
	return written, fetched, nil
}

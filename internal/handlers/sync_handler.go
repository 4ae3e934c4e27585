package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/notzero-app/notzero/internal/scheduler"
	"github.com/notzero-app/notzero/internal/store"
)

// GetSyncStatus 获取用户的同步状态、回填进度与最近运行记录
func GetSyncStatus(svc *scheduler.SyncService, st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")

		fetchStatus, err := st.GetFetchStatus(userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		runs := svc.RecentRuns(userID)
		if runs == nil {
			runs = make([]*scheduler.SyncRun, 0)
		}

		c.JSON(http.StatusOK, gin.H{
			"sync":        svc.Status(userID),
			"backfill":    svc.BackfillStatus(userID),
			"fetchStatus": fetchStatus,
			"runs":        runs,
		})
	}
}

// GetSyncStatistics 获取调度器聚合统计
func GetSyncStatistics(svc *scheduler.SyncService) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, svc.GetStatistics())
	}
}

// TriggerSync 手动触发一轮增量同步
// 同步在后台执行，接口立即返回。
func TriggerSync(svc *scheduler.SyncService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		// 错误会记入同步状态，由状态接口暴露
		go func() { _ = svc.TriggerSync(userID) }()

		c.JSON(http.StatusAccepted, gin.H{"message": "同步已触发"})
	}
}

// TriggerBackfill 手动触发历史回填
// 这里的检查只用于给调用方友好的 409 提示，
// 并发触发的互斥由 RunBackfill 内部的槽位占用保证。
func TriggerBackfill(svc *scheduler.SyncService) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		if svc.BackfillStatus(userID).Running {
			c.JSON(http.StatusConflict, gin.H{"error": "回填已在进行中"})
			return
		}
		go svc.RunBackfill(context.Background(), userID)

		c.JSON(http.StatusAccepted, gin.H{"message": "历史回填已触发"})
	}
}

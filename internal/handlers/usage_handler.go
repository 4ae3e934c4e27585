// Package handlers 提供管理与查询 API 的 gin 处理器。
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/sjson"

	"github.com/notzero-app/notzero/internal/store"
	"github.com/notzero-app/notzero/internal/types"
	"github.com/notzero-app/notzero/internal/utils"
)

// parseRange 解析 start/end 查询参数，缺省为最近 30 天
func parseRange(c *gin.Context) (string, string, bool) {
	end := c.Query("end")
	start := c.Query("start")
	if end == "" {
		end = utils.FormatDate(time.Now())
	}
	if start == "" {
		start = utils.FormatDate(time.Now().AddDate(0, 0, -30))
	}
	if !utils.IsValidDate(start) || !utils.IsValidDate(end) || start > end {
		c.JSON(http.StatusBadRequest, gin.H{"error": "无效的日期区间，格式应为 YYYY-MM-DD"})
		return "", "", false
	}
	return start, end, true
}

// GetUsageRange 获取区间内的明细记录
func GetUsageRange(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		start, end, ok := parseRange(c)
		if !ok {
			return
		}

		records, err := st.FetchRange(userID, start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if records == nil {
			records = make([]types.UsageRecord, 0)
		}
		c.JSON(http.StatusOK, gin.H{
			"start":   start,
			"end":     end,
			"records": records,
		})
	}
}

// StaleSync 数据过期时触发后台同步，返回是否触发
type StaleSync func(userID string) bool

// GetUsageSummary 获取区间总量
// 数据超过新鲜度窗口时顺带触发一次后台同步，本次仍返回库内数据。
func GetUsageSummary(st *store.Store, stale StaleSync) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		start, end, ok := parseRange(c)
		if !ok {
			return
		}

		syncing := false
		if stale != nil {
			syncing = stale(userID)
		}

		totals, err := st.Aggregate(userID, start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"start":   start,
			"end":     end,
			"totals":  totals,
			"syncing": syncing,
		})
	}
}

// GetDailyUsage 获取按日聚合
func GetDailyUsage(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		start, end, ok := parseRange(c)
		if !ok {
			return
		}

		daily, err := st.DailySummaries(userID, start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if daily == nil {
			daily = make([]store.DailySummary, 0)
		}
		c.JSON(http.StatusOK, gin.H{"daily": daily})
	}
}

// GetModelBreakdown 获取按模型聚合
func GetModelBreakdown(st *store.Store) gin.HandlerFunc {
	return breakdownHandler(st, "models", (*store.Store).ModelBreakdown)
}

// GetEndpointBreakdown 获取按端点聚合
func GetEndpointBreakdown(st *store.Store) gin.HandlerFunc {
	return breakdownHandler(st, "endpoints", (*store.Store).EndpointBreakdown)
}

func breakdownHandler(st *store.Store, field string,
	fn func(*store.Store, string, string, string) ([]store.BreakdownRow, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		start, end, ok := parseRange(c)
		if !ok {
			return
		}

		rows, err := fn(st, userID, start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if rows == nil {
			rows = make([]store.BreakdownRow, 0)
		}
		c.JSON(http.StatusOK, gin.H{field: rows})
	}
}

// ExportUsage 导出区间内的完整数据包（明细 + 各维度聚合）
func ExportUsage(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		start, end, ok := parseRange(c)
		if !ok {
			return
		}

		records, err := st.FetchRange(userID, start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		totals, err := st.Aggregate(userID, start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		daily, err := st.DailySummaries(userID, start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		models, err := st.ModelBreakdown(userID, start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		doc := []byte(`{}`)
		doc, _ = sjson.SetBytes(doc, "exportedAt", time.Now().UTC().Format(time.RFC3339))
		doc, _ = sjson.SetBytes(doc, "userId", userID)
		doc, _ = sjson.SetBytes(doc, "range.start", start)
		doc, _ = sjson.SetBytes(doc, "range.end", end)
		doc, _ = sjson.SetBytes(doc, "totals", totals)
		doc, _ = sjson.SetBytes(doc, "daily", daily)
		doc, _ = sjson.SetBytes(doc, "models", models)
		doc, _ = sjson.SetBytes(doc, "records", records)

		c.Header("Content-Disposition", "attachment; filename=usage-export-"+start+"-"+end+".json")
		c.Data(http.StatusOK, "application/json", doc)
	}
}

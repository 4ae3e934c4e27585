package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/notzero-app/notzero/internal/store"
	"github.com/notzero-app/notzero/internal/types"
)

// KeyValidator 保存前对上游密钥做连通性探测
type KeyValidator func(ctx context.Context, apiKey, projectID string) error

// SaveAPIKeyRequest 保存密钥请求体
type SaveAPIKeyRequest struct {
	APIKey    string `json:"apiKey" binding:"required"`
	ProjectID string `json:"projectId"`
}

// SaveAPIKey 保存用户的上游密钥
// 先用最小窗口探测密钥有效性，探测失败则拒绝保存。
// 保存成功后调用 purge 清空响应缓存，避免旧凭据抓到的数据被新凭据命中。
func SaveAPIKey(creds *store.CredentialStore, validate KeyValidator, purge func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")

		var req SaveAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "请求体缺少 apiKey 字段"})
			return
		}
		req.APIKey = strings.TrimSpace(req.APIKey)
		if req.APIKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "apiKey 不能为空"})
			return
		}

		if validate != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
			defer cancel()
			if err := validate(ctx, req.APIKey, req.ProjectID); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "密钥校验失败: " + err.Error()})
				return
			}
		}

		if err := creds.SaveAPIKey(userID, req.APIKey, req.ProjectID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if purge != nil {
			purge()
		}
		c.JSON(http.StatusOK, gin.H{"message": "密钥已保存"})
	}
}

// GetSettingsStatus 获取用户凭据配置状态（密钥脱敏展示）
func GetSettingsStatus(creds *store.CredentialStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")

		masked, err := creds.MaskedKey(userID)
		if errors.Is(err, types.ErrNotConfigured) {
			c.JSON(http.StatusOK, gin.H{"configured": false})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"configured": true,
			"maskedKey":  masked,
		})
	}
}

// DeleteAPIKey 删除用户凭据
// 删除成功后调用 forget 清理该用户的同步状态、运行记录与响应缓存。
func DeleteAPIKey(creds *store.CredentialStore, forget func(userID string)) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("userId")
		if err := creds.Delete(userID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if forget != nil {
			forget(userID)
		}
		c.JSON(http.StatusOK, gin.H{"message": "密钥已删除"})
	}
}

// Package middleware 提供 gin 中间件。
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/notzero-app/notzero/internal/config"
)

// AccessKeyMiddleware API 访问鉴权
// 支持 x-access-key 请求头或 Bearer token；未配置访问密钥时放行所有请求。
func AccessKeyMiddleware(envCfg *config.EnvConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if envCfg.AccessKey == "" {
			c.Next()
			return
		}

		key := c.GetHeader("x-access-key")
		if key == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if subtle.ConstantTimeCompare([]byte(key), []byte(envCfg.AccessKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "无效的访问密钥"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// Package cache 提供上游查询结果的短时缓存
// 同一凭据下重复的查询形状（endpoint + 时间窗 + 分页游标）直接命中缓存，
// 避免对限速的上游 API 发起冗余请求。
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultSize = 512

// ResponseCache TTL + LRU 的进程内响应缓存
type ResponseCache struct {
	lru *expirable.LRU[string, []byte]
}

// New 创建响应缓存
// size <= 0 时使用默认容量；ttl 为单条缓存的存活时间。
func New(size int, ttl time.Duration) *ResponseCache {
	if size <= 0 {
		size = defaultSize
	}
	return &ResponseCache{
		lru: expirable.NewLRU[string, []byte](size, nil, ttl),
	}
}

// Owner 从凭据派生缓存归属标识
// 缓存是进程级共享的，键必须带上凭据身份，否则不同用户的
// 同形状查询会互相命中对方的组织数据。
func Owner(apiKey, projectID string) string {
	sum := sha256.Sum256([]byte(apiKey + "|" + projectID))
	return hex.EncodeToString(sum[:8])
}

// Key 构造查询形状缓存键
func Key(owner, endpoint string, start, end int64, page string) string {
	return fmt.Sprintf("%s|%s|%d|%d|%s", owner, endpoint, start, end, page)
}

// Get 查询缓存
func (c *ResponseCache) Get(key string) ([]byte, bool) {
	return c.lru.Get(key)
}

// Set 写入缓存
func (c *ResponseCache) Set(key string, value []byte) {
	c.lru.Add(key, value)
}

// Invalidate 使单条缓存失效
func (c *ResponseCache) Invalidate(key string) {
	c.lru.Remove(key)
}

// Purge 清空全部缓存（更换 API 密钥后调用）
func (c *ResponseCache) Purge() {
	c.lru.Purge()
}

// Len 当前缓存条数
func (c *ResponseCache) Len() int {
	return c.lru.Len()
}

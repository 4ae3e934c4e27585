package upstream

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ClientManager HTTP 客户端管理器
// 按超时参数缓存复用 http.Client，避免每次请求重建连接池。
type ClientManager struct {
	mu                    sync.RWMutex
	clients               map[string]*http.Client
	responseHeaderTimeout time.Duration
}

// NewClientManager 创建客户端管理器
func NewClientManager(responseHeaderTimeout time.Duration) *ClientManager {
	return &ClientManager{
		clients:               make(map[string]*http.Client),
		responseHeaderTimeout: responseHeaderTimeout,
	}
}

// Get 获取指定总超时的客户端
func (cm *ClientManager) Get(timeout time.Duration) *http.Client {
	key := fmt.Sprintf("std-%d-%d", timeout, cm.responseHeaderTimeout)

	cm.mu.RLock()
	if client, ok := cm.clients[key]; ok {
		cm.mu.RUnlock()
		return client
	}
	cm.mu.RUnlock()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// 双重检查，避免重复创建
	if client, ok := cm.clients[key]; ok {
		return client
	}

	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cm.responseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}

	cm.clients[key] = client
	return client
}

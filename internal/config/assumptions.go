package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ModelAssumption 单模型的定价与碳排因子
// 能耗与碳排数值来自公开测量与厂商口径，数量级误差在 ±1 以内。
type ModelAssumption struct {
	Model                 string  `json:"model"`
	InputCostPer1kTokens  float64 `json:"inputCostPer1kTokens"`
	OutputCostPer1kTokens float64 `json:"outputCostPer1kTokens"`
	CostPerImage          float64 `json:"costPerImage,omitempty"`
	KWhPer1kTokens        float64 `json:"kWhPer1kTokens"`
	CO2gPer1kTokens       float64 `json:"co2gPer1kTokens"`
}

// AssumptionsManager 模型假设表管理器
// 假设表存储在 JSON 文件中，文件变更时自动热加载。
type AssumptionsManager struct {
	mu        sync.RWMutex
	file      string
	list      []ModelAssumption
	watcher   *fsnotify.Watcher
	stopChan  chan struct{}
	closeOnce sync.Once
}

// defaultAssumptions 内置假设表
// 电网碳强度按 0.475 kg CO₂/kWh（2024 全球均值）折算。
var defaultAssumptions = []ModelAssumption{
	{Model: "gpt-4o", InputCostPer1kTokens: 0.0025, OutputCostPer1kTokens: 0.01, KWhPer1kTokens: 0.000114, CO2gPer1kTokens: 0.054},
	{Model: "gpt-4-turbo", InputCostPer1kTokens: 0.01, OutputCostPer1kTokens: 0.03, KWhPer1kTokens: 0.00012, CO2gPer1kTokens: 0.057},
	{Model: "gpt-4.1-nano", InputCostPer1kTokens: 0.0001, OutputCostPer1kTokens: 0.0004, KWhPer1kTokens: 0.00006, CO2gPer1kTokens: 0.029},
	{Model: "gpt-4", InputCostPer1kTokens: 0.03, OutputCostPer1kTokens: 0.06, KWhPer1kTokens: 0.00014, CO2gPer1kTokens: 0.067},
	{Model: "gpt-3.5-turbo", InputCostPer1kTokens: 0.0015, OutputCostPer1kTokens: 0.002, KWhPer1kTokens: 0.00008, CO2gPer1kTokens: 0.038},
	{Model: "text-embedding-3-small", InputCostPer1kTokens: 0.00002, KWhPer1kTokens: 0.00002, CO2gPer1kTokens: 0.01},
	{Model: "text-embedding-3-large", InputCostPer1kTokens: 0.00013, KWhPer1kTokens: 0.00003, CO2gPer1kTokens: 0.014},
	{Model: "text-embedding-ada-002", InputCostPer1kTokens: 0.0001, KWhPer1kTokens: 0.00003, CO2gPer1kTokens: 0.014},
	{Model: "dall-e-2", CostPerImage: 0.02, KWhPer1kTokens: 0.0005, CO2gPer1kTokens: 0.24},
	{Model: "dall-e-3", CostPerImage: 0.04, KWhPer1kTokens: 0.001, CO2gPer1kTokens: 0.48},
	{Model: "whisper-1", InputCostPer1kTokens: 0.0001, KWhPer1kTokens: 0.00005, CO2gPer1kTokens: 0.024},
	{Model: "tts-1", InputCostPer1kTokens: 0.015, KWhPer1kTokens: 0.0001, CO2gPer1kTokens: 0.048},
}

// defaultAssumption 未匹配任何模型时的兜底因子
var defaultAssumption = ModelAssumption{
	Model:                 "default",
	InputCostPer1kTokens:  0.0015,
	OutputCostPer1kTokens: 0.002,
	KWhPer1kTokens:        0.0001,
	CO2gPer1kTokens:       0.048,
}

// NewAssumptionsManager 创建假设表管理器
// 文件不存在时写入内置默认表；随后启动 fsnotify 监听热加载。
func NewAssumptionsManager(file string) (*AssumptionsManager, error) {
	m := &AssumptionsManager{
		file:     file,
		stopChan: make(chan struct{}),
	}

	if _, err := os.Stat(file); os.IsNotExist(err) {
		if err := m.writeDefaults(); err != nil {
			return nil, fmt.Errorf("写入默认假设表失败: %w", err)
		}
		log.Printf("[Assumptions] 已创建默认模型假设表: %s", file)
	}

	if err := m.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监听器失败: %w", err)
	}
	m.watcher = watcher

	// 监听目录而非文件本身，兼容编辑器的原子替换写入
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("监听假设表目录失败: %w", err)
	}

	go m.watchLoop()

	return m, nil
}

// GetAssumption 查找模型的假设因子
// 先精确匹配，再按前缀匹配（如 gpt-4o-2024-08-06 命中 gpt-4o），最后回落到默认值。
func (m *AssumptionsManager) GetAssumption(model string) ModelAssumption {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.list {
		if a.Model == model {
			return a
		}
	}

	// 前缀匹配：取最长的匹配项，避免 gpt-4 抢走 gpt-4o 的流量
	var best ModelAssumption
	bestLen := 0
	for _, a := range m.list {
		if strings.HasPrefix(model, a.Model) && len(a.Model) > bestLen {
			best = a
			bestLen = len(a.Model)
		}
	}
	if bestLen > 0 {
		return best
	}

	return defaultAssumption
}

// GetAll 返回假设表副本
func (m *AssumptionsManager) GetAll() []ModelAssumption {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ModelAssumption, len(m.list))
	copy(out, m.list)
	return out
}

// load 从文件加载假设表
func (m *AssumptionsManager) load() error {
	data, err := os.ReadFile(m.file)
	if err != nil {
		return fmt.Errorf("读取假设表失败: %w", err)
	}

	var list []ModelAssumption
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("解析假设表失败: %w", err)
	}

	m.mu.Lock()
	m.list = list
	m.mu.Unlock()

	log.Printf("[Assumptions] 已加载 %d 条模型假设", len(list))
	return nil
}

func (m *AssumptionsManager) writeDefaults() error {
	if err := os.MkdirAll(filepath.Dir(m.file), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(defaultAssumptions, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.file, data, 0644)
}

// watchLoop 监听文件变更并热加载
func (m *AssumptionsManager) watchLoop() {
	var reloadTimer *time.Timer

	for {
		select {
		case <-m.stopChan:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.file) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// 去抖：编辑器保存可能触发多次事件
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(200*time.Millisecond, func() {
				if err := m.load(); err != nil {
					log.Printf("[Assumptions] 警告: 热加载失败，沿用旧表: %v", err)
				}
			})
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[Assumptions] 警告: 文件监听错误: %v", err)
		}
	}
}

// Close 停止监听
func (m *AssumptionsManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopChan)
		if m.watcher != nil {
			err = m.watcher.Close()
		}
	})
	return err
}

package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncRun 单次同步运行记录
type SyncRun struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	DurationMs  int64     `json:"durationMs"`
	DaysSynced  int       `json:"daysSynced"`
	RecordCount int       `json:"recordCount"`
	Success     bool      `json:"success"`
	ErrorInfo   string    `json:"errorInfo,omitempty"`
	Backfill    bool      `json:"backfill"`
}

const maxRunLogs = 50

// RunLogStore 同步运行日志存储（内存环形缓冲区）
type RunLogStore struct {
	mu   sync.RWMutex
	logs map[string][]*SyncRun // key: userID
}

func NewRunLogStore() *RunLogStore {
	return &RunLogStore{logs: make(map[string][]*SyncRun)}
}

// NewRun 分配新的运行记录 ID
func NewRun(backfill bool) *SyncRun {
	return &SyncRun{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Backfill:  backfill,
	}
}

func (s *RunLogStore) Record(userID string, run *SyncRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[userID] = append(s.logs[userID], run)
	if len(s.logs[userID]) > maxRunLogs {
		s.logs[userID] = s.logs[userID][len(s.logs[userID])-maxRunLogs:]
	}
}

func (s *RunLogStore) Get(userID string) []*SyncRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.logs[userID]
	if len(src) == 0 {
		return nil
	}
	// 返回副本，按时间倒序（最新在前）
	result := make([]*SyncRun, len(src))
	for i, j := 0, len(src)-1; j >= 0; i, j = i+1, j-1 {
		result[i] = src[j]
	}
	return result
}

// Clear 清除指定用户的运行日志（凭据删除时调用）
func (s *RunLogStore) Clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, userID)
}

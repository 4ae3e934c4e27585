package types

import "time"

// ModelUsage 单个模型在一天内的聚合用量
type ModelUsage struct {
	Requests          int64  `json:"requests"`
	InputTokens       int64  `json:"inputTokens"`
	OutputTokens      int64  `json:"outputTokens"`
	InputCachedTokens int64  `json:"inputCachedTokens,omitempty"`
	InputAudioTokens  int64  `json:"inputAudioTokens,omitempty"`
	OutputAudioTokens int64  `json:"outputAudioTokens,omitempty"`
	ProjectID         string `json:"projectId,omitempty"`
	APIKeyID          string `json:"apiKeyId,omitempty"`
	Batch             string `json:"batch,omitempty"`
}

// IsValid 校验用量数据结构是否合法（所有计数非负）
func (u ModelUsage) IsValid() bool {
	return u.Requests >= 0 &&
		u.InputTokens >= 0 &&
		u.OutputTokens >= 0 &&
		u.InputCachedTokens >= 0 &&
		u.InputAudioTokens >= 0 &&
		u.OutputAudioTokens >= 0
}

// Add 合并另一份用量（同模型同日多条结果时累加）
func (u *ModelUsage) Add(other ModelUsage) {
	u.Requests += other.Requests
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.InputCachedTokens += other.InputCachedTokens
	u.InputAudioTokens += other.InputAudioTokens
	u.OutputAudioTokens += other.OutputAudioTokens
	if u.ProjectID == "" {
		u.ProjectID = other.ProjectID
	}
	if u.APIKeyID == "" {
		u.APIKeyID = other.APIKeyID
	}
	if u.Batch == "" {
		u.Batch = other.Batch
	}
}

// TotalTokens 输入输出 token 合计
func (u ModelUsage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens
}

// UsageResult 上游返回的单条分组结果
// 注意：字段是否出现取决于 endpoint 与 group_by 是否生效，
// 未分组时 Model 为空，由调用方归入 "unknown"。
type UsageResult struct {
	Object            string `json:"object"`
	Model             string `json:"model"`
	NumModelRequests  int64  `json:"num_model_requests"`
	InputTokens       int64  `json:"input_tokens"`
	OutputTokens      int64  `json:"output_tokens"`
	InputCachedTokens int64  `json:"input_cached_tokens"`
	InputAudioTokens  int64  `json:"input_audio_tokens"`
	OutputAudioTokens int64  `json:"output_audio_tokens"`
	NumRequests       int64  `json:"num_requests"`
	ProjectID         string `json:"project_id"`
	APIKeyID          string `json:"api_key_id"`
	Batch             string `json:"batch"`
}

// UsageBucket 上游返回的时间桶（一天一桶）
type UsageBucket struct {
	Endpoint  string        `json:"endpoint,omitempty"`
	Object    string        `json:"object"`
	StartTime int64         `json:"start_time"`
	EndTime   int64         `json:"end_time"`
	Results   []UsageResult `json:"results"`
}

// UsageRecord 持久化的单行用量记录
// 自然键为 (user_id, date, model, endpoint)
type UsageRecord struct {
	UserID            string    `json:"userId"`
	Date              string    `json:"date"`
	Endpoint          string    `json:"endpoint"`
	Model             string    `json:"model"`
	Requests          int64     `json:"requests"`
	InputTokens       int64     `json:"inputTokens"`
	OutputTokens      int64     `json:"outputTokens"`
	InputCachedTokens int64     `json:"inputCachedTokens"`
	InputAudioTokens  int64     `json:"inputAudioTokens"`
	OutputAudioTokens int64     `json:"outputAudioTokens"`
	ProjectID         string    `json:"projectId,omitempty"`
	APIKeyID          string    `json:"apiKeyId,omitempty"`
	Batch             string    `json:"batch,omitempty"`
	Cost              float64   `json:"cost"`
	KWh               float64   `json:"kwh"`
	CO2Grams          float64   `json:"co2Grams"`
	CreatedAt         time.Time `json:"createdAt"`
}

// FetchStatus 每用户抓取状态（每次同步后 upsert）
type FetchStatus struct {
	UserID             string    `json:"userId"`
	LastFetched        time.Time `json:"lastFetched"`
	LastSuccessfulDate string    `json:"lastSuccessfulDate"`
	EndpointsFetched   []string  `json:"endpointsFetched"`
	TotalRecords       int64     `json:"totalRecords"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// SyncStatus 进程内同步运行状态快照（进程重启后从 FetchStatus 重建）
type SyncStatus struct {
	IsRunning         bool       `json:"isRunning"`
	LastSyncTime      *time.Time `json:"lastSyncTime"`
	Error             string     `json:"error,omitempty"`
	NextScheduledSync *time.Time `json:"nextScheduledSync"`
}

// BackfillProgress 历史回填任务进度
type BackfillProgress struct {
	Running        bool       `json:"running"`
	WindowsScanned int        `json:"windowsScanned"`
	DaysFound      int        `json:"daysFound"`
	EmptyStreak    int        `json:"emptyStreak"`
	Done           bool       `json:"done"`
	Error          string     `json:"error,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

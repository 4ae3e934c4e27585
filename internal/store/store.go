// Package store 提供用量数据的 SQLite 持久化。
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/notzero-app/notzero/internal/types"
	"github.com/notzero-app/notzero/internal/utils"
)

// Store SQLite 用量存储
// 自然键 (user_id, date, model, endpoint) 保证同步幂等。
type Store struct {
	db     *sql.DB
	dbPath string

	// 历史回填完成标记的内存缓存，避免每轮调度都查库
	flagMu    sync.RWMutex
	flagCache map[string]bool

	now func() time.Time
}

// Totals 聚合统计结果
type Totals struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	Cost         float64 `json:"cost"`
	KWh          float64 `json:"kwh"`
	CO2Grams     float64 `json:"co2Grams"`
}

// DailySummary 按日聚合
type DailySummary struct {
	Date string `json:"date"`
	Totals
}

// BreakdownRow 按模型或端点的聚合行
type BreakdownRow struct {
	Key string `json:"key"`
	Totals
}

// NewStore 打开数据库并初始化表结构
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}

	// WAL 模式 + NORMAL 同步，modernc.org/sqlite 使用 _pragma= 语法
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	// SQLite 单写入连接
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库 schema 失败: %w", err)
	}

	log.Printf("[Store] 用量存储已初始化: %s", dbPath)
	return &Store{
		db:        db,
		dbPath:    dbPath,
		flagCache: make(map[string]bool),
		now:       time.Now,
	}, nil
}

// initSchema 初始化数据库表结构
func initSchema(db *sql.DB) error {
	schema := `
		-- 用量记录表，自然键去重
		CREATE TABLE IF NOT EXISTS usage_data (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			date TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			model TEXT NOT NULL,
			requests INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			input_cached_tokens INTEGER NOT NULL DEFAULT 0,
			input_audio_tokens INTEGER NOT NULL DEFAULT 0,
			output_audio_tokens INTEGER NOT NULL DEFAULT 0,
			project_id TEXT NOT NULL DEFAULT '',
			api_key_id TEXT NOT NULL DEFAULT '',
			cost REAL NOT NULL DEFAULT 0,
			co2_grams REAL NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			UNIQUE(user_id, date, model, endpoint)
		);

		CREATE INDEX IF NOT EXISTS idx_usage_user_date ON usage_data(user_id, date);

		-- 每用户抓取状态
		CREATE TABLE IF NOT EXISTS data_fetch_status (
			user_id TEXT PRIMARY KEY,
			last_fetched INTEGER NOT NULL,
			last_successful_date TEXT NOT NULL DEFAULT '',
			endpoints_fetched TEXT NOT NULL DEFAULT '',
			total_records INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);

		-- 历史回填完成标记
		CREATE TABLE IF NOT EXISTS historical_flags (
			user_id TEXT PRIMARY KEY,
			completed_at INTEGER NOT NULL
		);

		-- 加密存储的上游凭据
		CREATE TABLE IF NOT EXISTS api_credentials (
			user_id TEXT PRIMARY KEY,
			encrypted_key TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}

	// 版本迁移：使用 user_version PRAGMA 检测 schema 版本
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}

	if version < 1 {
		// v0 -> v1: 添加 batch 列（区分批量接口流量）
		migrations := []string{
			"ALTER TABLE usage_data ADD COLUMN batch TEXT NOT NULL DEFAULT ''",
			"PRAGMA user_version = 1",
		}
		for _, stmt := range migrations {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("migration v0->v1 failed: %w", err)
			}
		}
		log.Printf("[Store-Migration] schema 升级: v0 -> v1 (添加 batch 列)")
	}

	if version < 2 {
		// v1 -> v2: 添加 kwh 列（按用量估算的耗电量）
		migrations := []string{
			"ALTER TABLE usage_data ADD COLUMN kwh REAL NOT NULL DEFAULT 0",
			"PRAGMA user_version = 2",
		}
		for _, stmt := range migrations {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("migration v1->v2 failed: %w", err)
			}
		}
		log.Printf("[Store-Migration] schema 升级: v1 -> v2 (添加 kwh 列)")
	}

	return nil
}

// UpsertRecords 批量写入用量记录
// 同一自然键重复写入时覆盖计数字段；成本字段只增不清零，
// 新值为 0 时保留旧值，避免成本端点缺数时抹掉已对账的金额。
// 返回实际写入的行数，非法记录跳过并告警。
func (s *Store) UpsertRecords(records []types.UsageRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, types.NewStoreError(err, true)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO usage_data
		(user_id, date, endpoint, model, requests, input_tokens, output_tokens,
		 input_cached_tokens, input_audio_tokens, output_audio_tokens,
		 project_id, api_key_id, batch, cost, kwh, co2_grams, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, date, model, endpoint) DO UPDATE SET
			requests = excluded.requests,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			input_cached_tokens = excluded.input_cached_tokens,
			input_audio_tokens = excluded.input_audio_tokens,
			output_audio_tokens = excluded.output_audio_tokens,
			project_id = excluded.project_id,
			api_key_id = excluded.api_key_id,
			batch = excluded.batch,
			cost = CASE WHEN excluded.cost > 0 THEN excluded.cost ELSE usage_data.cost END,
			kwh = excluded.kwh,
			co2_grams = excluded.co2_grams
	`)
	if err != nil {
		return 0, types.NewStoreError(err, true)
	}
	defer stmt.Close()

	written := 0
	for _, r := range records {
		if !s.isValidRecord(r) {
			log.Printf("[Store] 警告: 跳过非法用量记录 user=%s date=%s model=%s endpoint=%s",
				utils.MaskUserID(r.UserID), r.Date, r.Model, r.Endpoint)
			continue
		}
		_, err := stmt.Exec(
			r.UserID, r.Date, r.Endpoint, r.Model,
			r.Requests, r.InputTokens, r.OutputTokens,
			r.InputCachedTokens, r.InputAudioTokens, r.OutputAudioTokens,
			r.ProjectID, r.APIKeyID, r.Batch, r.Cost, r.KWh, r.CO2Grams,
			s.now().Unix(),
		)
		if err != nil {
			return written, types.NewStoreError(err, true)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, types.NewStoreError(err, true)
	}
	return written, nil
}

func (s *Store) isValidRecord(r types.UsageRecord) bool {
	if r.UserID == "" || r.Model == "" || r.Endpoint == "" {
		return false
	}
	if !utils.IsValidDate(r.Date) {
		return false
	}
	return r.Requests >= 0 && r.InputTokens >= 0 && r.OutputTokens >= 0 &&
		r.InputCachedTokens >= 0 && r.InputAudioTokens >= 0 && r.OutputAudioTokens >= 0
}

// ApplyDayCost 将成本端点返回的按日金额摊入当日用量行
// 按各行已估算成本的比例分摊；估算全为零时按 token 量分摊。
func (s *Store) ApplyDayCost(userID, date string, amount float64) error {
	if amount <= 0 {
		return nil
	}

	rows, err := s.db.Query(`
		SELECT id, cost, input_tokens + output_tokens
		FROM usage_data WHERE user_id = ? AND date = ?
	`, userID, date)
	if err != nil {
		return types.NewStoreError(err, true)
	}

	type rowWeight struct {
		id     int64
		weight float64
	}
	var list []rowWeight
	var totalCost, totalTokens float64
	for rows.Next() {
		var id int64
		var cost, tokens float64
		if err := rows.Scan(&id, &cost, &tokens); err != nil {
			rows.Close()
			return types.NewStoreError(err, false)
		}
		list = append(list, rowWeight{id: id, weight: cost})
		totalCost += cost
		totalTokens += tokens
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return types.NewStoreError(err, true)
	}
	if len(list) == 0 {
		return nil
	}

	// 估算成本全为零时退回 token 权重，再退回均摊
	if totalCost <= 0 {
		rows, err := s.db.Query(`
			SELECT id, input_tokens + output_tokens
			FROM usage_data WHERE user_id = ? AND date = ?
		`, userID, date)
		if err != nil {
			return types.NewStoreError(err, true)
		}
		list = list[:0]
		for rows.Next() {
			var id int64
			var tokens float64
			if err := rows.Scan(&id, &tokens); err != nil {
				rows.Close()
				return types.NewStoreError(err, false)
			}
			list = append(list, rowWeight{id: id, weight: tokens})
		}
		rows.Close()
		totalCost = totalTokens
	}

	tx, err := s.db.Begin()
	if err != nil {
		return types.NewStoreError(err, true)
	}
	defer tx.Rollback()

	for _, rw := range list {
		var share float64
		if totalCost > 0 {
			share = amount * rw.weight / totalCost
		} else {
			share = amount / float64(len(list))
		}
		if _, err := tx.Exec("UPDATE usage_data SET cost = ? WHERE id = ?", share, rw.id); err != nil {
			return types.NewStoreError(err, true)
		}
	}
	return tx.Commit()
}

const recordColumns = `user_id, date, endpoint, model, requests, input_tokens, output_tokens,
	input_cached_tokens, input_audio_tokens, output_audio_tokens,
	project_id, api_key_id, batch, cost, kwh, co2_grams, created_at`

func scanRecord(rows *sql.Rows) (types.UsageRecord, error) {
	var r types.UsageRecord
	var createdAt int64
	err := rows.Scan(
		&r.UserID, &r.Date, &r.Endpoint, &r.Model,
		&r.Requests, &r.InputTokens, &r.OutputTokens,
		&r.InputCachedTokens, &r.InputAudioTokens, &r.OutputAudioTokens,
		&r.ProjectID, &r.APIKeyID, &r.Batch, &r.Cost, &r.KWh, &r.CO2Grams, &createdAt,
	)
	r.CreatedAt = time.Unix(createdAt, 0)
	return r, err
}

// FetchRange 读取用户在日期区间内的全部记录（闭区间）
func (s *Store) FetchRange(userID, startDate, endDate string) ([]types.UsageRecord, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s FROM usage_data
		WHERE user_id = ? AND date >= ? AND date <= ?
		ORDER BY date ASC, endpoint ASC, model ASC
	`, recordColumns), userID, startDate, endDate)
	if err != nil {
		return nil, types.NewStoreError(err, true)
	}
	defer rows.Close()

	var records []types.UsageRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, types.NewStoreError(err, false)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Aggregate 区间总量
func (s *Store) Aggregate(userID, startDate, endDate string) (Totals, error) {
	var t Totals
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(requests),0), COALESCE(SUM(input_tokens),0),
		       COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost),0),
		       COALESCE(SUM(kwh),0), COALESCE(SUM(co2_grams),0)
		FROM usage_data
		WHERE user_id = ? AND date >= ? AND date <= ?
	`, userID, startDate, endDate).Scan(&t.Requests, &t.InputTokens, &t.OutputTokens, &t.Cost, &t.KWh, &t.CO2Grams)
	if err != nil {
		return Totals{}, types.NewStoreError(err, true)
	}
	return t, nil
}

// DailySummaries 按日聚合
func (s *Store) DailySummaries(userID, startDate, endDate string) ([]DailySummary, error) {
	rows, err := s.db.Query(`
		SELECT date, SUM(requests), SUM(input_tokens), SUM(output_tokens), SUM(cost), SUM(kwh), SUM(co2_grams)
		FROM usage_data
		WHERE user_id = ? AND date >= ? AND date <= ?
		GROUP BY date ORDER BY date ASC
	`, userID, startDate, endDate)
	if err != nil {
		return nil, types.NewStoreError(err, true)
	}
	defer rows.Close()

	var out []DailySummary
	for rows.Next() {
		var d DailySummary
		if err := rows.Scan(&d.Date, &d.Requests, &d.InputTokens, &d.OutputTokens, &d.Cost, &d.KWh, &d.CO2Grams); err != nil {
			return nil, types.NewStoreError(err, false)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// breakdown 按指定维度列聚合
func (s *Store) breakdown(column, userID, startDate, endDate string) ([]BreakdownRow, error) {
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT %s, SUM(requests), SUM(input_tokens), SUM(output_tokens), SUM(cost), SUM(kwh), SUM(co2_grams)
		FROM usage_data
		WHERE user_id = ? AND date >= ? AND date <= ?
		GROUP BY %s ORDER BY SUM(cost) DESC
	`, column, column), userID, startDate, endDate)
	if err != nil {
		return nil, types.NewStoreError(err, true)
	}
	defer rows.Close()

	var out []BreakdownRow
	for rows.Next() {
		var b BreakdownRow
		if err := rows.Scan(&b.Key, &b.Requests, &b.InputTokens, &b.OutputTokens, &b.Cost, &b.KWh, &b.CO2Grams); err != nil {
			return nil, types.NewStoreError(err, false)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ModelBreakdown 按模型聚合
func (s *Store) ModelBreakdown(userID, startDate, endDate string) ([]BreakdownRow, error) {
	return s.breakdown("model", userID, startDate, endDate)
}

// EndpointBreakdown 按端点聚合
func (s *Store) EndpointBreakdown(userID, startDate, endDate string) ([]BreakdownRow, error) {
	return s.breakdown("endpoint", userID, startDate, endDate)
}

// HasDataForRange 区间内是否存在任何记录
func (s *Store) HasDataForRange(userID, startDate, endDate string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(1) FROM usage_data
		WHERE user_id = ? AND date >= ? AND date <= ? LIMIT 1
	`, userID, startDate, endDate).Scan(&n)
	if err != nil {
		return false, types.NewStoreError(err, true)
	}
	return n > 0, nil
}

// EarliestDate 用户最早的记录日期，无数据时返回空串
func (s *Store) EarliestDate(userID string) (string, error) {
	var date sql.NullString
	err := s.db.QueryRow("SELECT MIN(date) FROM usage_data WHERE user_id = ?", userID).Scan(&date)
	if err != nil {
		return "", types.NewStoreError(err, true)
	}
	return date.String, nil
}

// CoverageDays 用户有数据的不同天数
func (s *Store) CoverageDays(userID string) (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(DISTINCT date) FROM usage_data WHERE user_id = ?", userID).Scan(&n)
	if err != nil {
		return 0, types.NewStoreError(err, true)
	}
	return n, nil
}

// TotalRecordCount 用户总记录数
func (s *Store) TotalRecordCount(userID string) (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM usage_data WHERE user_id = ?", userID).Scan(&n)
	if err != nil {
		return 0, types.NewStoreError(err, true)
	}
	return n, nil
}

// HasSufficientHistoricalData 历史数据是否已足够
// 有效天数达到 90 天，或最早记录距今超过 90 天，两者任一成立即算完成。
func (s *Store) HasSufficientHistoricalData(userID string, requiredDays int) (bool, error) {
	days, err := s.CoverageDays(userID)
	if err != nil {
		return false, err
	}
	if days >= requiredDays {
		return true, nil
	}
	return s.HasReachedHistoryBoundary(userID, requiredDays)
}

// HasReachedHistoryBoundary 最早记录是否已早于 days 天前
func (s *Store) HasReachedHistoryBoundary(userID string, days int) (bool, error) {
	earliest, err := s.EarliestDate(userID)
	if err != nil {
		return false, err
	}
	if earliest == "" {
		return false, nil
	}
	return utils.DaysSince(earliest, s.now()) >= days, nil
}

// CleanupOldData 清理保留期之外的记录
func (s *Store) CleanupOldData(retentionDays int) (int64, error) {
	cutoff := utils.FormatDate(s.now().AddDate(0, 0, -retentionDays))
	result, err := s.db.Exec("DELETE FROM usage_data WHERE date < ?", cutoff)
	if err != nil {
		return 0, types.NewStoreError(err, true)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		log.Printf("[Store-Cleanup] 已清理 %d 条过期用量记录（早于 %s）", deleted, cutoff)
	}
	return deleted, nil
}

// UpsertFetchStatus 更新用户抓取状态
func (s *Store) UpsertFetchStatus(st types.FetchStatus) error {
	_, err := s.db.Exec(`
		INSERT INTO data_fetch_status
		(user_id, last_fetched, last_successful_date, endpoints_fetched, total_records, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_fetched = excluded.last_fetched,
			last_successful_date = excluded.last_successful_date,
			endpoints_fetched = excluded.endpoints_fetched,
			total_records = excluded.total_records,
			updated_at = excluded.updated_at
	`, st.UserID, st.LastFetched.Unix(), st.LastSuccessfulDate,
		strings.Join(st.EndpointsFetched, ","), st.TotalRecords, s.now().Unix())
	if err != nil {
		return types.NewStoreError(err, true)
	}
	return nil
}

// GetFetchStatus 读取用户抓取状态，无记录时返回 nil
func (s *Store) GetFetchStatus(userID string) (*types.FetchStatus, error) {
	var st types.FetchStatus
	var lastFetched, updatedAt int64
	var endpoints string
	err := s.db.QueryRow(`
		SELECT user_id, last_fetched, last_successful_date, endpoints_fetched, total_records, updated_at
		FROM data_fetch_status WHERE user_id = ?
	`, userID).Scan(&st.UserID, &lastFetched, &st.LastSuccessfulDate, &endpoints, &st.TotalRecords, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStoreError(err, true)
	}
	st.LastFetched = time.Unix(lastFetched, 0)
	st.UpdatedAt = time.Unix(updatedAt, 0)
	if endpoints != "" {
		st.EndpointsFetched = strings.Split(endpoints, ",")
	}
	return &st, nil
}

// SetHistoricalComplete 标记用户历史回填已完成
func (s *Store) SetHistoricalComplete(userID string) error {
	_, err := s.db.Exec(`
		INSERT INTO historical_flags (user_id, completed_at) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET completed_at = excluded.completed_at
	`, userID, s.now().Unix())
	if err != nil {
		return types.NewStoreError(err, true)
	}
	s.flagMu.Lock()
	s.flagCache[userID] = true
	s.flagMu.Unlock()
	return nil
}

// IsHistoricalComplete 用户历史回填是否已完成
func (s *Store) IsHistoricalComplete(userID string) (bool, error) {
	s.flagMu.RLock()
	if done, ok := s.flagCache[userID]; ok {
		s.flagMu.RUnlock()
		return done, nil
	}
	s.flagMu.RUnlock()

	var n int
	err := s.db.QueryRow("SELECT COUNT(1) FROM historical_flags WHERE user_id = ?", userID).Scan(&n)
	if err != nil {
		return false, types.NewStoreError(err, true)
	}
	done := n > 0
	s.flagMu.Lock()
	s.flagCache[userID] = done
	s.flagMu.Unlock()
	return done, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	return s.db.Close()
}

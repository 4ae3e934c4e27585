// Package upstream 封装对组织用量与成本 API 的访问。
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/notzero-app/notzero/internal/cache"
	"github.com/notzero-app/notzero/internal/config"
	"github.com/notzero-app/notzero/internal/types"
)

// Endpoints 需要同步的用量端点
var Endpoints = []string{
	"completions",
	"embeddings",
	"images",
	"moderations",
	"audio_transcriptions",
	"audio_speeches",
	"code_interpreter_sessions",
	"vector_stores",
}

// groupByEndpoints 支持 group_by=model 的端点
// 其余端点上游会拒绝该参数。
var groupByEndpoints = map[string]bool{
	"completions": true,
	"embeddings":  true,
	"images":      true,
	"moderations": true,
}

// ErrEndpointUnsupported 该组织不支持此端点（上游返回 404）
// 不可重试：重试不会让端点出现，调用方按跳过处理。
var ErrEndpointUnsupported = &types.AppError{
	Code:      "ENDPOINT_UNSUPPORTED",
	Message:   "端点不受支持",
	Status:    http.StatusNotFound,
	Retryable: false,
}

const (
	pageLimit     = 31
	pageDelay     = 200 * time.Millisecond
	maxPages      = 60
	probeEndpoint = "completions"
)

// Fetcher 上游用量数据抓取器
type Fetcher struct {
	apiKey     string
	projectID  string
	usageBase  string
	costBase   string
	timeout    time.Duration
	clients    *ClientManager
	cache      *cache.ResponseCache
	cacheOwner string
}

// NewFetcher 创建抓取器
// projectID 为空时抓取组织全量数据。
func NewFetcher(cfg *config.EnvConfig, apiKey, projectID string, clients *ClientManager, rc *cache.ResponseCache) *Fetcher {
	return &Fetcher{
		apiKey:     apiKey,
		projectID:  projectID,
		usageBase:  cfg.UsageAPIBase,
		costBase:   cfg.CostAPIBase,
		timeout:    time.Duration(cfg.RequestTimeout) * time.Second,
		clients:    clients,
		cache:      rc,
		cacheOwner: cache.Owner(apiKey, projectID),
	}
}

// Endpoints 返回端点列表
func (f *Fetcher) Endpoints() []string {
	return Endpoints
}

// FetchWindow 抓取单端点在时间窗口内的全部分页数据
// 按 next_page 游标翻页直到末页，页间带短延迟避免触发限流。
func (f *Fetcher) FetchWindow(ctx context.Context, endpoint string, start, end int64) ([]types.UsageBucket, error) {
	var all []types.UsageBucket
	page := ""

	for i := 0; i < maxPages; i++ {
		buckets, nextPage, err := f.fetchSlice(ctx, endpoint, start, end, page)
		if err != nil {
			return nil, err
		}
		all = append(all, buckets...)

		if nextPage == "" {
			return all, nil
		}
		page = nextPage

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pageDelay):
		}
	}
	return nil, fmt.Errorf("端点 %s 翻页超过 %d 页，中止抓取", endpoint, maxPages)
}

// fetchSlice 抓取单页数据
// 对支持的端点带 bucket_width=1d 与 group_by=model；遇 400 降级为不分组重试一次。
func (f *Fetcher) fetchSlice(ctx context.Context, endpoint string, start, end int64, page string) ([]types.UsageBucket, string, error) {
	key := cache.Key(f.cacheOwner, endpoint, start, end, page)
	if f.cache != nil {
		if body, ok := f.cache.Get(key); ok {
			return f.parseUsageBody(endpoint, body)
		}
	}

	grouped := groupByEndpoints[endpoint]
	body, status, err := f.doUsageRequest(ctx, endpoint, start, end, page, grouped)
	if err != nil {
		return nil, "", err
	}

	switch {
	case status == http.StatusNotFound:
		return nil, "", ErrEndpointUnsupported
	case status == http.StatusBadRequest && grouped:
		// 个别组织的用量 API 不接受 group_by，降级为不分组再试
		log.Printf("[Fetcher] 端点 %s 不接受分组参数，降级为不分组抓取", endpoint)
		body, status, err = f.doUsageRequest(ctx, endpoint, start, end, page, false)
		if err != nil {
			return nil, "", err
		}
	}

	if status != http.StatusOK {
		return nil, "", f.upstreamError(status, body)
	}

	if f.cache != nil {
		f.cache.Set(key, body)
	}
	return f.parseUsageBody(endpoint, body)
}

// doUsageRequest 发起一次用量请求，返回响应体与状态码
func (f *Fetcher) doUsageRequest(ctx context.Context, endpoint string, start, end int64, page string, grouped bool) ([]byte, int, error) {
	params := url.Values{}
	params.Set("start_time", strconv.FormatInt(start, 10))
	params.Set("end_time", strconv.FormatInt(end, 10))
	params.Set("limit", strconv.Itoa(pageLimit))
	if grouped {
		params.Set("bucket_width", "1d")
		params.Set("group_by", "model")
	}
	if page != "" {
		params.Set("page", page)
	}
	if f.projectID != "" {
		params.Set("project_ids", f.projectID)
	}

	reqURL := fmt.Sprintf("%s/%s?%s", f.usageBase, endpoint, params.Encode())
	return f.doRequest(ctx, reqURL)
}

func (f *Fetcher) doRequest(ctx context.Context, reqURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.clients.Get(f.timeout).Do(req)
	if err != nil {
		return nil, 0, types.NewNetworkError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, types.NewNetworkError(err)
	}
	return body, resp.StatusCode, nil
}

// upstreamError 根据状态码与响应体构造错误
func (f *Fetcher) upstreamError(status int, body []byte) error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = fmt.Sprintf("上游返回状态码 %d", status)
	}
	return types.NewUpstreamError(status, msg)
}

// parseUsageBody 解析用量响应
// 响应结构: {"data": [{"start_time":..., "end_time":..., "results":[...]}], "next_page": "..."}
func (f *Fetcher) parseUsageBody(endpoint string, body []byte) ([]types.UsageBucket, string, error) {
	root := gjson.ParseBytes(body)
	if !root.Get("data").Exists() {
		return nil, "", types.NewUpstreamError(http.StatusBadGateway, "上游响应缺少 data 字段")
	}

	var buckets []types.UsageBucket
	root.Get("data").ForEach(func(_, b gjson.Result) bool {
		bucket := types.UsageBucket{
			Endpoint:  endpoint,
			Object:    b.Get("object").String(),
			StartTime: b.Get("start_time").Int(),
			EndTime:   b.Get("end_time").Int(),
		}
		b.Get("results").ForEach(func(_, r gjson.Result) bool {
			res := types.UsageResult{
				Object:            r.Get("object").String(),
				NumModelRequests:  r.Get("num_model_requests").Int(),
				NumRequests:       r.Get("num_requests").Int(),
				InputTokens:       r.Get("input_tokens").Int(),
				OutputTokens:      r.Get("output_tokens").Int(),
				InputCachedTokens: r.Get("input_cached_tokens").Int(),
				InputAudioTokens:  r.Get("input_audio_tokens").Int(),
				OutputAudioTokens: r.Get("output_audio_tokens").Int(),
				Model:             r.Get("model").String(),
				ProjectID:         r.Get("project_id").String(),
				APIKeyID:          r.Get("api_key_id").String(),
				Batch:             r.Get("batch").String(),
			}
			// 不分组抓取没有模型维度，统一归入 unknown
			if res.Model == "" {
				res.Model = "unknown"
			}
			bucket.Results = append(bucket.Results, res)
			return true
		})
		buckets = append(buckets, bucket)
		return true
	})

	return buckets, root.Get("next_page").String(), nil
}

// FetchCosts 抓取时间窗口内按天的成本
// 返回 日期(YYYY-MM-DD) → 美元金额 的映射。
func (f *Fetcher) FetchCosts(ctx context.Context, start, end int64) (map[string]float64, error) {
	costs := make(map[string]float64)
	page := ""

	for i := 0; i < maxPages; i++ {
		params := url.Values{}
		params.Set("start_time", strconv.FormatInt(start, 10))
		params.Set("end_time", strconv.FormatInt(end, 10))
		params.Set("limit", strconv.Itoa(pageLimit))
		if page != "" {
			params.Set("page", page)
		}
		if f.projectID != "" {
			params.Set("project_ids", f.projectID)
		}

		body, status, err := f.doRequest(ctx, f.costBase+"?"+params.Encode())
		if err != nil {
			return nil, err
		}
		if status == http.StatusNotFound {
			// 成本端点对部分密钥不可见，按无数据处理
			return costs, nil
		}
		if status != http.StatusOK {
			return nil, f.upstreamError(status, body)
		}

		root := gjson.ParseBytes(body)
		root.Get("data").ForEach(func(_, b gjson.Result) bool {
			date := time.Unix(b.Get("start_time").Int(), 0).UTC().Format("2006-01-02")
			b.Get("results").ForEach(func(_, r gjson.Result) bool {
				costs[date] += r.Get("amount.value").Float()
				return true
			})
			return true
		})

		next := root.Get("next_page").String()
		if next == "" {
			return costs, nil
		}
		page = next

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pageDelay):
		}
	}
	return nil, fmt.Errorf("成本数据翻页超过 %d 页，中止抓取", maxPages)
}

// TestConnection 用最小窗口探测密钥有效性
func (f *Fetcher) TestConnection(ctx context.Context) error {
	now := time.Now().Unix()
	_, _, err := f.fetchSlice(ctx, probeEndpoint, now-86400, now, "")
	if errors.Is(err, ErrEndpointUnsupported) {
		return nil
	}
	return err
}

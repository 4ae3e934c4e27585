package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/notzero-app/notzero/internal/cache"
	"github.com/notzero-app/notzero/internal/config"
	"github.com/notzero-app/notzero/internal/retry"
	"github.com/notzero-app/notzero/internal/types"
)

func newTestFetcher(t *testing.T, handler http.Handler) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.EnvConfig{
		UsageAPIBase:          srv.URL + "/usage",
		CostAPIBase:           srv.URL + "/costs",
		RequestTimeout:        5,
		ResponseHeaderTimeout: 5,
	}
	clients := NewClientManager(5 * time.Second)
	return NewFetcher(cfg, "sk-test", "", clients, nil)
}

func TestFetchWindowPagination(t *testing.T) {
	// 三页数据，验证游标翻页抓全
	pages := map[string]string{
		"": `{"data":[{"object":"bucket","start_time":1,"end_time":2,"results":[
			{"num_model_requests":1,"input_tokens":100,"output_tokens":50,"model":"gpt-4o"}]}],
			"next_page":"p2"}`,
		"p2": `{"data":[{"object":"bucket","start_time":2,"end_time":3,"results":[
			{"num_model_requests":2,"input_tokens":200,"output_tokens":80,"model":"gpt-4o"}]}],
			"next_page":"p3"}`,
		"p3": `{"data":[{"object":"bucket","start_time":3,"end_time":4,"results":[
			{"num_model_requests":3,"input_tokens":300,"output_tokens":90,"model":"gpt-3.5-turbo"}]}]}`,
	}

	var requests int
	f := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.URL.Query().Get("bucket_width") != "1d" {
			t.Errorf("completions 请求应带 bucket_width=1d")
		}
		fmt.Fprint(w, pages[r.URL.Query().Get("page")])
	}))

	buckets, err := f.FetchWindow(context.Background(), "completions", 0, 100)
	if err != nil {
		t.Fatalf("FetchWindow 失败: %v", err)
	}
	if requests != 3 {
		t.Errorf("应发起 3 次请求, got %d", requests)
	}
	if len(buckets) != 3 {
		t.Fatalf("应返回 3 个时间桶, got %d", len(buckets))
	}
	if buckets[2].Results[0].Model != "gpt-3.5-turbo" {
		t.Errorf("末页数据丢失: %+v", buckets[2])
	}
}

func TestFetchWindowGroupByFallback(t *testing.T) {
	var ungroupedHit bool
	f := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("group_by") != "" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"group_by is not supported"}}`)
			return
		}
		ungroupedHit = true
		fmt.Fprint(w, `{"data":[{"start_time":1,"end_time":2,"results":[
			{"num_model_requests":4,"input_tokens":10,"output_tokens":5}]}]}`)
	}))

	buckets, err := f.FetchWindow(context.Background(), "completions", 0, 100)
	if err != nil {
		t.Fatalf("降级重试失败: %v", err)
	}
	if !ungroupedHit {
		t.Fatal("遇 400 后未发起不分组重试")
	}
	if buckets[0].Results[0].Model != "unknown" {
		t.Errorf("不分组结果应归入 unknown 模型, got %q", buckets[0].Results[0].Model)
	}
}

func TestFetchWindowEndpointUnsupported(t *testing.T) {
	f := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := f.FetchWindow(context.Background(), "vector_stores", 0, 100)
	if !errors.Is(err, ErrEndpointUnsupported) {
		t.Errorf("404 应映射为 ErrEndpointUnsupported, got %v", err)
	}
}

func TestEndpointUnsupportedNotRetried(t *testing.T) {
	// 不支持的端点重试再多次也不会出现，必须判定为不可重试
	if types.IsRetryable(ErrEndpointUnsupported) {
		t.Fatal("ErrEndpointUnsupported 不应可重试")
	}

	var hits int
	f := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusNotFound)
	}))

	err := retry.WithRetry(context.Background(), func() error {
		_, ferr := f.FetchWindow(context.Background(), "vector_stores", 0, 100)
		return ferr
	}, 3, time.Millisecond)

	if !errors.Is(err, ErrEndpointUnsupported) {
		t.Fatalf("err = %v", err)
	}
	if hits != 1 {
		t.Errorf("404 不应重试, 实际请求 %d 次", hits)
	}
}

func TestCacheIsolatedPerCredential(t *testing.T) {
	// 服务端把请求的密钥回显到模型名里，两个用户各自应拿到自己的数据
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		fmt.Fprintf(w, `{"data":[{"start_time":1,"end_time":2,"results":[
			{"num_model_requests":1,"input_tokens":10,"output_tokens":5,"model":"owned-by-%s"}]}]}`, key)
	}))
	defer srv.Close()

	cfg := &config.EnvConfig{
		UsageAPIBase:          srv.URL + "/usage",
		CostAPIBase:           srv.URL + "/costs",
		RequestTimeout:        5,
		ResponseHeaderTimeout: 5,
	}
	clients := NewClientManager(5 * time.Second)
	shared := cache.New(8, time.Minute)

	alice := NewFetcher(cfg, "sk-alice", "", clients, shared)
	bob := NewFetcher(cfg, "sk-bob", "", clients, shared)

	got, err := alice.FetchWindow(context.Background(), "completions", 0, 100)
	if err != nil {
		t.Fatalf("FetchWindow 失败: %v", err)
	}
	if got[0].Results[0].Model != "owned-by-sk-alice" {
		t.Fatalf("意外的数据归属: %q", got[0].Results[0].Model)
	}

	// 同形状查询换一个凭据发起，不能命中上一个用户的缓存
	got, err = bob.FetchWindow(context.Background(), "completions", 0, 100)
	if err != nil {
		t.Fatalf("FetchWindow 失败: %v", err)
	}
	if got[0].Results[0].Model != "owned-by-sk-bob" {
		t.Errorf("不同凭据间缓存串用: %q", got[0].Results[0].Model)
	}

	// 同凭据的重复查询仍走缓存
	if shared.Len() != 2 {
		t.Errorf("缓存条数 = %d, want 2", shared.Len())
	}
}

func TestFetchWindowErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"认证失败不可重试", http.StatusUnauthorized, false},
		{"无权限不可重试", http.StatusForbidden, false},
		{"限流可重试", http.StatusTooManyRequests, true},
		{"服务端错误可重试", http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"boom"}}`)
			}))

			_, err := f.FetchWindow(context.Background(), "embeddings", 0, 100)
			if err == nil {
				t.Fatal("应返回错误")
			}
			if got := types.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestFetchCosts(t *testing.T) {
	day := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Unix()
	f := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[
			{"start_time":%d,"results":[{"amount":{"value":1.25,"currency":"usd"}},{"amount":{"value":0.75,"currency":"usd"}}]},
			{"start_time":%d,"results":[{"amount":{"value":3.5,"currency":"usd"}}]}]}`, day, day+86400)
	}))

	costs, err := f.FetchCosts(context.Background(), day, day+2*86400)
	if err != nil {
		t.Fatalf("FetchCosts 失败: %v", err)
	}
	if costs["2026-08-01"] != 2.0 {
		t.Errorf("同日成本应累加, got %v", costs["2026-08-01"])
	}
	if costs["2026-08-02"] != 3.5 {
		t.Errorf("costs[2026-08-02] = %v", costs["2026-08-02"])
	}
}

func TestTestConnection(t *testing.T) {
	f := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid key"}}`)
	}))

	if err := f.TestConnection(context.Background()); err == nil {
		t.Error("无效密钥应探测失败")
	}

	ok := newTestFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	}))
	if err := ok.TestConnection(context.Background()); err != nil {
		t.Errorf("有效密钥探测应成功: %v", err)
	}
}

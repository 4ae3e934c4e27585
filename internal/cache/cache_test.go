package cache

import (
	"testing"
	"time"
)

func TestCacheRoundTrip(t *testing.T) {
	c := New(8, time.Minute)
	key := Key(Owner("sk-a", ""), "completions", 1000, 2000, "")

	if _, ok := c.Get(key); ok {
		t.Fatal("空缓存不应命中")
	}

	c.Set(key, []byte(`{"data":[]}`))

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("写入后应命中")
	}
	if string(got) != `{"data":[]}` {
		t.Errorf("got = %s", got)
	}
}

func TestCacheKeyShape(t *testing.T) {
	owner := Owner("sk-a", "")

	// 不同查询形状必须映射到不同的键
	a := Key(owner, "completions", 1000, 2000, "")
	b := Key(owner, "completions", 1000, 2000, "page2")
	d := Key(owner, "embeddings", 1000, 2000, "")

	if a == b || a == d || b == d {
		t.Errorf("查询形状键冲突: %q %q %q", a, b, d)
	}
}

func TestCacheKeyOwnerIsolation(t *testing.T) {
	// 相同查询形状、不同凭据，键必须不同
	a := Key(Owner("sk-alice", ""), "completions", 1000, 2000, "")
	b := Key(Owner("sk-bob", ""), "completions", 1000, 2000, "")
	if a == b {
		t.Errorf("不同凭据的键不应相同: %q", a)
	}

	// 同一密钥、不同项目范围也视为不同归属
	p := Key(Owner("sk-alice", "proj_1"), "completions", 1000, 2000, "")
	q := Key(Owner("sk-alice", "proj_2"), "completions", 1000, 2000, "")
	if p == q {
		t.Errorf("不同项目范围的键不应相同: %q", p)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New(8, 20*time.Millisecond)
	key := Key(Owner("sk-a", ""), "images", 0, 100, "")
	c.Set(key, []byte("x"))

	time.Sleep(50 * time.Millisecond)

	if _, ok := c.Get(key); ok {
		t.Error("过期条目不应命中")
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := New(8, time.Minute)
	key := Key(Owner("sk-a", ""), "completions", 0, 100, "")
	c.Set(key, []byte("x"))
	c.Invalidate(key)

	if _, ok := c.Get(key); ok {
		t.Error("失效后不应命中")
	}
}

func TestCachePurge(t *testing.T) {
	c := New(8, time.Minute)
	c.Set(Key(Owner("sk-a", ""), "completions", 0, 100, ""), []byte("x"))
	c.Set(Key(Owner("sk-b", ""), "completions", 0, 100, ""), []byte("y"))
	c.Purge()

	if c.Len() != 0 {
		t.Errorf("清空后 Len = %d, want 0", c.Len())
	}
}

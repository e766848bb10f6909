package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ==================== 客户端限流器 ====================

// ClientRateLimiter 按客户端维度的令牌桶限流器
// 每个 key 独立一个 rate.Limiter，长时间未访问的条目由 Cleanup 回收
type ClientRateLimiter struct {
	limit   rate.Limit
	burst   int
	entries sync.Map // key -> *limiterEntry
	now     func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	mutex    sync.Mutex
	lastSeen time.Time
	removed  bool // 已被 Cleanup 移出，持有者需重新获取
}

// CheckResult 限流检查结果
type CheckResult struct {
	Allowed    bool
	RetryAfter time.Duration
}

// NewClientRateLimiter 创建限流器
// rps: 每秒补充的令牌数，可小于 1；burst: 突发容量
func NewClientRateLimiter(rps float64, burst int) *ClientRateLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &ClientRateLimiter{
		limit: rate.Limit(rps),
		burst: burst,
		now:   time.Now,
	}
}

// Check 检查并消耗一个令牌
func (l *ClientRateLimiter) Check(key string) CheckResult {
	now := l.now()
	for {
		if result, ok := l.consume(l.getEntry(key, now), now); ok {
			return result
		}
	}
}

// consume 在条目上消耗令牌，条目已被回收时返回 false
func (l *ClientRateLimiter) consume(entry *limiterEntry, now time.Time) (CheckResult, bool) {
	entry.mutex.Lock()
	defer entry.mutex.Unlock()
	if entry.removed {
		return CheckResult{}, false
	}
	entry.lastSeen = now

	r := entry.limiter.ReserveN(now, 1)
	if !r.OK() {
		return CheckResult{Allowed: false, RetryAfter: time.Minute}, true
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		// 不等待，归还令牌
		r.CancelAt(now)
		return CheckResult{Allowed: false, RetryAfter: delay}, true
	}
	return CheckResult{Allowed: true}, true
}

// Reset 重置指定 key
func (l *ClientRateLimiter) Reset(key string) {
	if v, ok := l.entries.LoadAndDelete(key); ok {
		entry := v.(*limiterEntry)
		entry.mutex.Lock()
		entry.removed = true
		entry.mutex.Unlock()
	}
}

// Cleanup 回收 idle 时长内未访问的条目，返回回收数量
// 判断与删除在条目锁内完成，并发的 Check 不会落在已删除的条目上
func (l *ClientRateLimiter) Cleanup(idle time.Duration) int {
	cutoff := l.now().Add(-idle)
	removed := 0

	l.entries.Range(func(key, value interface{}) bool {
		entry := value.(*limiterEntry)
		entry.mutex.Lock()
		if entry.lastSeen.Before(cutoff) && l.entries.CompareAndDelete(key, entry) {
			entry.removed = true
			removed++
		}
		entry.mutex.Unlock()
		return true
	})
	return removed
}

// Size 当前跟踪的 key 数量
func (l *ClientRateLimiter) Size() int {
	count := 0
	l.entries.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (l *ClientRateLimiter) getEntry(key string, now time.Time) *limiterEntry {
	if v, ok := l.entries.Load(key); ok {
		return v.(*limiterEntry)
	}
	v, _ := l.entries.LoadOrStore(key, &limiterEntry{
		limiter:  rate.NewLimiter(l.limit, l.burst),
		lastSeen: now,
	})
	return v.(*limiterEntry)
}

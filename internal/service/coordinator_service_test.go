package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dushixiang/argus/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeExecutor struct {
	mu           sync.Mutex
	executeCalls int
	batchCalls   int
	batchSizes   []int
	delay        time.Duration
	fail         bool
}

func (f *fakeExecutor) Execute(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error) {
	f.mu.Lock()
	f.executeCalls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fail {
		return nil, errors.New("upstream unavailable")
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeExecutor) ExecuteBatch(ctx context.Context, endpoint string, symbols []string, params map[string]string) (map[string]json.RawMessage, error) {
	f.mu.Lock()
	f.batchCalls++
	f.batchSizes = append(f.batchSizes, len(symbols))
	f.mu.Unlock()
	if f.fail {
		return nil, errors.New("upstream unavailable")
	}
	out := make(map[string]json.RawMessage, len(symbols))
	for _, symbol := range symbols {
		out[symbol] = json.RawMessage(fmt.Sprintf(`{"symbol":%q}`, symbol))
	}
	return out, nil
}

func (f *fakeExecutor) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.executeCalls, f.batchCalls
}

func newTestCoordinator(executor EndpointExecutor) (*CoordinatorService, *cache.MemoryCache) {
	c := cache.NewMemoryCache()
	return NewCoordinatorService(c, executor, zap.NewNop()), c
}

func TestCoordinator_CacheHit(t *testing.T) {
	fake := &fakeExecutor{}
	coordinator, c := newTestCoordinator(fake)
	defer c.Close()

	ctx := context.Background()
	req := CoordinateRequest{Endpoint: EndpointMarketOverview, Params: map[string]string{"symbol": "BTCUSDT"}}

	first := coordinator.Coordinate(ctx, req)
	require.True(t, first.Success)
	assert.Equal(t, SourceDirect, first.Source)
	assert.NotEmpty(t, first.Fingerprint)

	second := coordinator.Coordinate(ctx, req)
	require.True(t, second.Success)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, first.Data, second.Data)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	executes, _ := fake.counts()
	assert.Equal(t, 1, executes)

	stats := coordinator.Stats()
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.CacheMisses)
	assert.Equal(t, int64(1), stats.DirectCalls)
}

func TestCoordinator_ForceRefreshBypassesCache(t *testing.T) {
	fake := &fakeExecutor{}
	coordinator, c := newTestCoordinator(fake)
	defer c.Close()

	ctx := context.Background()
	req := CoordinateRequest{Endpoint: EndpointMarketOverview, Params: map[string]string{"symbol": "BTCUSDT"}}

	coordinator.Coordinate(ctx, req)

	refresh := req
	refresh.ForceRefresh = true
	refreshed := coordinator.Coordinate(ctx, refresh)
	require.True(t, refreshed.Success)
	assert.Equal(t, SourceDirect, refreshed.Source)

	executes, _ := fake.counts()
	assert.Equal(t, 2, executes)

	// 刷新后的结果回填缓存
	cached := coordinator.Coordinate(ctx, req)
	assert.Equal(t, SourceCache, cached.Source)
}

func TestCoordinator_DeduplicatesInflightRequests(t *testing.T) {
	fake := &fakeExecutor{delay: 150 * time.Millisecond}
	coordinator, c := newTestCoordinator(fake)
	defer c.Close()

	ctx := context.Background()
	req := CoordinateRequest{Endpoint: EndpointMarketOverview, Params: map[string]string{"symbol": "ETHUSDT"}}

	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]*CoordinateResult, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			results[idx] = coordinator.Coordinate(ctx, req)
		}(i)
	}
	close(start)
	wg.Wait()

	executes, _ := fake.counts()
	assert.Equal(t, 1, executes)

	direct, deduplicated := 0, 0
	for _, result := range results {
		require.True(t, result.Success)
		switch result.Source {
		case SourceDirect:
			direct++
		case SourceDeduplicated:
			deduplicated++
		}
	}
	assert.Equal(t, 1, direct)
	assert.Equal(t, 2, deduplicated)

	stats := coordinator.Stats()
	assert.Equal(t, int64(2), stats.Deduplicated)
	assert.Equal(t, int64(2), stats.APICallsSaved)
}

// 三个相同的realtime-prices请求只应产生一次上游调用，节省两次
func TestCoordinator_IdenticalBatchableRequestsSingleUpstreamCall(t *testing.T) {
	fake := &fakeExecutor{}
	coordinator, c := newTestCoordinator(fake)
	defer c.Close()

	ctx := context.Background()
	req := CoordinateRequest{
		Endpoint:  EndpointRealtimePrices,
		Params:    map[string]string{"symbol": "BTCUSDT"},
		Batchable: true,
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([]*CoordinateResult, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			results[idx] = coordinator.Coordinate(ctx, req)
		}(i)
	}
	close(start)
	wg.Wait()

	executes, batches := fake.counts()
	assert.Equal(t, 0, executes)
	assert.Equal(t, 1, batches)

	batched, deduplicated := 0, 0
	for _, result := range results {
		require.True(t, result.Success)
		assert.JSONEq(t, `{"symbol":"BTCUSDT"}`, string(result.Data))
		switch result.Source {
		case SourceBatched:
			batched++
		case SourceDeduplicated:
			deduplicated++
		}
	}
	assert.Equal(t, 1, batched)
	assert.Equal(t, 2, deduplicated)

	stats := coordinator.Stats()
	assert.Equal(t, int64(2), stats.APICallsSaved)
	assert.Equal(t, int64(1), stats.BatchesCreated)
}

func TestCoordinator_BatchMergesDistinctSymbols(t *testing.T) {
	fake := &fakeExecutor{}
	coordinator, c := newTestCoordinator(fake)
	defer c.Close()

	ctx := context.Background()
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

	began := time.Now()
	var wg sync.WaitGroup
	results := make([]*CoordinateResult, len(symbols))
	for i, symbol := range symbols {
		wg.Add(1)
		go func(idx int, symbol string) {
			defer wg.Done()
			results[idx] = coordinator.Coordinate(ctx, CoordinateRequest{
				Endpoint:  EndpointRealtimePrices,
				Params:    map[string]string{"symbol": symbol},
				Batchable: true,
			})
		}(i, symbol)
	}
	wg.Wait()
	elapsed := time.Since(began)

	// 凑满最小批量立即触发，不等完整窗口
	assert.Less(t, elapsed, batchWindow)

	_, batches := fake.counts()
	assert.Equal(t, 1, batches)
	fake.mu.Lock()
	assert.Equal(t, []int{3}, fake.batchSizes)
	fake.mu.Unlock()

	for i, result := range results {
		require.True(t, result.Success)
		assert.Equal(t, SourceBatched, result.Source)
		assert.JSONEq(t, fmt.Sprintf(`{"symbol":%q}`, symbols[i]), string(result.Data))
	}

	stats := coordinator.Stats()
	assert.Equal(t, int64(1), stats.BatchesCreated)
	assert.Equal(t, int64(2), stats.APICallsSaved)

	// 每个符号的结果按各自指纹缓存
	cached := coordinator.Coordinate(ctx, CoordinateRequest{
		Endpoint:  EndpointRealtimePrices,
		Params:    map[string]string{"symbol": "ETHUSDT"},
		Batchable: true,
	})
	assert.Equal(t, SourceCache, cached.Source)
}

// seedBatchQueue 直接向聚合队列填入指定数量的待处理请求
func seedBatchQueue(coordinator *CoordinatorService, endpoint string, count int) (string, []*batchItem) {
	q := &batchQueue{endpoint: endpoint, params: map[string]string{}}
	q.timer = time.AfterFunc(time.Hour, func() {})

	items := make([]*batchItem, 0, count)
	for i := 0; i < count; i++ {
		symbol := fmt.Sprintf("SYM%02dUSDT", i)
		item := &batchItem{
			symbol:      symbol,
			fingerprint: buildFingerprint(endpoint, map[string]string{"symbol": symbol}),
			resultCh:    make(chan batchOutcome, 1),
		}
		q.items = append(q.items, item)
		items = append(items, item)
	}

	queueKey := endpoint + "|"
	coordinator.mu.Lock()
	coordinator.queues[queueKey] = q
	coordinator.mu.Unlock()
	return queueKey, items
}

// 超过单批上限的聚合队列按上限切片执行，每个等待者仍拿到自己符号的结果
func TestCoordinator_BatchChunkedAtMaxSize(t *testing.T) {
	fake := &fakeExecutor{}
	coordinator, c := newTestCoordinator(fake)
	defer c.Close()

	queueKey, items := seedBatchQueue(coordinator, EndpointRealtimePrices, 25)
	coordinator.flush(queueKey)

	fake.mu.Lock()
	sizes := append([]int(nil), fake.batchSizes...)
	fake.mu.Unlock()
	assert.Equal(t, []int{batchMaxSize, 5}, sizes)
	for _, size := range sizes {
		assert.LessOrEqual(t, size, batchMaxSize)
	}

	for _, item := range items {
		outcome := <-item.resultCh
		require.NoError(t, outcome.err)
		assert.JSONEq(t, fmt.Sprintf(`{"symbol":%q}`, item.symbol), string(outcome.payload))
	}
}

func TestCoordinator_SetMaxBatchSize(t *testing.T) {
	fake := &fakeExecutor{}
	coordinator, c := newTestCoordinator(fake)
	defer c.Close()

	coordinator.SetMaxBatchSize(4)
	assert.Equal(t, 4, coordinator.batchSize())

	queueKey, items := seedBatchQueue(coordinator, EndpointRealtimePrices, 10)
	coordinator.flush(queueKey)

	fake.mu.Lock()
	sizes := append([]int(nil), fake.batchSizes...)
	fake.mu.Unlock()
	assert.Equal(t, []int{4, 4, 2}, sizes)

	for _, item := range items {
		outcome := <-item.resultCh
		require.NoError(t, outcome.err)
	}

	// 传0恢复默认上限
	coordinator.SetMaxBatchSize(0)
	assert.Equal(t, batchMaxSize, coordinator.batchSize())
}

func TestCoordinator_BatchErrorNotCached(t *testing.T) {
	fake := &fakeExecutor{fail: true}
	coordinator, c := newTestCoordinator(fake)
	defer c.Close()

	ctx := context.Background()
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

	var wg sync.WaitGroup
	results := make([]*CoordinateResult, len(symbols))
	for i, symbol := range symbols {
		wg.Add(1)
		go func(idx int, symbol string) {
			defer wg.Done()
			results[idx] = coordinator.Coordinate(ctx, CoordinateRequest{
				Endpoint:  EndpointRealtimePrices,
				Params:    map[string]string{"symbol": symbol},
				Batchable: true,
			})
		}(i, symbol)
	}
	wg.Wait()

	for _, result := range results {
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "upstream unavailable")
	}

	// 失败结果不进缓存，恢复后的请求重新走上游
	fake.mu.Lock()
	fake.fail = false
	fake.mu.Unlock()

	retried := coordinator.Coordinate(ctx, CoordinateRequest{
		Endpoint: EndpointRealtimePrices,
		Params:   map[string]string{"symbol": "BTCUSDT"},
	})
	require.True(t, retried.Success)
	assert.Equal(t, SourceDirect, retried.Source)
}

func TestCoordinator_InvalidatePattern(t *testing.T) {
	fake := &fakeExecutor{}
	coordinator, c := newTestCoordinator(fake)
	defer c.Close()

	ctx := context.Background()
	coordinator.Coordinate(ctx, CoordinateRequest{Endpoint: EndpointRealtimePrices, Params: map[string]string{"symbol": "BTCUSDT"}})
	coordinator.Coordinate(ctx, CoordinateRequest{Endpoint: EndpointRealtimePrices, Params: map[string]string{"symbol": "ETHUSDT"}})
	coordinator.Coordinate(ctx, CoordinateRequest{Endpoint: EndpointSentiment, Params: map[string]string{"symbol": "BTCUSDT"}})

	deleted, err := coordinator.Invalidate(ctx, EndpointRealtimePrices+"*")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	// 情绪数据不受影响
	kept := coordinator.Coordinate(ctx, CoordinateRequest{Endpoint: EndpointSentiment, Params: map[string]string{"symbol": "BTCUSDT"}})
	assert.Equal(t, SourceCache, kept.Source)

	evicted := coordinator.Coordinate(ctx, CoordinateRequest{Endpoint: EndpointRealtimePrices, Params: map[string]string{"symbol": "BTCUSDT"}})
	assert.Equal(t, SourceDirect, evicted.Source)

	_, err = coordinator.Invalidate(ctx, "[invalid")
	assert.Error(t, err)
}

func TestBuildFingerprint(t *testing.T) {
	a := buildFingerprint(EndpointTechnicalAnalysis, map[string]string{"timeframe": "1h", "symbol": "BTCUSDT"})
	b := buildFingerprint(EndpointTechnicalAnalysis, map[string]string{"symbol": "BTCUSDT", "timeframe": "1h"})
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, EndpointTechnicalAnalysis+":"))

	// 无参数时指纹就是端点名
	assert.Equal(t, EndpointMarketOverview, buildFingerprint(EndpointMarketOverview, nil))

	c := buildFingerprint(EndpointTechnicalAnalysis, map[string]string{"symbol": "BTCUSDT", "timeframe": "4h"})
	assert.NotEqual(t, a, c)
}

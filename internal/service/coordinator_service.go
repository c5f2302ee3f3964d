package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dushixiang/argus/pkg/cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// 结果来源
const (
	SourceCache        = "cache"
	SourceDeduplicated = "deduplicated"
	SourceBatched      = "batched"
	SourceDirect       = "direct"
)

const (
	batchWindow      = 2 * time.Second
	batchMinSize     = 3  // 凑满即提前触发，不等窗口结束
	batchMaxSize     = 20 // 单批上限
	batchExecTimeout = 30 * time.Second
)

// 各端点缓存TTL
var endpointTTLs = map[string]time.Duration{
	EndpointRealtimePrices:    10 * time.Second,
	EndpointTechnicalAnalysis: 5 * time.Minute,
	EndpointVolatility:        5 * time.Minute,
	EndpointSentiment:         10 * time.Minute,
	EndpointSupportResistance: 15 * time.Minute,
	EndpointMarketOverview:    10 * time.Minute,
	EndpointTradingPipeline:   30 * time.Second,
}

// 支持聚合的端点
var batchableEndpoints = map[string]bool{
	EndpointRealtimePrices:    true,
	EndpointTechnicalAnalysis: true,
	EndpointSentiment:         true,
	EndpointVolatility:        true,
	EndpointSupportResistance: true,
}

// EndpointExecutor 端点执行器，由编排器实现
type EndpointExecutor interface {
	Execute(ctx context.Context, endpoint string, params map[string]string) (json.RawMessage, error)
	ExecuteBatch(ctx context.Context, endpoint string, symbols []string, params map[string]string) (map[string]json.RawMessage, error)
}

// CoordinateRequest 一次数据请求
type CoordinateRequest struct {
	Endpoint     string            `json:"endpoint"`
	Params       map[string]string `json:"params"`
	ForceRefresh bool              `json:"force_refresh"` // 跳过缓存读取，结果仍会写入缓存
	Batchable    bool              `json:"batchable"`     // 允许进入聚合队列
}

// CoordinateResult 协调器统一返回结构
type CoordinateResult struct {
	Success     bool            `json:"success"`
	Source      string          `json:"source"` // cache/deduplicated/batched/direct
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	Fingerprint string          `json:"fingerprint"`
	LatencyMs   int64           `json:"latency_ms"`
}

// CoordinatorStats 协调器运行统计
type CoordinatorStats struct {
	CacheHits      int64 `json:"cache_hits"`
	CacheMisses    int64 `json:"cache_misses"`
	Deduplicated   int64 `json:"deduplicated"`
	BatchesCreated int64 `json:"batches_created"`
	APICallsSaved  int64 `json:"api_calls_saved"`
	DirectCalls    int64 `json:"direct_calls"`
}

type coordOutcome struct {
	payload json.RawMessage
	source  string
}

type batchOutcome struct {
	payload json.RawMessage
	err     error
}

type batchItem struct {
	symbol      string
	fingerprint string
	resultCh    chan batchOutcome
}

type batchQueue struct {
	endpoint string
	params   map[string]string // 不含symbol的公共参数
	items    []*batchItem
	timer    *time.Timer
}

// CoordinatorService 数据请求协调器
// 同一指纹的请求走缓存、在途合并或聚合队列，尽量减少上游API调用
type CoordinatorService struct {
	logger   *zap.Logger
	cache    cache.Cache
	executor EndpointExecutor

	group singleflight.Group

	mu           sync.Mutex
	queues       map[string]*batchQueue
	maxBatchSize int // 运行时覆盖，0表示默认上限

	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	deduplicated   atomic.Int64
	batchesCreated atomic.Int64
	apiCallsSaved  atomic.Int64
	directCalls    atomic.Int64
}

// NewCoordinatorService 创建请求协调器
func NewCoordinatorService(c cache.Cache, executor EndpointExecutor, logger *zap.Logger) *CoordinatorService {
	return &CoordinatorService{
		logger:   logger,
		cache:    c,
		executor: executor,
		queues:   make(map[string]*batchQueue),
	}
}

// Coordinate 协调一次数据请求
// 缓存命中、在途请求合并与聚合调用对调用方透明，调用方始终拿到统一结构
func (s *CoordinatorService) Coordinate(ctx context.Context, req CoordinateRequest) *CoordinateResult {
	started := time.Now()
	fingerprint := buildFingerprint(req.Endpoint, req.Params)

	finish := func(result *CoordinateResult) *CoordinateResult {
		result.Fingerprint = fingerprint
		result.LatencyMs = time.Since(started).Milliseconds()
		return result
	}

	if !req.ForceRefresh {
		if payload, ok := s.cache.Get(ctx, fingerprint); ok {
			s.cacheHits.Add(1)
			return finish(&CoordinateResult{Success: true, Source: SourceCache, Data: payload})
		}
		s.cacheMisses.Add(1)
	}

	batched := req.Batchable && batchableEndpoints[req.Endpoint] && req.Params["symbol"] != ""

	executed := false
	v, err, _ := s.group.Do(fingerprint, func() (interface{}, error) {
		executed = true

		if batched {
			resultCh := s.enqueueBatch(req.Endpoint, fingerprint, req.Params)
			select {
			case outcome := <-resultCh:
				if outcome.err != nil {
					return nil, outcome.err
				}
				return coordOutcome{payload: outcome.payload, source: SourceBatched}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		s.directCalls.Add(1)
		payload, err := s.executor.Execute(ctx, req.Endpoint, req.Params)
		if err != nil {
			return nil, err
		}
		s.cache.Set(ctx, fingerprint, payload, endpointTTL(req.Endpoint))
		return coordOutcome{payload: payload, source: SourceDirect}, nil
	})

	if !executed {
		// 搭上了在途请求的便车
		s.deduplicated.Add(1)
	}

	if err != nil {
		// 错误不进缓存，所有等待者都拿到同样的失败结果
		source := SourceDirect
		if batched {
			source = SourceBatched
		}
		if !executed {
			source = SourceDeduplicated
		}
		return finish(&CoordinateResult{Success: false, Source: source, Error: err.Error()})
	}

	outcome := v.(coordOutcome)
	source := outcome.source
	if !executed {
		source = SourceDeduplicated
		s.apiCallsSaved.Add(1)
	}

	return finish(&CoordinateResult{Success: true, Source: source, Data: outcome.payload})
}

// Invalidate 按通配符模式清除缓存，返回清除数量
func (s *CoordinatorService) Invalidate(ctx context.Context, pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	deleted := s.cache.DeletePattern(ctx, pattern)
	s.logger.Info("coordinator cache invalidated",
		zap.String("pattern", pattern),
		zap.Int("deleted", deleted))
	return deleted, nil
}

// Stats 返回协调器运行统计
func (s *CoordinatorService) Stats() CoordinatorStats {
	return CoordinatorStats{
		CacheHits:      s.cacheHits.Load(),
		CacheMisses:    s.cacheMisses.Load(),
		Deduplicated:   s.deduplicated.Load(),
		BatchesCreated: s.batchesCreated.Load(),
		APICallsSaved:  s.apiCallsSaved.Load(),
		DirectCalls:    s.directCalls.Load(),
	}
}

// enqueueBatch 将请求加入聚合队列，返回结果通道
func (s *CoordinatorService) enqueueBatch(endpoint, fingerprint string, params map[string]string) chan batchOutcome {
	item := &batchItem{
		symbol:      params["symbol"],
		fingerprint: fingerprint,
		resultCh:    make(chan batchOutcome, 1),
	}

	shared := make(map[string]string, len(params))
	for k, v := range params {
		if k != "symbol" {
			shared[k] = v
		}
	}
	queueKey := endpoint + "|" + canonicalParams(shared)

	s.mu.Lock()
	q, ok := s.queues[queueKey]
	if !ok {
		q = &batchQueue{endpoint: endpoint, params: shared}
		q.timer = time.AfterFunc(batchWindow, func() {
			s.flush(queueKey)
		})
		s.queues[queueKey] = q
	}
	q.items = append(q.items, item)
	ready := len(q.items) >= batchMinSize
	s.mu.Unlock()

	if ready {
		s.flush(queueKey)
	}
	return item.resultCh
}

// flush 取走队列并执行聚合调用，结果按符号分发给每个等待者
func (s *CoordinatorService) flush(queueKey string) {
	s.mu.Lock()
	q, ok := s.queues[queueKey]
	if !ok {
		// 队列已被提前触发的flush取走
		s.mu.Unlock()
		return
	}
	delete(s.queues, queueKey)
	q.timer.Stop()
	items := q.items
	s.mu.Unlock()

	if len(items) == 0 {
		return
	}

	size := s.batchSize()
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		s.executeBatch(q, items[start:end])
	}
}

// SetMaxBatchSize 运行时覆盖单批上限，传0恢复默认值
func (s *CoordinatorService) SetMaxBatchSize(size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBatchSize = size
}

func (s *CoordinatorService) batchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxBatchSize > 0 {
		return s.maxBatchSize
	}
	return batchMaxSize
}

func (s *CoordinatorService) executeBatch(q *batchQueue, items []*batchItem) {
	s.batchesCreated.Add(1)

	symbols := make([]string, 0, len(items))
	for _, item := range items {
		symbols = append(symbols, item.symbol)
	}
	if saved := len(symbols) - 1; saved > 0 {
		s.apiCallsSaved.Add(int64(saved))
	}

	s.logger.Debug("executing batch",
		zap.String("endpoint", q.endpoint),
		zap.Int("size", len(symbols)),
		zap.Strings("symbols", symbols))

	ctx, cancel := context.WithTimeout(context.Background(), batchExecTimeout)
	defer cancel()

	results, err := s.executor.ExecuteBatch(ctx, q.endpoint, symbols, q.params)
	if err != nil {
		s.logger.Warn("batch execution failed",
			zap.String("endpoint", q.endpoint),
			zap.Error(err))
		for _, item := range items {
			item.resultCh <- batchOutcome{err: err}
		}
		return
	}

	ttl := endpointTTL(q.endpoint)
	for _, item := range items {
		payload, ok := results[item.symbol]
		if !ok {
			item.resultCh <- batchOutcome{err: fmt.Errorf("no data returned for %s", item.symbol)}
			continue
		}
		s.cache.Set(ctx, item.fingerprint, payload, ttl)
		item.resultCh <- batchOutcome{payload: payload}
	}
}

// buildFingerprint 端点名加参数摘要构成请求指纹，同时用作缓存键
// 保留端点前缀以便按 "realtime-prices*" 这类模式批量失效
func buildFingerprint(endpoint string, params map[string]string) string {
	if len(params) == 0 {
		return endpoint
	}
	sum := sha256.Sum256([]byte(endpoint + "?" + canonicalParams(params)))
	return endpoint + ":" + hex.EncodeToString(sum[:8])
}

// canonicalParams 参数按键排序后拼接，保证指纹与参数顺序无关
func canonicalParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("&")
		}
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(params[k])
	}
	return sb.String()
}

func endpointTTL(endpoint string) time.Duration {
	if ttl, ok := endpointTTLs[endpoint]; ok {
		return ttl
	}
	return time.Minute
}

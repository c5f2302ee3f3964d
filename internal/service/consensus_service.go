package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dushixiang/argus/internal/config"
	"github.com/dushixiang/argus/internal/models"
	"github.com/dushixiang/argus/internal/repo"
	"github.com/oklog/ulid/v2"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

const consensusCallTimeout = 60 * time.Second

// ConsensusPayload 待共识审核的完整上下文
type ConsensusPayload struct {
	AccountID string          `json:"account_id"`
	RunID     string          `json:"run_id"`
	Mode      string          `json:"mode"`
	Metrics   AccountMetrics  `json:"metrics"`
	Risk      RiskMetrics     `json:"risk"`
	Overview  *MarketOverview `json:"overview"`
	Session   SessionBias     `json:"session"`
	Signals   []*Signal       `json:"signals"`
}

// ModelVote 单个模型的投票
type ModelVote struct {
	Provider   string  `json:"provider"`
	Approve    bool    `json:"approve"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Weight     float64 `json:"weight"`
	LatencyMs  int64   `json:"latency_ms"`
	Error      string  `json:"error,omitempty"`
}

// ConsensusResult 加权共识结果
type ConsensusResult struct {
	Approved  bool        `json:"approved"`
	Score     float64     `json:"score"`
	Threshold float64     `json:"threshold"`
	Votes     []ModelVote `json:"votes"`
}

// ProviderVerdict 模型返回的裁决
type ProviderVerdict struct {
	Approve          bool    `json:"approve"`
	Confidence       float64 `json:"confidence"`
	Reason           string  `json:"reason"`
	PromptTokens     int     `json:"-"`
	CompletionTokens int     `json:"-"`
}

// ConsensusProvider 共识模型提供方
type ConsensusProvider interface {
	Name() string
	Model() string
	Evaluate(ctx context.Context, instructions string, prompt string) (*ProviderVerdict, error)
}

// InstructionSource 运行时系统指令来源，管理端可发布新版本覆盖内置模板
type InstructionSource interface {
	GetSystemPrompt(ctx context.Context) (*models.SystemPrompt, error)
}

// ConsensusService 多模型共识审核服务
type ConsensusService struct {
	logger       *zap.Logger
	modes        *ModeService
	prompts      *PromptService
	logRepo      *repo.ConsensusLogRepo
	providers    []ConsensusProvider
	instructions InstructionSource
}

// SetInstructionSource 设置运行时系统指令来源
func (s *ConsensusService) SetInstructionSource(source InstructionSource) {
	s.instructions = source
}

// NewConsensusService 创建共识审核服务，按配置挂载OpenAI与Gemini两路模型
func NewConsensusService(
	conf *config.Config,
	openAIClient *openai.Client,
	modes *ModeService,
	prompts *PromptService,
	logRepo *repo.ConsensusLogRepo,
	logger *zap.Logger,
) *ConsensusService {
	var providers []ConsensusProvider
	if openAIClient != nil {
		providers = append(providers, &openaiProvider{client: openAIClient, model: conf.LLM.Model})
	}
	if conf.Gemini.Enabled && conf.Gemini.APIKey != "" {
		client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey:  conf.Gemini.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			logger.Error("failed to init gemini client", zap.Error(err))
		} else {
			model := conf.Gemini.Model
			if model == "" {
				model = "gemini-2.0-flash"
			}
			providers = append(providers, &geminiProvider{client: client, model: model})
		}
	}

	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	logger.Info("consensus providers initialized", zap.Strings("providers", names))

	return &ConsensusService{
		logger:    logger,
		modes:     modes,
		prompts:   prompts,
		logRepo:   logRepo,
		providers: providers,
	}
}

// Validate 并发调用全部模型审核信号，按权重聚合置信度
// 单个模型失败按弃权处理并重新归一化权重，全部失败才算审核失败
func (s *ConsensusService) Validate(ctx context.Context, payload *ConsensusPayload,
	threshold float64, weights map[string]float64) (*ConsensusResult, error) {

	if len(s.providers) == 0 {
		return nil, fmt.Errorf("no consensus providers configured")
	}

	profile, err := s.modes.GetProfile(payload.Mode)
	if err != nil {
		return nil, err
	}
	instructions := s.prompts.ConsensusInstructions(profile)
	if s.instructions != nil {
		if active, err := s.instructions.GetSystemPrompt(ctx); err == nil && strings.TrimSpace(active.Content) != "" {
			instructions = s.prompts.RenderConsensusInstructions(active.Content, profile)
		}
	}
	prompt := s.prompts.ValidationPrompt(payload)

	votes := make([]ModelVote, len(s.providers))
	var wg sync.WaitGroup
	for i, provider := range s.providers {
		wg.Add(1)
		go func(i int, provider ConsensusProvider) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, consensusCallTimeout)
			defer cancel()

			started := time.Now()
			verdict, err := provider.Evaluate(callCtx, instructions, prompt)
			vote := ModelVote{
				Provider:  provider.Name(),
				Weight:    weights[provider.Name()],
				LatencyMs: time.Since(started).Milliseconds(),
			}
			if err != nil {
				vote.Error = err.Error()
				s.logger.Warn("consensus provider failed",
					zap.String("provider", provider.Name()),
					zap.Error(err))
			} else {
				vote.Approve = verdict.Approve
				vote.Confidence = verdict.Confidence
				vote.Reason = verdict.Reason
			}
			votes[i] = vote
			s.logVote(ctx, payload, provider.Model(), vote, verdict)
		}(i, provider)
	}
	wg.Wait()

	score, healthy := weightedScore(votes)
	if healthy == 0 {
		return nil, fmt.Errorf("all consensus providers failed")
	}

	result := &ConsensusResult{
		Approved:  score >= threshold,
		Score:     score,
		Threshold: threshold,
		Votes:     votes,
	}
	s.logger.Info("consensus validation finished",
		zap.String("account_id", payload.AccountID),
		zap.Float64("score", score),
		zap.Float64("threshold", threshold),
		zap.Bool("approved", result.Approved))
	return result, nil
}

// weightedScore 聚合有效投票，权重缺失时退化为等权平均
func weightedScore(votes []ModelVote) (float64, int) {
	totalWeight := 0.0
	weighted := 0.0
	equal := 0.0
	healthy := 0
	for _, vote := range votes {
		if vote.Error != "" {
			continue
		}
		healthy++
		totalWeight += vote.Weight
		if vote.Approve {
			weighted += vote.Weight * vote.Confidence
			equal += vote.Confidence
		}
	}
	if healthy == 0 {
		return 0, 0
	}
	if totalWeight <= 0 {
		return equal / float64(healthy), healthy
	}
	return weighted / totalWeight, healthy
}

// logVote 持久化单票审计，持久化失败不影响审核结果
func (s *ConsensusService) logVote(ctx context.Context, payload *ConsensusPayload, model string,
	vote ModelVote, verdict *ProviderVerdict) {

	symbol, strategy := summarizeSignals(payload.Signals)
	row := &models.ConsensusLog{
		ID:         ulid.Make().String(),
		AccountID:  payload.AccountID,
		RunID:      payload.RunID,
		Symbol:     symbol,
		Strategy:   strategy,
		Model:      model,
		Approve:    vote.Approve,
		Confidence: vote.Confidence,
		Reasoning:  vote.Reason,
		Duration:   vote.LatencyMs,
		Error:      vote.Error,
		ExecutedAt: time.Now(),
	}
	if verdict != nil {
		row.PromptTokens = verdict.PromptTokens
		row.CompletionTokens = verdict.CompletionTokens
	}
	if err := s.logRepo.Create(ctx, row); err != nil {
		s.logger.Warn("failed to save consensus log", zap.Error(err))
	}
}

// summarizeSignals 压缩一批信号在日志行里的标识
func summarizeSignals(signals []*Signal) (string, string) {
	switch len(signals) {
	case 0:
		return "", ""
	case 1:
		return signals[0].Symbol, signals[0].Strategy
	default:
		return fmt.Sprintf("batch:%d", len(signals)), "multi"
	}
}

// parseVerdict 从模型输出中剥出JSON裁决，容忍markdown围栏
func parseVerdict(content string) (*ProviderVerdict, error) {
	content = strings.TrimSpace(content)
	if start := strings.Index(content, "{"); start >= 0 {
		if end := strings.LastIndex(content, "}"); end > start {
			content = content[start : end+1]
		}
	}

	var verdict ProviderVerdict
	if err := json.Unmarshal([]byte(content), &verdict); err != nil {
		return nil, fmt.Errorf("failed to parse verdict: %w", err)
	}
	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 1 {
		verdict.Confidence = 1
	}
	return &verdict, nil
}

type openaiProvider struct {
	client *openai.Client
	model  string
}

func (p *openaiProvider) Name() string  { return "openai" }
func (p *openaiProvider) Model() string { return p.model }

func (p *openaiProvider) Evaluate(ctx context.Context, instructions string, prompt string) (*ProviderVerdict, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(p.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(instructions),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call OpenAI API: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from %s", p.model)
	}

	verdict, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	verdict.PromptTokens = int(resp.Usage.PromptTokens)
	verdict.CompletionTokens = int(resp.Usage.CompletionTokens)
	return verdict, nil
}

type geminiProvider struct {
	client *genai.Client
	model  string
}

func (p *geminiProvider) Name() string  { return "gemini" }
func (p *geminiProvider) Model() string { return p.model }

func (p *geminiProvider) Evaluate(ctx context.Context, instructions string, prompt string) (*ProviderVerdict, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instructions, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call Gemini API: %w", err)
	}

	verdict, err := parseVerdict(resp.Text())
	if err != nil {
		return nil, err
	}
	if resp.UsageMetadata != nil {
		verdict.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		verdict.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return verdict, nil
}

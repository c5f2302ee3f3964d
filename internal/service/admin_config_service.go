package service

import (
	"context"
	"sort"
	"time"

	"github.com/dushixiang/argus/internal/models"
	"github.com/dushixiang/argus/internal/repo"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultTradingConfig 数据库为空时写入的初始交易参数
var DefaultTradingConfig = models.TradingConfig{
	ID:              "00000000000000000000000000",
	Symbols:         []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"},
	IntervalMinutes: 5,
	HaltTTLMinutes:  60,
	RetentionDays:   30,
	MaxBatchSize:    20,
	CreatedAt:       time.Now(),
	UpdatedAt:       time.Now(),
}

// 初始系统提示词直接使用内置的共识审核模板
var defaultSystemPrompt = models.SystemPrompt{
	ID:       "00000000000000000000000000",
	Version:  1,
	Content:  consensusInstructionsTemplate,
	IsActive: true,
	Remark:   "系统默认初始化",
}

// AdminConfigService 管理端运行时配置服务
type AdminConfigService struct {
	logger            *zap.Logger
	tradingConfigRepo *repo.TradingConfigRepo
	systemPromptRepo  *repo.SystemPromptRepo
	autopilot         *AutopilotService
	coordinator       *CoordinatorService
	emergency         *EmergencyService
}

func NewAdminConfigService(logger *zap.Logger, db *gorm.DB) *AdminConfigService {
	return &AdminConfigService{
		logger:            logger,
		tradingConfigRepo: repo.NewTradingConfigRepo(db),
		systemPromptRepo:  repo.NewSystemPromptRepo(db),
	}
}

// SetAutopilot 设置自动驾驶引用（调度周期变更后需要重启节拍）
func (s *AdminConfigService) SetAutopilot(autopilot *AutopilotService) {
	s.autopilot = autopilot
}

// SetCoordinator 设置请求协调器引用（单批上限运行时可调）
func (s *AdminConfigService) SetCoordinator(coordinator *CoordinatorService) {
	s.coordinator = coordinator
}

// SetEmergency 设置应急控制器引用（熔断时长运行时可调）
func (s *AdminConfigService) SetEmergency(emergency *EmergencyService) {
	s.emergency = emergency
}

func (s *AdminConfigService) Initialize(ctx context.Context) {
	s.initializeTradingConfig(ctx)
	s.initializeSystemPrompt(ctx)
}

// initializeTradingConfig 初始化默认交易配置
func (s *AdminConfigService) initializeTradingConfig(ctx context.Context) {
	count, err := s.tradingConfigRepo.Count(ctx)
	if err != nil {
		s.logger.Error("failed to count trading configs", zap.Error(err))
		return
	}

	if count == 0 {
		tradingConfig := DefaultTradingConfig
		if err := s.tradingConfigRepo.Create(ctx, &tradingConfig); err != nil {
			s.logger.Error("failed to create default trading config", zap.Error(err))
			return
		}
		s.logger.Info("default trading config initialized")
	}
}

// initializeSystemPrompt 初始化默认系统提示词
func (s *AdminConfigService) initializeSystemPrompt(ctx context.Context) {
	count, err := s.systemPromptRepo.Count(ctx)
	if err != nil {
		s.logger.Error("failed to count system prompts", zap.Error(err))
		return
	}

	if count == 0 {
		if err := s.systemPromptRepo.Create(ctx, &defaultSystemPrompt); err != nil {
			s.logger.Error("failed to create default system prompt", zap.Error(err))
			return
		}
		s.logger.Info("default system prompt initialized")
	}
}

func (s *AdminConfigService) GetTradingConfig(ctx context.Context) (*models.TradingConfig, error) {
	configs, err := s.tradingConfigRepo.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		tradingConfig := DefaultTradingConfig
		if err := s.tradingConfigRepo.Create(ctx, &tradingConfig); err != nil {
			return nil, err
		}
		return &tradingConfig, nil
	}
	return &configs[0], nil
}

func (s *AdminConfigService) SetTradingConfig(ctx context.Context, newTradingConfig models.TradingConfig) error {
	config, err := s.GetTradingConfig(ctx)
	if err != nil {
		return err
	}

	oldInterval := config.IntervalMinutes
	intervalChanged := oldInterval != newTradingConfig.IntervalMinutes

	config.Symbols = newTradingConfig.Symbols
	config.IntervalMinutes = newTradingConfig.IntervalMinutes
	config.HaltTTLMinutes = newTradingConfig.HaltTTLMinutes
	config.RetentionDays = newTradingConfig.RetentionDays
	config.MaxBatchSize = newTradingConfig.MaxBatchSize
	config.UpdatedAt = time.Now()

	err = s.tradingConfigRepo.UpdateById(ctx, config)
	if err != nil {
		return err
	}

	if s.autopilot != nil {
		s.autopilot.SetRetentionDays(newTradingConfig.RetentionDays)
	}
	if s.coordinator != nil {
		s.coordinator.SetMaxBatchSize(newTradingConfig.MaxBatchSize)
	}
	if s.emergency != nil {
		s.emergency.SetHaltTTL(newTradingConfig.HaltTTLMinutes)
	}

	// 调度周期变更时重启自动驾驶节拍
	if intervalChanged && s.autopilot != nil && s.autopilot.IsRunning() {
		s.logger.Info("autopilot interval updated, restarting scheduler",
			zap.Int("old_interval", oldInterval),
			zap.Int("new_interval", newTradingConfig.IntervalMinutes))

		s.autopilot.SetIntervalOverride(newTradingConfig.IntervalMinutes)
		s.autopilot.Stop()
		go func() {
			if err := s.autopilot.Start(); err != nil {
				s.logger.Error("failed to restart autopilot scheduler", zap.Error(err))
			}
		}()
	}

	return nil
}

// GetSystemPrompt 获取当前激活的系统提示词
func (s *AdminConfigService) GetSystemPrompt(ctx context.Context) (*models.SystemPrompt, error) {
	prompt, err := s.systemPromptRepo.GetActiveSystemPrompt(ctx)
	if err != nil {
		return nil, err
	}
	return prompt, nil
}

// SetSystemPrompt 设置新的系统提示词(创建新版本并激活)
func (s *AdminConfigService) SetSystemPrompt(ctx context.Context, content, remark string) (*models.SystemPrompt, error) {
	maxVersion, err := s.systemPromptRepo.GetMaxVersion(ctx)
	if err != nil {
		return nil, err
	}

	newPrompt := models.SystemPrompt{
		ID:       ulid.Make().String(),
		Version:  maxVersion + 1,
		Content:  content,
		IsActive: true,
		Remark:   remark,
	}

	// 事务内先全部取消激活，再创建新版本
	err = s.systemPromptRepo.GetDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.systemPromptRepo.DeactivateAll(ctx); err != nil {
			return err
		}
		if err := s.systemPromptRepo.Create(ctx, &newPrompt); err != nil {
			return err
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return &newPrompt, nil
}

// GetSystemPromptHistory 获取系统提示词历史记录
func (s *AdminConfigService) GetSystemPromptHistory(ctx context.Context) ([]models.SystemPrompt, error) {
	prompts, err := s.systemPromptRepo.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(prompts, func(i, j int) bool {
		return prompts[i].Version > prompts[j].Version
	})

	return prompts, nil
}

// RollbackSystemPrompt 回滚到指定版本的系统提示词
func (s *AdminConfigService) RollbackSystemPrompt(ctx context.Context, id string) error {
	_, err := s.systemPromptRepo.FindById(ctx, id)
	if err != nil {
		return err
	}

	return s.systemPromptRepo.GetDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.systemPromptRepo.DeactivateAll(ctx); err != nil {
			return err
		}
		if err := s.systemPromptRepo.ActivateById(ctx, id); err != nil {
			return err
		}
		return nil
	})
}

// DeleteSystemPrompt 删除指定的系统提示词历史记录
func (s *AdminConfigService) DeleteSystemPrompt(ctx context.Context, id string) error {
	prompt, err := s.systemPromptRepo.FindById(ctx, id)
	if err != nil {
		return err
	}

	// 当前激活的提示词不允许删除
	if prompt.IsActive {
		return gorm.ErrInvalidData
	}

	return s.systemPromptRepo.DeleteById(ctx, id)
}

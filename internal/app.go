package internal

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dushixiang/argus/internal/config"
	"github.com/dushixiang/argus/internal/handler"
	appmiddleware "github.com/dushixiang/argus/internal/middleware"
	"github.com/dushixiang/argus/internal/models"
	"github.com/dushixiang/argus/internal/service"
	"github.com/dushixiang/argus/internal/telegram"
	"github.com/dushixiang/argus/pkg/nostd"
	"github.com/go-orz/orz"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func Run(configPath string) error {
	app := NewArgusApp()

	framework, err := orz.NewFramework(
		orz.WithConfig(configPath),
		orz.WithLoggerFromConfig(),
		orz.WithDatabase(),
		orz.WithHTTP(),
		orz.WithApplication(app),
	)
	if err != nil {
		return err
	}

	return framework.Run()
}

func NewArgusApp() orz.Application {
	return &ArgusApp{}
}

var _ orz.Application = (*ArgusApp)(nil)

type AppComponents struct {
	TradingHandler     *handler.TradingHandler
	CoordinatorHandler *handler.CoordinatorHandler
	AuthHandler        *handler.AuthHandler
	AdminHandler       *handler.AdminHandler
	SetupHandler       *handler.SetupHandler

	OrchestratorService *service.OrchestratorService
	AutopilotService    *service.AutopilotService
	CoordinatorService  *service.CoordinatorService
	ConsensusService    *service.ConsensusService
	EmergencyService    *service.EmergencyService
	AccountService      *service.AccountService
	AdminConfigService  *service.AdminConfigService
	AuthService         *service.AuthService

	relay *notifierRelay
	tg    *telegram.Telegram
}

type ArgusApp struct {
	components *AppComponents
	conf       *config.Config
}

// GetComponents 获取应用组件
func (r *ArgusApp) GetComponents() *AppComponents {
	return r.components
}

func (r *ArgusApp) Configure(app *orz.App) error {
	logger := app.Logger()
	e := app.GetEcho()
	db := app.GetDatabase()

	var conf config.Config
	err := app.GetConfig().App.Unmarshal(&conf)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config: %v", err)
	}

	components, err := InitializeApp(logger, db, &conf)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %v", err)
	}
	r.components = components
	r.conf = &conf

	if err := db.AutoMigrate(
		models.Account{}, models.AccountHistory{}, models.Trade{},
		models.PipelineRun{}, models.EmergencyAction{}, models.ConsensusLog{},
		models.StrategyPerformance{},
		models.AdminUser{}, models.SystemPrompt{}, models.TradingConfig{},
	); err != nil {
		logger.Fatal("database auto migrate failed", zap.Error(err))
	}

	if err := r.Init(logger); err != nil {
		logger.Fatal("app init failed", zap.Error(err))
	}

	e.HidePort = true
	e.HideBanner = true

	e.Use(middleware.Gzip())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		Skipper:      middleware.DefaultSkipper,
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodDelete},
	}))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			sugar := logger.Sugar()
			sugar.Error(fmt.Sprintf("[PANIC RECOVER] %v %s\n", err, stack))
			return err
		},
	}))
	e.Use(WithErrorHandler(logger))
	customValidator := nostd.CustomValidator{Validator: validator.New()}
	if err := customValidator.TransInit(); err != nil {
		logger.Sugar().Fatal("failed to init custom validator", zap.Error(err))
	}
	e.Validator = &customValidator

	api := e.Group("/api")
	{
		// 公开接口：初始化与登录
		r.components.SetupHandler.RegisterRoutes(api)
		r.components.AuthHandler.RegisterRoutes(api)

		secured := api.Group("", appmiddleware.JWTAuth(appmiddleware.JWTAuthConfig{
			AuthService: r.components.AuthService,
			Logger:      logger,
		}))
		r.components.AuthHandler.RegisterProtectedRoutes(secured.Group("/auth"))
		r.components.TradingHandler.RegisterRoutes(secured)
		r.components.CoordinatorHandler.RegisterRoutes(secured)
		r.components.AdminHandler.RegisterRoutesWithGroup(secured.Group("/admin"))
	}

	return nil
}

func (r *ArgusApp) Init(logger *zap.Logger) error {
	logger.Info("=================================================")
	logger.Info("Argus Trading Decision Core Starting...")
	logger.Info("=================================================")

	components := r.GetComponents()
	if components == nil {
		return fmt.Errorf("components not initialized")
	}

	ctx := context.Background()

	components.AdminConfigService.Initialize(ctx)
	components.AdminConfigService.SetAutopilot(components.AutopilotService)
	components.AdminConfigService.SetCoordinator(components.CoordinatorService)
	components.AdminConfigService.SetEmergency(components.EmergencyService)
	components.ConsensusService.SetInstructionSource(components.AdminConfigService)

	// 数据库中的运行时配置优先于配置文件的缺省值
	if tradingConfig, err := components.AdminConfigService.GetTradingConfig(ctx); err == nil {
		if tradingConfig.IntervalMinutes > 0 && tradingConfig.IntervalMinutes != r.conf.Trading.IntervalMinutes {
			components.AutopilotService.SetIntervalOverride(tradingConfig.IntervalMinutes)
		}
		if len(r.conf.Trading.Symbols) == 0 && len(tradingConfig.Symbols) > 0 {
			r.conf.Trading.Symbols = tradingConfig.Symbols
		}
		if r.conf.Trading.HaltTTLMinutes <= 0 && tradingConfig.HaltTTLMinutes > 0 {
			components.EmergencyService.SetHaltTTL(tradingConfig.HaltTTLMinutes)
		}
		if tradingConfig.RetentionDays > 0 {
			components.AutopilotService.SetRetentionDays(tradingConfig.RetentionDays)
		}
		if tradingConfig.MaxBatchSize > 0 {
			components.CoordinatorService.SetMaxBatchSize(tradingConfig.MaxBatchSize)
		}
	}

	if components.tg != nil {
		components.relay.Bind(components.tg)
		components.tg.Start()
		logger.Info("telegram bot started")
	}

	if err := components.AutopilotService.Start(); err != nil {
		return fmt.Errorf("failed to start autopilot scheduler: %v", err)
	}
	logger.Info("autopilot scheduler started")

	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"grid-engine-go/internal/config"
	"grid-engine-go/internal/engine"
	"grid-engine-go/internal/gateway"
	"grid-engine-go/internal/logger"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"
	"grid-engine-go/internal/reporter"
	"grid-engine-go/internal/server"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	// 在加载.env和配置文件阶段就需要日志，先用默认配置初始化一次
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	// 从环境变量加载API密钥
	apiKey := os.Getenv("EXCHANGE_API_KEY")
	secretKey := os.Getenv("EXCHANGE_SECRET_KEY")
	if apiKey == "" || secretKey == "" {
		logger.S().Fatal("错误：EXCHANGE_API_KEY 和 EXCHANGE_SECRET_KEY 环境变量必须被设置。")
	}

	// 根据配置选择API地址
	if cfg.IsTestnet {
		cfg.BaseURL = cfg.TestnetAPIURL
		cfg.WSBaseURL = cfg.TestnetWSURL
		logger.S().Info("正在使用测试网...")
	} else {
		cfg.BaseURL = cfg.LiveAPIURL
		cfg.WSBaseURL = cfg.LiveWSURL
		logger.S().Info("正在使用生产网...")
	}

	// --- 初始化交易所网关 ---
	feed := gateway.NewPriceFeed(cfg.WSBaseURL, logger.S())
	gw, err := gateway.NewRestGateway(apiKey, secretKey, cfg.BaseURL, feed, logger.S())
	if err != nil {
		logger.S().Fatalf("初始化交易所网关失败: %v", err)
	}
	defer gw.Close()

	// --- 打开快照存储并恢复网格 ---
	repo, err := persistence.NewBadgerRepository(cfg.DBPath)
	if err != nil {
		logger.S().Fatalf("打开网格数据库失败: %v", err)
	}
	defer repo.Close()

	manager := engine.NewManager(gw, repo, logger.S(), engine.Options{
		MonitorInterval: time.Duration(cfg.MonitorIntervalSec) * time.Second,
		StopTimeout:     time.Duration(cfg.StopTimeoutSec) * time.Second,
	})
	if err := manager.Restore(); err != nil {
		logger.S().Fatalf("恢复网格状态失败: %v", err)
	}

	// --- 启动 HTTP 服务 ---
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(manager, logger.S()).Handler(),
	}
	go func() {
		logger.S().Infof("HTTP服务已启动，监听 %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.S().Fatalf("HTTP服务异常退出: %v", err)
		}
	}()

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.S().Info("收到退出信号，开始关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.S().Warnf("HTTP服务关闭超时: %v", err)
	}

	// 停止所有运行中的网格并撤销挂单
	stopped := manager.StopAllGrids()
	logger.S().Infof("已停止 %d 个网格。", stopped)

	// 打印最终的网格汇总表
	reporter.WriteSummary(os.Stdout, manager.ListGrids())
	logger.S().Info("引擎已成功停止。")
}

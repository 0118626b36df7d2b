// file: cmd/monitor/main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/adapter/datasource/sqlite"
	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/observe"
	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/transport/http/middleware"
	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/transport/http/router"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const version = "v0.3.0"

type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gte=1,lte=65535"`
	LogLevel string `mapstructure:"log_level"`
	Pprof    string `mapstructure:"pprof_addr"`
}

type StoreConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

type LimitsConfig struct {
	GlobalRate  float64 `mapstructure:"global_rate" validate:"gte=0"`
	GlobalBurst int     `mapstructure:"global_burst" validate:"gte=0"`
	PerIPRate   float64 `mapstructure:"per_ip_rate" validate:"gte=0"`
	PerIPBurst  int     `mapstructure:"per_ip_burst" validate:"gte=0"`
}

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Store  StoreConfig  `mapstructure:"store"`
	Limits LimitsConfig `mapstructure:"limits"`
}

func loadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("OPENGOV_MONITOR")
	// 嵌套键的 "." 换成 "_"，否则 server.port 映射不到任何可导出的环境变量名
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 10330)
	viper.SetDefault("server.log_level", "INFO")
	viper.SetDefault("store.path", "instance/governance.db")
	viper.SetDefault("limits.global_rate", 50)
	viper.SetDefault("limits.global_burst", 100)
	viper.SetDefault("limits.per_ip_rate", 5)
	viper.SetDefault("limits.per_ip_burst", 20)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 没有配置文件时全部走默认值
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置到结构体失败: %w", err)
	}
	if err := validator.New().Struct(config); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return &config, nil
}

func main() {
	// 在日志系统完全初始化前，使用标准 log
	log.Printf("OpenGov Monitor %s 正在启动...", version)

	config, err := loadConfig()
	if err != nil {
		log.Fatalf("CRITICAL: 加载配置失败: %v", err)
	}

	observe.InitLogger(config.Server.LogLevel)
	slog.Info("OpenGov Monitor starting up", "version", version)
	slog.Info("配置加载并解析成功", "store", config.Store.Path, "port", config.Server.Port)

	db, err := sqlite.Open(config.Store.Path)
	if err != nil {
		log.Fatalf("CRITICAL: 打开治理数据库失败: %v", err)
	}
	defer func() {
		slog.Info("正在关闭治理数据库连接...")
		if err := db.Close(); err != nil {
			slog.Error("关闭治理数据库时发生错误", "error", err)
		}
	}()

	manager := sqlite.NewManager(db)
	slog.Info("适配器层: SQLite Manager 初始化完成")

	rateLimiter := middleware.NewIPRateLimiter(
		config.Limits.GlobalRate, config.Limits.GlobalBurst,
		config.Limits.PerIPRate, config.Limits.PerIPBurst,
	)
	slog.Info("中间件: IP 限流器初始化完成")

	httpRouter := router.New(router.Dependencies{
		Query:       manager,
		RateLimiter: rateLimiter,
	})
	slog.Info("传输层: HTTP 路由器创建完成。")

	addr := fmt.Sprintf(":%d", config.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: httpRouter,
	}

	go func() {
		slog.Info("OpenGov Monitor 启动成功，开始监听HTTP请求...", "address", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP服务启动失败", "error", err)
			os.Exit(1)
		}
	}()

	if config.Server.Pprof != "" {
		observe.EnablePprof(config.Server.Pprof)
	}
	observe.Register()
	slog.Info("监控: metrics 已注册。")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("收到停机信号，准备优雅关闭...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("HTTP服务优雅关闭失败", "error", err)
		os.Exit(1)
	}

	slog.Info("HTTP服务已成功关闭。")
	slog.Info("程序即将退出。")
}

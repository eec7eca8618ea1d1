package config

import (
	"encoding/json"
	"fmt"
	"os"

	"grid-engine-go/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, err
	}

	applyDefaults(config)
	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

// applyDefaults 为未设置的字段填入默认值
func applyDefaults(cfg *models.Config) {
	if cfg.MonitorIntervalSec <= 0 {
		cfg.MonitorIntervalSec = 10
	}
	if cfg.StopTimeoutSec <= 0 {
		cfg.StopTimeoutSec = 30
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9980"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "grid_db"
	}
}

func validate(cfg *models.Config) error {
	if cfg.IsTestnet {
		if cfg.TestnetAPIURL == "" || cfg.TestnetWSURL == "" {
			return fmt.Errorf("测试网模式需要配置 testnet_api_url 和 testnet_ws_url")
		}
	} else {
		if cfg.LiveAPIURL == "" || cfg.LiveWSURL == "" {
			return fmt.Errorf("生产模式需要配置 live_api_url 和 live_ws_url")
		}
	}
	return nil
}

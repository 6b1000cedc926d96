package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// HeuristicDefaultLifetime 是上游未携带任何缓存指令时采用的默认新鲜期。
const HeuristicDefaultLifetime = 364 * 24 * time.Hour

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// path 为空时跳过文件读取，只应用默认值（用于无配置文件的纯 CLI 场景）。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.CacheDir != "" {
		absCache, err := filepath.Abs(cfg.Global.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.CacheDir = absCache
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheDir", "")
	v.SetDefault("HeuristicLifetime", HeuristicDefaultLifetime.String())
	v.SetDefault("SweepGrace", "1h")
	v.SetDefault("ConnectTimeout", "3s")
	v.SetDefault("RequestTimeout", "3s")
	v.SetDefault("FollowRedirects", true)
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.HeuristicLifetime.DurationValue() == 0 {
		g.HeuristicLifetime = Duration(HeuristicDefaultLifetime)
	}
	if g.SweepGrace.DurationValue() == 0 {
		g.SweepGrace = Duration(time.Hour)
	}
	if g.ConnectTimeout.DurationValue() == 0 {
		g.ConnectTimeout = Duration(3 * time.Second)
	}
	if g.RequestTimeout.DurationValue() == 0 {
		g.RequestTimeout = Duration(3 * time.Second)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

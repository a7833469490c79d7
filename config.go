package xqlock

import (
	"fmt"
	"time"

	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Format 预设配置的数据格式。
type Format string

const (
	// FormatYAML YAML 格式
	FormatYAML Format = "yaml"
	// FormatJSON JSON 格式
	FormatJSON Format = "json"
)

// Presets 四档锁配置预设。
// 零值无意义，使用 DefaultPresets 或 LoadPresets 构造。
type Presets struct {
	Fast     Config
	Standard Config
	Long     Config
	Critical Config
}

// DefaultPresets 返回内置预设。
func DefaultPresets() Presets {
	return Presets{
		Fast:     Fast(),
		Standard: Standard(),
		Long:     Long(),
		Critical: Critical(),
	}
}

// presetSpec 预设的配置文件表示。
// 时长字段使用 Go duration 字符串（"500ms"、"5s"），
// 指针字段区分"未配置"和"显式设为 0"。
type presetSpec struct {
	TTL         string `koanf:"ttl"`
	RetryCount  *int   `koanf:"retry_count"`
	RetryDelay  string `koanf:"retry_delay"`
	RetryJitter string `koanf:"retry_jitter"`
}

// apply 把配置文件字段覆盖到 target 上，未配置的字段保持默认值。
func (s presetSpec) apply(name string, target *Config) error {
	if s.TTL != "" {
		d, err := time.ParseDuration(s.TTL)
		if err != nil {
			return fmt.Errorf("xqlock: preset %q: invalid ttl: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("xqlock: preset %q: ttl must be positive", name)
		}
		target.TTL = d
	}
	if s.RetryCount != nil {
		if *s.RetryCount < 0 {
			return fmt.Errorf("xqlock: preset %q: retry_count must not be negative", name)
		}
		target.RetryCount = *s.RetryCount
	}
	if s.RetryDelay != "" {
		d, err := time.ParseDuration(s.RetryDelay)
		if err != nil {
			return fmt.Errorf("xqlock: preset %q: invalid retry_delay: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("xqlock: preset %q: retry_delay must not be negative", name)
		}
		target.RetryDelay = d
	}
	if s.RetryJitter != "" {
		d, err := time.ParseDuration(s.RetryJitter)
		if err != nil {
			return fmt.Errorf("xqlock: preset %q: invalid retry_jitter: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("xqlock: preset %q: retry_jitter must not be negative", name)
		}
		target.RetryJitter = d
	}
	return nil
}

// LoadPresets 从部署配置字节加载预设覆盖，未出现的预设/字段保持内置默认值。
//
// 配置示例（YAML）：
//
//	standard:
//	  ttl: 8s
//	critical:
//	  ttl: 45s
//	  retry_count: 15
//	  retry_delay: 600ms
//	  retry_jitter: 600ms
func LoadPresets(data []byte, format Format) (Presets, error) {
	presets := DefaultPresets()

	var parser koanf.Parser
	switch format {
	case FormatYAML:
		parser = kyaml.Parser()
	case FormatJSON:
		parser = kjson.Parser()
	default:
		return presets, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), parser); err != nil {
		return presets, fmt.Errorf("xqlock: parse presets: %w", err)
	}

	targets := map[string]*Config{
		"fast":     &presets.Fast,
		"standard": &presets.Standard,
		"long":     &presets.Long,
		"critical": &presets.Critical,
	}
	for name, target := range targets {
		if !k.Exists(name) {
			continue
		}
		var spec presetSpec
		if err := k.Unmarshal(name, &spec); err != nil {
			return DefaultPresets(), fmt.Errorf("xqlock: preset %q: %w", name, err)
		}
		if err := spec.apply(name, target); err != nil {
			return DefaultPresets(), err
		}
	}

	return presets, nil
}

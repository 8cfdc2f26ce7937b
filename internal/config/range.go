package config

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Range 表示闭区间 [Min, Max]，用于金额（以代币为单位）和延迟（以秒为单位）。
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// UnmarshalYAML 同时接受 [min, max]、{min, max} 以及单个数值三种写法。
func (r *Range) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var pair []float64
		if err := node.Decode(&pair); err != nil {
			return err
		}
		parsed, err := rangeFromSlice(pair)
		if err != nil {
			return err
		}
		*r = parsed
	case yaml.MappingNode:
		var raw struct {
			Min float64 `yaml:"min"`
			Max float64 `yaml:"max"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		*r = Range{Min: raw.Min, Max: raw.Max}
	default:
		var v float64
		if err := node.Decode(&v); err != nil {
			return err
		}
		*r = Range{Min: v, Max: v}
	}
	return nil
}

// ParseRange 解析环境变量中的区间，例如 "[0.001, 0.01]"。
func ParseRange(value string) (Range, error) {
	var pair []float64
	if err := json.Unmarshal([]byte(strings.ReplaceAll(strings.TrimSpace(value), "'", "\"")), &pair); err != nil {
		return Range{}, fmt.Errorf("区间格式错误 %q: %w", value, err)
	}
	return rangeFromSlice(pair)
}

func rangeFromSlice(pair []float64) (Range, error) {
	if len(pair) != 2 {
		return Range{}, fmt.Errorf("区间需要两个数值，实际为 %d 个", len(pair))
	}
	return Range{Min: pair[0], Max: pair[1]}, nil
}

// Valid 判断区间是否非负且有序。
func (r Range) Valid() bool {
	return r.Min >= 0 && r.Max >= r.Min
}

// IsZero 判断区间是否未配置。
func (r Range) IsZero() bool {
	return r.Min == 0 && r.Max == 0
}

// Draw 在区间内均匀抽取一个值。
func (r Range) Draw(rng *rand.Rand) float64 {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

// Duration 把区间视为秒数并抽取一个延迟。
func (r Range) Duration(rng *rand.Rand) time.Duration {
	return time.Duration(r.Draw(rng) * float64(time.Second))
}

func (r Range) String() string {
	return fmt.Sprintf("[%g, %g]", r.Min, r.Max)
}

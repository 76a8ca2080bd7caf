package gc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/tangzhangming/novagc/internal/logging"
)

// 常量定义
const (
	ConfigFileName = "novagc.toml" // 配置文件名
)

// ErrInvalidConfig 配置无效
var ErrInvalidConfig = errors.New("gc: invalid config")

// Config 收集器配置
type Config struct {
	Heap       HeapConfig       `toml:"heap"`
	Marking    MarkingConfig    `toml:"marking"`
	Concurrent ConcurrentConfig `toml:"concurrent"`
	Debug      DebugConfig      `toml:"debug"`
	Log        logging.Config   `toml:"log"`
}

// HeapConfig 堆几何配置
type HeapConfig struct {
	// InitialSize 初始可并发回收区域的大小
	InitialSize uint64 `toml:"initial_size"`

	// MaxSize 堆地址空间上限（卡表按此预留）
	MaxSize uint64 `toml:"max_size"`

	// RegionSize 每次扩展的区域粒度
	RegionSize uint64 `toml:"region_size"`

	// TLHSize 线程本地堆的首选大小
	TLHSize uint64 `toml:"tlh_size"`

	// LargeObjectSize 不小于此大小的对象绕过 TLH 直接分配
	LargeObjectSize uint64 `toml:"large_object_size"`

	// NurserySize 新生代区域大小，0 表示没有新生代
	NurserySize uint64 `toml:"nursery_size"`
}

// MarkingConfig 标记配置
type MarkingConfig struct {
	// GCThreads STW 阶段的并行 GC 线程数，0 表示按 CPU 数
	GCThreads int `toml:"gc_threads"`

	// PacketCapacity 每个工作包的槽位数
	PacketCapacity int `toml:"packet_capacity"`

	// PacketCount 工作包总数，0 表示按最大堆大小推算
	PacketCount int `toml:"packet_count"`

	// Sublists 每个包池的锁分段数
	Sublists int `toml:"sublists"`

	// ArraySplitSize 引用数超过此值的对象分段扫描
	ArraySplitSize int `toml:"array_split_size"`
}

// ConcurrentConfig 并发标记配置（所有调优常量都在这里）
type ConcurrentConfig struct {
	Enabled bool `toml:"enabled"`

	// HelperThreads 后台辅助标记线程数
	HelperThreads int `toml:"helper_threads"`

	// AllocToTraceRate 每分配 1 字节 mutator 需要追踪的字节数（下限）
	AllocToTraceRate float64 `toml:"alloc_to_trace_rate"`

	// MaxAllocToTraceRate 追踪率上限
	MaxAllocToTraceRate float64 `toml:"max_alloc_to_trace_rate"`

	// CardCleaningPasses 并发清卡遍数（1..3）
	CardCleaningPasses int `toml:"card_cleaning_passes"`

	// CleanAllCards 清卡时包含不可并发回收的区域
	CleanAllCards bool `toml:"clean_all_cards"`

	// InitChunkSize 并发初始化每个工作单元覆盖的堆字节数
	InitChunkSize uint64 `toml:"init_chunk_size"`

	// HelperSliceSize 辅助线程每个时间片的工作量（字节）
	HelperSliceSize uint64 `toml:"helper_slice_size"`

	// KickoffBoostFactor 启动阈值的放大系数
	KickoffBoostFactor float64 `toml:"kickoff_boost_factor"`

	// InitialLiveFraction 没有历史时假定的存活比例
	InitialLiveFraction float64 `toml:"initial_live_fraction"`

	// LivePartHistoryWeight 存活比例 EWMA 中历史值的权重
	LivePartHistoryWeight float64 `toml:"live_part_history_weight"`

	// CardCleaningHistoryWeight 清卡系数 EWMA 中历史值的权重
	CardCleaningHistoryWeight float64 `toml:"card_cleaning_history_weight"`

	// TraceRateHistoryWeight 实际追踪率 EWMA 中历史值的权重
	TraceRateHistoryWeight float64 `toml:"trace_rate_history_weight"`

	// MinTraceRateFraction 启动阈值使用的追踪率不低于 AllocToTraceRate 的这个比例
	MinTraceRateFraction float64 `toml:"min_trace_rate_fraction"`

	// CardCleaningThresholdFactor 追踪完成该比例后开始并发清卡
	CardCleaningThresholdFactor float64 `toml:"card_cleaning_threshold_factor"`

	// MinKickoffFreeBytes 启动阈值的最小余量
	MinKickoffFreeBytes uint64 `toml:"min_kickoff_free_bytes"`
}

// DebugConfig 调试与故障注入
type DebugConfig struct {
	Assertions                  bool `toml:"assertions"`
	ForceCardTableCommitFailure bool `toml:"force_card_table_commit_failure"`
	ForceTLHMapCommitFailure    bool `toml:"force_tlh_map_commit_failure"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Heap: HeapConfig{
			InitialSize:     4 << 20,
			MaxSize:         64 << 20,
			RegionSize:      256 << 10,
			TLHSize:         8 << 10,
			LargeObjectSize: 4 << 10,
		},
		Marking: MarkingConfig{
			PacketCapacity: 256,
			Sublists:       4,
			ArraySplitSize: 128,
		},
		Concurrent: ConcurrentConfig{
			Enabled:                     true,
			HelperThreads:               1,
			AllocToTraceRate:            8,
			MaxAllocToTraceRate:         64,
			CardCleaningPasses:          2,
			InitChunkSize:               64 << 10,
			HelperSliceSize:             64 << 10,
			KickoffBoostFactor:          1.2,
			InitialLiveFraction:         0.5,
			LivePartHistoryWeight:       0.8,
			CardCleaningHistoryWeight:   0.7,
			TraceRateHistoryWeight:      0.5,
			MinTraceRateFraction:        0.5,
			CardCleaningThresholdFactor: 0.5,
			MinKickoffFreeBytes:         256 << 10,
		},
		Log: logging.Config{Level: "info"},
	}
}

// LoadConfig 从文件加载配置，缺省字段取默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("# novagc 收集器配置\n")
	sb.WriteString("# 所有大小以字节为单位\n\n")
	sb.Write(data)

	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate 检查配置的取值范围
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	h := c.Heap
	check(h.RegionSize > 0 && h.RegionSize%CardSize == 0, "heap.region_size must be a positive multiple of %d", CardSize)
	check(h.MaxSize >= h.RegionSize, "heap.max_size must be at least heap.region_size")
	check(h.InitialSize <= h.MaxSize, "heap.initial_size exceeds heap.max_size")
	check(h.NurserySize+h.InitialSize <= h.MaxSize, "heap.nursery_size + heap.initial_size exceeds heap.max_size")
	check(h.TLHSize >= 256, "heap.tlh_size must be at least 256")
	check(h.LargeObjectSize > 0, "heap.large_object_size must be positive")

	m := c.Marking
	check(m.GCThreads >= 0, "marking.gc_threads must not be negative")
	check(m.PacketCapacity >= 2, "marking.packet_capacity must be at least 2")
	check(m.PacketCount >= 0, "marking.packet_count must not be negative")
	check(m.Sublists > 0, "marking.sublists must be positive")
	check(m.ArraySplitSize > 0, "marking.array_split_size must be positive")

	cc := c.Concurrent
	check(cc.HelperThreads >= 0, "concurrent.helper_threads must not be negative")
	check(cc.AllocToTraceRate > 0, "concurrent.alloc_to_trace_rate must be positive")
	check(cc.MaxAllocToTraceRate >= cc.AllocToTraceRate, "concurrent.max_alloc_to_trace_rate must be >= alloc_to_trace_rate")
	check(cc.CardCleaningPasses >= 1 && cc.CardCleaningPasses <= maxCardCleaningPasses,
		"concurrent.card_cleaning_passes must be in 1..%d", maxCardCleaningPasses)
	check(cc.InitChunkSize >= CardSize, "concurrent.init_chunk_size must be at least %d", CardSize)
	check(cc.HelperSliceSize > 0, "concurrent.helper_slice_size must be positive")
	check(cc.KickoffBoostFactor >= 1, "concurrent.kickoff_boost_factor must be >= 1")
	check(inUnit(cc.InitialLiveFraction), "concurrent.initial_live_fraction must be in [0,1]")
	check(inUnit(cc.LivePartHistoryWeight), "concurrent.live_part_history_weight must be in [0,1]")
	check(inUnit(cc.CardCleaningHistoryWeight), "concurrent.card_cleaning_history_weight must be in [0,1]")
	check(inUnit(cc.TraceRateHistoryWeight), "concurrent.trace_rate_history_weight must be in [0,1]")
	check(cc.MinTraceRateFraction > 0 && cc.MinTraceRateFraction <= 1, "concurrent.min_trace_rate_fraction must be in (0,1]")
	check(inUnit(cc.CardCleaningThresholdFactor), "concurrent.card_cleaning_threshold_factor must be in [0,1]")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

// gcThreads 实际使用的并行 GC 线程数
func (c *Config) gcThreads() int {
	if c.Marking.GCThreads > 0 {
		return c.Marking.GCThreads
	}
	return min(runtime.NumCPU(), 8)
}

// packetCount 实际使用的工作包数
func (c *Config) packetCount() int {
	if c.Marking.PacketCount > 0 {
		return c.Marking.PacketCount
	}
	// 按每个包平均覆盖 64 字节对象估算
	n := int(c.Heap.MaxSize / uint64(c.Marking.PacketCapacity*64))
	return max(n, 4*c.gcThreads()+4*(c.Concurrent.HelperThreads+1))
}

// FindConfigFile 从指定路径向上查找配置文件
// 返回配置文件的完整路径，如果找不到则返回空字符串
func FindConfigFile(startPath string) string {
	info, err := os.Stat(startPath)
	if err != nil {
		return ""
	}

	dir := startPath
	if !info.IsDir() {
		dir = filepath.Dir(startPath)
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// 已到达根目录
			return ""
		}
		dir = parent
	}
}

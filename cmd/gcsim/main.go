// gcsim - 并发标记收集器的负载模拟器
//
// 用法:
//   gcsim [options]                          # 按配置运行默认负载
//   gcsim -mutators 8 -duration 5s -json     # 8 个 mutator 运行 5 秒，输出 JSON 报告
//   gcsim -dump-config novagc.toml           # 写出生效的配置后退出

package main

import (
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/novagc/internal/gc"
	"github.com/tangzhangming/novagc/internal/heap"
	"github.com/tangzhangming/novagc/internal/lang"
	"github.com/tangzhangming/novagc/internal/logging"
)

// 版本信息
const (
	Version = "1.0.0"
	Name    = "gcsim"
)

// 命令行选项
var (
	helpFlag    = flag.Bool("help", false, "显示帮助信息")
	versionFlag = flag.Bool("version", false, "显示版本信息")

	configFlag     = flag.String("config", "", "配置文件路径，为空时向上查找 novagc.toml")
	dumpConfigFlag = flag.String("dump-config", "", "把生效的配置写入指定文件后退出")

	// 负载选项
	mutatorsFlag = flag.Int("mutators", 4, "mutator 线程数")
	durationFlag = flag.Duration("duration", 2*time.Second, "运行时长")
	allocsFlag   = flag.Int64("allocs", 0, "总分配对象数上限，0 表示只按时长")
	windowFlag   = flag.Int("window", 256, "每个 mutator 保留的根数")
	seedFlag     = flag.Uint64("seed", 1, "随机种子")
	relocateFlag = flag.Int64("relocate", 0, "每分配多少个对象迁移一个根对象，0 表示不迁移")

	// 输出选项
	jsonFlag = flag.Bool("json", false, "以 JSON 输出报告")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *helpFlag {
		usage()
		os.Exit(0)
	}

	if *versionFlag {
		fmt.Printf("%s version %s\n", Name, Version)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}

	if *dumpConfigFlag != "" {
		if err := cfg.Save(*dumpConfigFlag); err != nil {
			fmt.Fprintf(os.Stderr, "错误: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("配置已写入 %s\n", *dumpConfigFlag)
		return
	}

	rep, err := run(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}

	if *jsonFlag {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "错误: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(data))
		return
	}
	printReport(rep)
}

func usage() {
	fmt.Fprintf(os.Stderr, `%s - 并发标记收集器负载模拟器 v%s

用法:
  %s [options]

示例:
  %s -mutators 8 -duration 5s
  %s -allocs 1000000 -json
  %s -relocate 5000
  %s -config ./novagc.toml -dump-config out.toml

选项:
`, Name, Version, Name, Name, Name, Name, Name)
	flag.PrintDefaults()
}

// loadConfig 显式路径优先，其次向上查找配置文件，都没有时使用默认配置
func loadConfig(path string) (*gc.Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err == nil {
			path = gc.FindConfigFile(wd)
		}
	}
	if path == "" {
		cfg := gc.DefaultConfig()
		return &cfg, nil
	}
	return gc.LoadConfig(path)
}

// ============================================================================
// 负载
// ============================================================================

// report 一次模拟的结果
type report struct {
	Mutators    int    `json:"mutators"`
	ElapsedNs   int64  `json:"elapsed_ns"`
	Allocations int64  `json:"allocations"`
	OOMRetries  int64  `json:"oom_retries"`
	Relocated   int64  `json:"relocated"`
	LiveObjects int    `json:"live_objects"`
	Config      string `json:"config_summary"`

	Final gc.CycleStats `json:"final_cycle"`
	Stats gc.Stats      `json:"stats"`
}

// workload 所有 mutator 共享的计数
type workload struct {
	rt       *lang.Runtime
	deadline time.Time
	limit    int64
	window   int
	relocate int64

	allocs    atomic.Int64
	ooms      atomic.Int64
	relocated atomic.Int64
}

func (w *workload) done() bool {
	if w.limit > 0 && w.allocs.Load() >= w.limit {
		return true
	}
	return time.Now().After(w.deadline)
}

func run(cfg *gc.Config) (*report, error) {
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	defer closeLog()

	rt, err := lang.NewRuntime(*cfg, logger)
	if err != nil {
		return nil, err
	}

	mutators := max(*mutatorsFlag, 1)
	w := &workload{
		rt:       rt,
		deadline: time.Now().Add(*durationFlag),
		limit:    *allocsFlag,
		window:   max(*windowFlag, 1),
		relocate: *relocateFlag,
	}
	rt.AddGlobal(nil)

	start := time.Now()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for i := 0; i < mutators; i++ {
		m := rt.NewMutator()
		wg.Add(1)
		go func(m *lang.Mutator, seed uint64) {
			defer wg.Done()
			defer m.Detach()
			if err := w.mutate(m, rand.New(rand.NewPCG(*seedFlag, seed))); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(m, uint64(i))
	}
	wg.Wait()
	elapsed := time.Since(start)

	if errs != nil {
		return nil, multierr.Append(errs, rt.Close())
	}

	// 收尾：一次完整收集后校验对象图
	m := rt.NewMutator()
	final, err := m.Collect()
	if err != nil {
		m.Detach()
		return nil, multierr.Append(err, rt.Close())
	}
	live, err := rt.VerifyHeap(m.Env())
	m.Detach()
	if err != nil {
		return nil, multierr.Append(err, rt.Close())
	}

	rep := &report{
		Mutators:    mutators,
		ElapsedNs:   elapsed.Nanoseconds(),
		Allocations: w.allocs.Load(),
		OOMRetries:  w.ooms.Load(),
		Relocated:   w.relocated.Load(),
		LiveObjects: live,
		Config:      summarize(cfg),
		Final:       final,
		Stats:       rt.Stats(),
	}
	logger.Info("simulation finished",
		zap.Int64("allocations", rep.Allocations),
		zap.Int("live", live),
		zap.Duration("elapsed", elapsed))
	return rep, rt.Close()
}

// mutate 分配对象并随机改写引用，直到负载结束
//
// 每个 mutator 保留 window 个根，新对象要么成为根，要么挂到某个根下，
// 被替换掉的根连同其子图变成垃圾。
func (w *workload) mutate(m *lang.Mutator, rng *rand.Rand) error {
	for !w.done() {
		refs := 1 + rng.IntN(4)
		if rng.IntN(200) == 0 {
			refs = 64 + rng.IntN(512)
		}

		obj, err := m.Alloc(refs)
		if err != nil {
			if !errors.Is(err, heap.ErrOutOfMemory) {
				return err
			}
			// 丢掉一半根再继续
			w.ooms.Inc()
			for m.RootCount() > w.window/2 {
				m.PopRoot()
			}
			continue
		}
		n := w.allocs.Inc()
		if w.relocate > 0 && n%w.relocate == 0 && m.RootCount() > 0 {
			if err := w.relocateRoot(m, rng); err != nil {
				return err
			}
		}

		if m.RootCount() < w.window {
			m.PushRoot(obj)
			continue
		}
		parent := m.Root(rng.IntN(m.RootCount()))
		if parent != nil && parent.NumRefs() > 0 {
			m.Store(parent, rng.IntN(parent.NumRefs()), obj)
		}
		switch rng.IntN(8) {
		case 0:
			m.SetRoot(rng.IntN(m.RootCount()), obj)
		case 1:
			w.rt.SetGlobal(0, obj)
		}
	}
	return nil
}

// relocateRoot 迁移一个随机的根对象；没有空间时跳过
func (w *workload) relocateRoot(m *lang.Mutator, rng *rand.Rand) error {
	obj := m.Root(rng.IntN(m.RootCount()))
	if obj == nil {
		return nil
	}
	if _, err := m.Relocate(obj); err != nil {
		if errors.Is(err, heap.ErrOutOfMemory) {
			return nil
		}
		return err
	}
	w.relocated.Inc()
	return nil
}

func summarize(cfg *gc.Config) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "heap=%s/%s region=%s", formatBytes(cfg.Heap.InitialSize), formatBytes(cfg.Heap.MaxSize), formatBytes(cfg.Heap.RegionSize))
	fmt.Fprintf(&sb, " concurrent=%v helpers=%d passes=%d", cfg.Concurrent.Enabled, cfg.Concurrent.HelperThreads, cfg.Concurrent.CardCleaningPasses)
	return sb.String()
}

// ============================================================================
// 文本报告
// ============================================================================

func printReport(rep *report) {
	fmt.Println("=== gcsim report ===")
	fmt.Printf("配置:       %s\n", rep.Config)
	fmt.Printf("mutators:   %d\n", rep.Mutators)
	fmt.Printf("运行时长:   %v\n", time.Duration(rep.ElapsedNs))
	fmt.Printf("分配对象:   %d (OOM 重试 %d, 迁移 %d)\n", rep.Allocations, rep.OOMRetries, rep.Relocated)
	fmt.Printf("存活对象:   %d\n", rep.LiveObjects)
	fmt.Println()

	s := rep.Stats
	fmt.Println("--- 收集器 ---")
	fmt.Printf("周期:       %d (并发 %d, 全局 %d, 中止 %d)\n", s.Cycles, s.ConcurrentCycles, s.GlobalCycles, s.Aborts)
	fmt.Printf("STW:        总计 %v, 最长 %v\n", time.Duration(s.TotalSTWNs), time.Duration(s.MaxSTWNs))
	fmt.Printf("溢出:       %d 项 (sticky=%v)\n", s.OverflowedItems, s.ConcurrentWorkStackOverflowOccurred)
	fmt.Printf("当前状态:   mode=%s phase=%s\n", s.Mode, s.CardCleanPhase)
	fmt.Println()

	f := rep.Final
	fmt.Println("--- 最后一次收集 ---")
	fmt.Printf("类型:       %s (%s)\n", f.Kind, f.Reason)
	fmt.Printf("标记对象:   %d\n", f.MarkedObjects)
	fmt.Printf("STW:        %v\n", time.Duration(f.STWNs))
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fG", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fM", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fK", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%dB", n)
}

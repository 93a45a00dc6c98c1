package cli

// ============================================================================
// run 命令
// ============================================================================
//
// 啟動順序：
//   1. worker pool（適應度評估）
//   2. journal、metrics collector
//   3. 從狀態檔恢復計算，或依設定組裝新的計算
//      （新的計算會把舊的 journal 改名備份，journal 只記錄狀態檔裡的那一個計算）
//   4. Controller 啟動並載入計算
//   5. errgroup 監督 metrics / gRPC 伺服器與 Controller
//
// 結束流程（只執行一次）：
//   存檔（save_on_exit）→ 送出 Terminate → 等待 worker 結束 → 關閉伺服器
//
// 非互動模式送出 Start，第一次 SimulationCompleted 時結束；
// 互動模式從 stdin 逐行讀取指令，EOF 或 quit 時結束。
// ============================================================================

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/evorun/internal/controller"
	"github.com/ChuLiYu/evorun/internal/evolve"
	"github.com/ChuLiYu/evorun/internal/metrics"
	"github.com/ChuLiYu/evorun/internal/schedule"
	"github.com/ChuLiYu/evorun/internal/server"
	"github.com/ChuLiYu/evorun/internal/snapshot"
	"github.com/ChuLiYu/evorun/internal/storage/wal"
	"github.com/ChuLiYu/evorun/internal/worker"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const saveTimeout = 10 * time.Second

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

type runOptions struct {
	Interactive bool
	In          io.Reader
	Out         io.Writer
}

// setupLogging 依設定等級建立 slog handler 並套用到各套件
func setupLogging(level string, w io.Writer) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	l := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(l)
	controller.SetLogger(l)
	worker.SetLogger(l)
	server.SetLogger(l)
	return nil
}

func runSystem(ctx context.Context, cfg *Config, opts runOptions) error {
	pool := worker.NewPool(cfg.Workers.BufferSize)
	if err := pool.Start(cfg.Workers.Count); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer pool.Stop()

	reg := prometheus.NewRegistry()
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(reg)
	}

	for _, p := range []string{cfg.State.Path, cfg.State.Journal} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	var journal *wal.Journal
	if cfg.State.Journal != "" {
		j, err := wal.NewJournal(cfg.State.Journal, false)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()
		journal = j
	}

	var mgr *snapshot.Manager
	if cfg.State.Path != "" {
		mgr = snapshot.NewManager(cfg.State.Path)
	}

	s, store, err := loadComputation(cfg, pool, mgr)
	if err != nil {
		return err
	}
	if store == nil && journal.GetLastSeq() > 0 {
		if err := journal.Rotate(); err != nil {
			return fmt.Errorf("failed to rotate journal: %w", err)
		}
		slog.Info("Journal rotated", "path", journal.Path())
	}

	// 先建立 listener，port 被占用時在啟動 Controller 之前失敗
	var lis net.Listener
	if cfg.GRPC.Enabled {
		lis, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
		}
	}

	out := newConsole(opts.Out, cfg.Control.FeedbackEvery)
	ctrl := controller.New(controller.Config{
		SpeedLimit:  cfg.Control.SpeedLimit,
		Metrics:     collector,
		Journal:     journal,
		KeepBackups: cfg.State.KeepBackups,
	}, out)
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	if err := ctrl.Load(s, store); err != nil {
		if lis != nil {
			lis.Close()
		}
		ctrl.Send(controller.Terminate)
		ctrl.Wait()
		return fmt.Errorf("failed to load computation: %w", err)
	}

	var (
		once    sync.Once
		saveErr error
	)
	shutdown := func() {
		once.Do(func() {
			if mgr != nil && cfg.State.SaveOnExit {
				sctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
				defer cancel()
				if err := ctrl.Save(sctx, mgr); err != nil && !errors.Is(err, controller.ErrNotLoaded) {
					saveErr = fmt.Errorf("failed to save state: %w", err)
				}
			}
			ctrl.Send(controller.Terminate)
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServers := context.WithCancel(gctx)
	defer stopServers()

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			slog.Info("Starting metrics server", "port", cfg.Metrics.Port)
			return metrics.StartServer(srvCtx, cfg.Metrics.Port, reg)
		})
	}
	if lis != nil {
		g.Go(func() error {
			return server.Serve(srvCtx, lis, server.NewServer(ctrl))
		})
	}

	g.Go(func() error {
		var completed <-chan struct{}
		if !opts.Interactive {
			completed = out.completed
		}
		select {
		case <-gctx.Done():
		case <-completed:
		case <-ctrl.Done():
		}
		shutdown()
		ctrl.Wait()
		stopServers()
		return nil
	})

	if opts.Interactive {
		// 阻塞在 Read 上無法取消，不納入 errgroup
		go readCommands(opts.In, ctrl, out, shutdown)
	} else {
		ctrl.Send(controller.Start)
	}

	slog.Info("System started", "computation", s.ID(), "interactive", opts.Interactive)
	err = g.Wait()
	out.summary(ctrl.Status())
	return errors.Join(err, saveErr)
}

// loadComputation 狀態檔存在時恢復，否則依設定組裝
func loadComputation(cfg *Config, pool *worker.Pool, mgr *snapshot.Manager) (*schedule.Schedule, *controller.Store, error) {
	if mgr != nil && mgr.Exists() {
		f, err := mgr.Load()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load state: %w", err)
		}
		s, store, err := f.Restore(evolve.NewRegistry(pool))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to restore state: %w", err)
		}
		slog.Info("Resumed computation", "path", mgr.GetPath(), "current", s.Index(), "checkpoints", store.Len())
		return s, store, nil
	}

	s, err := evolve.NewSchedule(cfg.Batches, evolve.Options{
		Pool:        pool,
		DecayBase:   cfg.Decay.Base,
		DecayFactor: cfg.Decay.Factor,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build computation: %w", err)
	}
	return s, nil, nil
}

// readCommands 每行一個指令；"quit" / "exit" 或 EOF 結束
func readCommands(r io.Reader, ctrl *controller.Controller, out *console, shutdown func()) {
	defer shutdown()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "quit", "exit":
			return
		case "status":
			out.status(ctrl.Status())
			continue
		}

		a, err := controller.ParseAction(line)
		if err != nil {
			out.printf("%s %v\n", red("error:"), err)
			continue
		}
		if a.Kind == controller.ActionTerminate {
			return
		}
		ctrl.Send(a)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("Failed to read commands", "error", err)
	}
}

// ============================================================================
// console: controller.Output 的終端機實作
// ============================================================================

type console struct {
	mu        sync.Mutex
	w         io.Writer
	every     int
	steps     int
	best      int
	runs      int
	completed chan struct{}
}

func newConsole(w io.Writer, every int) *console {
	if w == nil {
		w = os.Stdout
	}
	return &console{w: w, every: every, completed: make(chan struct{}, 1)}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

// capture 在 worker goroutine 上讀取 BestTracker
func (c *console) capture(s *schedule.Schedule) {
	if t, ok := evolve.Tracker(s); ok {
		c.best = t.Best()
		c.runs = len(t.Runs())
	}
}

func (c *console) AsynchronousFeedback(s *schedule.Schedule, _ *controller.Store) {
	if s == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capture(s)
	c.steps++
	if c.every > 0 && c.steps%c.every == 0 {
		fmt.Fprintf(c.w, "  %s  best=%d\n", s.Index(), c.best)
	}
}

func (c *console) SynchronousFeedback(s *schedule.Schedule, store *controller.Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capture(s)
	fmt.Fprintf(c.w, "%s %s at %s (%d checkpoints)\n", cyan("computation"), s.ID(), s.Index(), store.Len())
}

func (c *console) SimulationCompleted(last controller.Action) {
	c.printf("%s after %s\n", green("completed"), last)
	select {
	case c.completed <- struct{}{}:
	default:
	}
}

func (c *console) SimulationException(err error) {
	c.printf("%s %v\n", red("step failed:"), err)
}

func (c *console) Terminated(last controller.Action) {
	c.printf("%s after %s\n", yellow("terminated"), last)
}

func (c *console) status(st controller.Status) {
	c.printf("current=%s next=%s running=%t checkpoints=%d steps=%d\n",
		st.Current, st.Next, st.Running(), st.Checkpoints, st.Steps)
}

func (c *console) summary(st controller.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "\nbest fitness %d over %d runs\n", c.best, c.runs)
	fmt.Fprintf(c.w, "steps %d, failures %d, checkpoints %d, run time %s\n",
		st.Steps, st.Failures, st.Checkpoints, st.RunTime.Round(time.Millisecond))
}

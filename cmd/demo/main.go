package main

// ============================================================================
// Crash / recover demo
// ============================================================================
//
//   go run ./cmd/demo start     # 限速執行，Ctrl+C 或 3 秒後存檔離開
//   go run ./cmd/demo recover   # 從狀態檔恢復，倒帶重播後跑到結束
// ============================================================================

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/evorun/internal/controller"
	"github.com/ChuLiYu/evorun/internal/evolve"
	"github.com/ChuLiYu/evorun/internal/snapshot"
	"github.com/ChuLiYu/evorun/internal/worker"
	"github.com/ChuLiYu/evorun/pkg/types"
)

const statePath = "demo-state.json"

var batches = []evolve.BatchSpec{
	{Runs: 3, Population: 32, GenomeLength: 64, MaxGenerations: 40, Seed: 1},
	{Runs: 2, Population: 32, GenomeLength: 64, MaxGenerations: 40, MutationRate: 0.05, Seed: 2},
}

// demoOutput 只關心完成通知
type demoOutput struct {
	controller.NopOutput
	completed chan struct{}
}

func (o *demoOutput) SimulationCompleted(controller.Action) {
	select {
	case o.completed <- struct{}{}:
	default:
	}
}

func (o *demoOutput) SimulationException(err error) {
	fmt.Printf("❌ %v\n", err)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	pool := worker.NewPool(64)
	if err := pool.Start(4); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}
	defer pool.Stop()

	out := &demoOutput{completed: make(chan struct{}, 1)}
	ctrl := controller.New(controller.Config{SpeedLimit: 40}, out)
	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	defer func() {
		ctrl.Send(controller.Terminate)
		ctrl.Wait()
		fmt.Println("✓ Controller stopped")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	mgr := snapshot.NewManager(statePath)

	switch mode {
	case "start":
		s, err := evolve.NewSchedule(batches, evolve.Options{Pool: pool})
		if err != nil {
			log.Fatalf("Failed to build computation: %v", err)
		}
		if err := ctrl.Load(s, nil); err != nil {
			log.Fatalf("Failed to load computation: %v", err)
		}
		ctrl.Send(controller.Start)
		fmt.Printf("✓ Computation %s started at 40 generations/s\n", s.ID())
		fmt.Printf("💡 Press Ctrl+C to interrupt; state is saved either way\n\n")

		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.After(3 * time.Second)
	loop:
		for {
			select {
			case <-sigChan:
				fmt.Println("\nReceived shutdown signal")
				break loop
			case <-deadline:
				break loop
			case <-out.completed:
				fmt.Println("\n⚠️  Computation finished before the interrupt")
				break loop
			case <-ticker.C:
				st := ctrl.Status()
				fmt.Printf("📊 %s  steps=%d checkpoints=%d\n", st.Current, st.Steps, st.Checkpoints)
			}
		}

		ctrl.Send(controller.Suspend)
		if err := ctrl.Save(context.Background(), mgr); err != nil {
			log.Fatalf("Failed to save state: %v", err)
		}
		fmt.Printf("✓ State saved to %s\n", statePath)

	case "recover":
		f, err := mgr.Load()
		if err != nil {
			log.Fatalf("Failed to load state: %v", err)
		}
		s, store, err := f.Restore(evolve.NewRegistry(pool))
		if err != nil {
			log.Fatalf("Failed to restore state: %v", err)
		}
		interrupted := s.Index()
		if err := ctrl.Load(s, store); err != nil {
			log.Fatalf("Failed to load computation: %v", err)
		}
		fmt.Printf("✓ Recovered at %s with %d checkpoints\n", interrupted, store.Len())

		// 倒帶到第一個 run 的第 5 代，再從檢查點重播回中斷點
		rewind := types.TimeIndex{Batch: 1, Run: 1, Generation: 5}
		ctrl.Send(controller.SetSpeed(0), controller.StartSeekSequence, controller.SeekToTarget(rewind), controller.EndSeekSequence)
		wait(out, sigChan)
		fmt.Printf("⏪ Rewound to %s\n", ctrl.Status().Current)

		ctrl.Send(controller.SeekToTarget(interrupted))
		wait(out, sigChan)
		fmt.Printf("⏩ Replayed to %s\n", ctrl.Status().Current)

		ctrl.Send(controller.Start)
		wait(out, sigChan)
		st := ctrl.Status()
		fmt.Printf("\n📊 Final: steps=%d checkpoints=%d run time=%s\n", st.Steps, st.Checkpoints, st.RunTime.Round(time.Millisecond))

	default:
		fmt.Printf("Unknown mode %q\n", mode)
		os.Exit(1)
	}
}

func wait(out *demoOutput, sigChan <-chan os.Signal) {
	select {
	case <-out.completed:
	case <-sigChan:
		fmt.Println("\nReceived shutdown signal")
	}
}

package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 處理頂層 panic，所有邏輯在 internal/cli
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/evorun/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	cli.Execute()
}

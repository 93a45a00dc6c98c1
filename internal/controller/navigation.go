package controller

// ============================================================================
// Seek 導航
// ============================================================================
//
// 每個 seek 指令都是「目前位置 → 新目標」的純函式，接著由 seekTo
// 決定是否需要載入檢查點：
//
//   目標早於 live index            → 載入 <= 目標的最近檢查點
//   live index 與目標之間有檢查點   → 直接跳到該檢查點
//   其他                           → 從 live index 往前步進
//
// 「目前位置」在有待完成的 seek 時是 seekTarget，否則是 live index，
// 所以連續送出多個 seek 會累加（例如三次 StepBack 退三代）。
// ============================================================================

import (
	"github.com/ChuLiYu/evorun/internal/storage/wal"
	"github.com/ChuLiYu/evorun/pkg/types"
)

func (c *Controller) applySeek(a Action) {
	if c.schedule == nil {
		log.Warn("Seek ignored: no computation loaded", "action", a.String())
		return
	}
	c.dirty = true

	p := c.position()
	switch a.Kind {
	case ActionSeekToStart:
		c.seekTo(types.Start)
	case ActionSeekToReplayEnd:
		last, err := c.store.LastPoint()
		if err != nil {
			log.Warn("Seek ignored: no checkpoints", "action", a.String())
			return
		}
		c.seekTo(last)
	case ActionSeekToTarget:
		c.seekTo(a.Target)
	case ActionSeekToLastBatch:
		c.seekTo(c.lastBatchTarget(p))
	case ActionSeekToNextBatch:
		c.seekTo(c.clamp(p.NextBatchStart()))
	case ActionSeekToLastRun:
		c.seekTo(c.lastRunTarget(p))
	case ActionSeekToNextRun:
		c.seekTo(c.clamp(p.NextRunStart()))
	case ActionSeekToLastGeneration, ActionStepBack:
		c.seekTo(c.stepBackTarget(p))
	case ActionSeekToNextGeneration:
		if c.hasSeek {
			c.seekTo(p.NextGeneration())
		} else {
			c.seekTo(c.schedule.NextIndex())
		}
	case ActionStepForward:
		c.stepForward(p)
	}
}

// position 導航的基準位置
func (c *Controller) position() types.TimeIndex {
	if c.hasSeek && c.seekTarget.Less(types.Last) {
		return c.seekTarget
	}
	return c.schedule.Index()
}

func (c *Controller) lastBatchTarget(p types.TimeIndex) types.TimeIndex {
	switch {
	case p.IsStart():
		return types.Start
	case p != p.BatchStart():
		return p.BatchStart()
	case p.Batch > 1:
		return types.TimeIndex{Batch: p.Batch - 1, Run: 1, Generation: 1}
	}
	return types.Start
}

func (c *Controller) lastRunTarget(p types.TimeIndex) types.TimeIndex {
	switch {
	case p.IsStart():
		return types.Start
	case p != p.RunStart():
		return p.RunStart()
	case p.Run > 1:
		return types.TimeIndex{Batch: p.Batch, Run: p.Run - 1, Generation: 1}
	case p.Batch > 1:
		if last, ok := c.store.LastPointInBatch(p.Batch - 1); ok {
			return last.RunStart()
		}
		if desc, err := c.schedule.Catalog().At(p.Batch - 1); err == nil {
			return types.TimeIndex{Batch: p.Batch - 1, Run: desc.Runs, Generation: 1}
		}
	}
	return types.Start
}

// stepBackTarget 上一代；已在 run 起點時退到前一個檢查點（前一個 run 的最後一代）
func (c *Controller) stepBackTarget(p types.TimeIndex) types.TimeIndex {
	if p.Generation > 1 {
		p.Generation--
		return p
	}
	if prev, ok := c.store.PrevPoint(p); ok {
		return prev
	}
	return types.Start
}

// clamp 把超出批次 run 數或目錄長度的目標修正成下一個合法位置或 End
func (c *Controller) clamp(t types.TimeIndex) types.TimeIndex {
	catalog := c.schedule.Catalog()
	for !t.IsStart() && t.Less(types.Last) {
		desc, err := catalog.At(t.Batch)
		if err != nil {
			return types.End
		}
		if t.Run <= desc.Runs {
			return t
		}
		t = t.NextBatchStart()
	}
	return t
}

// stepForward 前進到下一個 run
//
// 目標已經造訪過時與 SeekToNextRun 相同；否則立即跳過目前的 run，
// 捨棄之後的檢查點並在跳過後的位置追加新的檢查點。
func (c *Controller) stepForward(p types.TimeIndex) {
	target := c.clamp(p.NextRunStart())

	live := c.schedule.Index()
	if p != live {
		c.seekTo(target)
		return
	}
	if last, err := c.store.LastPoint(); err == nil && !last.Less(target) {
		c.seekTo(target)
		return
	}
	if !c.schedule.Skip() {
		c.seekTo(target)
		return
	}

	c.store.RemoveAllSince(live)
	c.store.AddPoint(c.schedule, true)
	c.hasSeek = false
	if next := c.schedule.NextIndex(); !next.IsEnd() {
		c.seekTarget, c.hasSeek = next, true
	}

	log.Debug("Skipped run", "index", live, "next", c.schedule.NextIndex())
	c.cfg.Metrics.RecordSeek()
	c.record(wal.EventSeek, live, "skip", false)
	c.out.AsynchronousFeedback(c.schedule, c.store)
}

// seekTo 設定 seek 目標，必要時先載入檢查點
func (c *Controller) seekTo(t types.TimeIndex) {
	cur := c.schedule.Index()
	cp, ok := c.store.CheckpointIndexFor(t)

	if t.Less(cur) || (ok && cur.Less(cp)) {
		if !ok {
			log.Warn("Seek target precedes every checkpoint", "target", t)
			c.hasSeek = false
			return
		}
		if err := c.jump(t); err != nil {
			log.Warn("Failed to load checkpoint", "target", t, "error", err)
			c.hasSeek = false
			return
		}
	}

	c.seekTarget, c.hasSeek = t, true
	log.Debug("Seek", "target", t, "from", cur, "live", c.schedule.Index())
	c.cfg.Metrics.RecordSeek()
	c.record(wal.EventSeek, c.schedule.Index(), "target="+t.String(), false)
	c.out.AsynchronousFeedback(c.schedule, c.store)
}

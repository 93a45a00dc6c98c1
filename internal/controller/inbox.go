package controller

import (
	"sync"
	"time"
)

// request 佇列中的一筆請求：指令，或必須在 worker goroutine 上執行的函式
type request struct {
	action Action
	run    func()
}

// inbox 無上限 FIFO；push 不阻塞也不會失敗
//
// signal 容量為 1，只用來喚醒 worker。等待之前一律先檢查 pending()，
// 所以多餘或被提前消耗的訊號不會造成遺漏。
type inbox struct {
	mu     sync.Mutex
	items  []request
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (q *inbox) push(reqs ...request) {
	q.mu.Lock()
	q.items = append(q.items, reqs...)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drain 依加入順序取出全部請求
func (q *inbox) drain() []request {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	select {
	case <-q.signal:
	default:
	}
	return items
}

func (q *inbox) pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

// wait 阻塞直到佇列非空
func (q *inbox) wait() {
	for !q.pending() {
		<-q.signal
	}
}

// Wait 實作 timing.Waitable：等待 d，或在新請求到達時提前返回 true
func (q *inbox) Wait(d time.Duration) bool {
	if q.pending() {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-q.signal:
		return true
	case <-timer.C:
		return q.pending()
	}
}

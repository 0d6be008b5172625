package service

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// EventDeduplicator 推送事件去重器
// 冗余连接对中的两条物理连接会收到同一事件各一次，以负载的结构化哈希为键，
// 先到放行、后到丢弃。内存有界：超出窗口后按 FIFO 淘汰最旧的哈希
type EventDeduplicator struct {
	mu   sync.Mutex
	seen map[uint64]struct{}
	ring []uint64 // 淘汰顺序
	next int

	dropped uint64
}

// NewEventDeduplicator 创建去重器，window 为记忆的最近事件数
func NewEventDeduplicator(window int) *EventDeduplicator {
	if window <= 0 {
		window = 4096
	}
	return &EventDeduplicator{
		seen: make(map[uint64]struct{}, window),
		ring: make([]uint64, window),
	}
}

// Seen 判断负载是否已经出现过；未出现过则记录并返回 false
func (d *EventDeduplicator) Seen(payload []byte) bool {
	h := xxhash.Sum64(payload)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[h]; ok {
		d.dropped++
		return true
	}

	// 覆盖环上最旧的槽位
	if old := d.ring[d.next]; old != 0 {
		delete(d.seen, old)
	}
	d.ring[d.next] = h
	d.next = (d.next + 1) % len(d.ring)
	d.seen[h] = struct{}{}
	return false
}

// Dropped 返回累计丢弃的重复事件数
func (d *EventDeduplicator) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

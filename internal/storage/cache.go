package storage

import (
	"sync"

	"github.com/relaydb/engine/internal/event"
)

// readCache is a bounded, read-through LRU of tid -> latest known event. It
// is a pure performance enrichment: a miss always falls through to the
// normal memtable/SSTable scan, so it never changes get_event_by_key's
// correctness, only its hit latency.
type readCache struct {
	capacity  int
	items     map[event.TID]*cacheItem
	evictList *list
	mu        sync.RWMutex
}

type cacheItem struct {
	tid   event.TID
	event *event.Event
	node  *listNode
}

type listNode struct {
	prev, next *listNode
	item       *cacheItem
}

type list struct {
	head, tail *listNode
}

func newList() *list {
	head := &listNode{}
	tail := &listNode{}
	head.next = tail
	tail.prev = head
	return &list{head: head, tail: tail}
}

func (l *list) pushFront(node *listNode) {
	node.prev = l.head
	node.next = l.head.next
	l.head.next.prev = node
	l.head.next = node
}

func (l *list) remove(node *listNode) {
	node.prev.next = node.next
	node.next.prev = node.prev
}

func (l *list) moveToFront(node *listNode) {
	l.remove(node)
	l.pushFront(node)
}

func (l *list) removeLast() *listNode {
	last := l.tail.prev
	if last == l.head {
		return nil
	}
	l.remove(last)
	return last
}

func newReadCache(capacity int) *readCache {
	return &readCache{
		capacity:  capacity,
		items:     make(map[event.TID]*cacheItem),
		evictList: newList(),
	}
}

func (c *readCache) get(tid event.TID) (*event.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[tid]; ok {
		c.evictList.moveToFront(item.node)
		return item.event, true
	}
	return nil, false
}

func (c *readCache) put(tid event.TID, e *event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if item, ok := c.items[tid]; ok {
		item.event = e
		c.evictList.moveToFront(item.node)
		return
	}

	item := &cacheItem{tid: tid, event: e}
	node := &listNode{item: item}
	item.node = node
	c.items[tid] = item
	c.evictList.pushFront(node)

	if len(c.items) > c.capacity {
		if oldest := c.evictList.removeLast(); oldest != nil {
			delete(c.items, oldest.item.tid)
		}
	}
}

func (c *readCache) remove(tid event.TID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[tid]; ok {
		c.evictList.remove(item.node)
		delete(c.items, tid)
	}
}

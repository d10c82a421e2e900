package packstore

import "container/list"

// lru is a byte-weighted cache of decoded entry payloads keyed by
// absolute offset. A value heavier than a tenth of the capacity is
// never retained: a single oversized entry would otherwise evict the
// whole working set.
type lru struct {
	capacity int64
	weight   int64
	order    *list.List
	items    map[int64]*list.Element
}

type lruItem struct {
	offset int64
	value  []byte
}

func newLRU(capacity int64) *lru {
	return &lru{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[int64]*list.Element),
	}
}

func (c *lru) get(offset int64) ([]byte, bool) {
	el, ok := c.items[offset]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruItem).value, true
}

func (c *lru) add(offset int64, value []byte) {
	if c.capacity <= 0 {
		return
	}
	w := int64(len(value))
	if w > c.capacity/10 {
		return
	}
	if el, ok := c.items[offset]; ok {
		item := el.Value.(*lruItem)
		c.weight += w - int64(len(item.value))
		item.value = value
		c.order.MoveToFront(el)
	} else {
		c.items[offset] = c.order.PushFront(&lruItem{offset: offset, value: value})
		c.weight += w
	}
	for c.weight > c.capacity {
		back := c.order.Back()
		if back == nil {
			break
		}
		item := back.Value.(*lruItem)
		c.order.Remove(back)
		delete(c.items, item.offset)
		c.weight -= int64(len(item.value))
	}
}

func (c *lru) purge() {
	c.order.Init()
	c.items = make(map[int64]*list.Element)
	c.weight = 0
}

func (c *lru) len() int { return len(c.items) }

// ABOUTME: Bounded TTL set of recently ingested callback identifiers.
// ABOUTME: Lets the relay ignore workflow callbacks the engine redelivers.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used when New is given non-positive values.
const (
	DefaultTTL        = 10 * time.Minute
	DefaultMaxEntries = 10000
)

// State is where a claimed key is in its lifecycle.
type State int

const (
	// StateNew means the caller now owns the key and must Complete or Forget it.
	StateNew State = iota
	// StatePending means another caller claimed the key and has not finished.
	StatePending
	// StateDone means the key was completed within the TTL.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StatePending:
		return "pending"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

type entry struct {
	key    string
	seenAt time.Time
	done   bool
}

// Cache remembers keys for a fixed TTL, each either pending or done. When
// full, the least recently marked key is evicted first. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // front is oldest
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxEntries,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval(ttl))
	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	iv := ttl / 2
	if iv > time.Minute {
		iv = time.Minute
	}
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

// Key joins a conversation ID and a callback ID. Callback IDs are scoped to
// their conversation so two conversations may reuse one.
func Key(conversationID, callbackID string) string {
	return conversationID + "\x00" + callbackID
}

// Claim reports the state of key. An unknown or expired key is marked
// pending and StateNew is returned; the check and mark happen under one lock.
func (c *Cache) Claim(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			if e.done {
				return StateDone
			}
			return StatePending
		}
		e.seenAt = now
		e.done = false
		c.order.MoveToBack(el)
		return StateNew
	}

	for len(c.index) >= c.maxSize {
		c.removeElement(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seenAt: now})
	return StateNew
}

// Complete marks a claimed key done. The TTL restarts from now.
func (c *Cache) Complete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		for len(c.index) >= c.maxSize {
			c.removeElement(c.order.Front())
		}
		c.index[key] = c.order.PushBack(&entry{key: key, seenAt: c.now(), done: true})
		return
	}
	e := el.Value.(*entry)
	e.seenAt = c.now()
	e.done = true
	c.order.MoveToBack(el)
}

// Forget drops key so a redelivery is processed again. Used when ingesting a
// claimed callback failed.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of tracked keys, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

func (c *Cache) removeElement(el *list.Element) {
	if el == nil {
		return
	}
	e := c.order.Remove(el).(*entry)
	delete(c.index, e.key)
}

func (c *Cache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep removes expired keys. Entries are ordered by mark time, so it stops
// at the first live one.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.removeElement(el)
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

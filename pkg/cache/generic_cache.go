package cache

import (
	"sync"
	"time"
)

type GenericCache struct {
	defaultTTL time.Duration
	store      sync.Map

	stopEvict sync.Once
	evictStop chan struct{}
}

// New builds a GenericCache. Entries default to defaultTTL unless stored
// with SetWithTTL. If cleanupInterval is positive, a background eviction
// loop removes expired entries on that interval until Stop is called;
// expired entries are dropped on read either way, so the loop only matters
// for keys that stop being read — credentials of roles no longer deployed
// to, fleet snapshots of a finished run.
func New(defaultTTL, cleanupInterval time.Duration) Cache {
	c := &GenericCache{
		defaultTTL: defaultTTL,
	}

	if cleanupInterval > 0 {
		c.evictStop = make(chan struct{})
		go c.evictionLoop(cleanupInterval)
	}

	return c
}

// evictionLoop drops expired entries from the backing map until Stop.
func (c *GenericCache) evictionLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.deleteExpired()
		case <-c.evictStop:
			return
		}
	}
}

func (c *GenericCache) Get(key string) (interface{}, bool) {
	val, ok := c.store.Load(key)
	if ok {
		item := val.(item)
		if !item.Expired() {
			return item.Value, true
		}
		c.store.Delete(key)
	}
	return nil, false
}

func (c *GenericCache) Set(key string, value interface{}) {
	c.SetWithTTL(key, value, DefaultExpiration)
}

func (c *GenericCache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	var expires int64
	if ttl == DefaultExpiration {
		ttl = c.defaultTTL
	}
	if ttl > 0 {
		expires = time.Now().Add(ttl).UnixNano()
	}
	c.store.Store(key, item{
		Value:      value,
		Expiration: expires,
	})
}

func (c *GenericCache) Delete(k string) {
	c.store.Delete(k)
}

func (c *GenericCache) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

func (c *GenericCache) Keys() []string {
	var keys []string
	c.store.Range(func(key, value interface{}) bool {
		item := value.(item)
		if !item.Expired() {
			if kStr, ok := key.(string); ok {
				keys = append(keys, kStr)
			}
		}
		return true
	})
	return keys
}

func (c *GenericCache) Count() int {
	count := 0
	c.store.Range(func(key, value interface{}) bool {
		item := value.(item)
		if !item.Expired() {
			count++
		}
		return true
	})
	return count
}

func (c *GenericCache) Flush() {
	c.store = sync.Map{}
}

// GetOrSet returns the existing unexpired value for k, or stores v with
// the default TTL. The second return value is true if a value was already
// present.
func (c *GenericCache) GetOrSet(k string, v interface{}) (interface{}, bool) {
	existing, ok := c.store.Load(k)
	if ok {
		item := existing.(item)
		if !item.Expired() {
			return item.Value, true
		}
	}

	var expires int64
	if c.defaultTTL > 0 {
		expires = time.Now().Add(c.defaultTTL).UnixNano()
	}
	newItem := item{Value: v, Expiration: expires}

	actualItem, loaded := c.store.LoadOrStore(k, newItem)
	if loaded {
		return actualItem.(item).Value, true
	}

	return newItem.Value, false
}

func (c *GenericCache) Range(f func(key string, value interface{}) bool) {
	c.store.Range(func(key, value interface{}) bool {
		kStr, ok := key.(string)
		if !ok {
			return true
		}

		item, ok := value.(item)
		if !ok || item.Expired() {
			return true
		}

		return f(kStr, item.Value)
	})
}

// Stop terminates the eviction loop, if one was started.
func (c *GenericCache) Stop() {
	if c.evictStop == nil {
		return
	}
	c.stopEvict.Do(func() { close(c.evictStop) })
}

func (c *GenericCache) deleteExpired() {
	c.store.Range(func(key, value interface{}) bool {
		item := value.(item)
		if item.Expired() {
			c.store.Delete(key)
		}
		return true
	})
}

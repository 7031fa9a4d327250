// Package cache implements the transport's response cache: completed
// RPC replies keyed by a fingerprint of the outbound message XOR the
// routing key, consulted before publishing. Only replies that have
// already arrived are served; two equivalent calls in flight at the
// same time are not merged and both publish.
// The LRU mechanics are hashicorp/golang-lru/v2; the fingerprinting is
// new, per spec §4.3.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is a CacheEntry (spec §3).
type Entry struct {
	Value     interface{}
	ExpiresAt time.Time
}

// Cache is a fixed-capacity LRU from fingerprint to Entry. Eviction is
// by least-recent write: Get reads with lru.Cache.Peek, which leaves
// recency alone, so only Add touches an entry.
type Cache struct {
	lru *lru.Cache[string, Entry]
}

// New builds a cache of the given capacity. Capacity <= 0 disables
// the cache (every Get misses, every Set is a no-op), matching
// config.cache = 0 meaning "no cache".
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return &Cache{}, nil
	}
	l, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

// Get returns the cached value for (message, routingKey) if a live
// entry exists. An entry is live until the expiry Set gave it; the
// ttlSeconds passed here does not shorten or extend that expiry. A
// stale-but-present entry is evicted and reported as a miss.
// ttlSeconds <= 0 always misses (spec: "absence of TTL disables both
// read and write").
func (c *Cache) Get(message interface{}, routingKey string, ttlSeconds int) (interface{}, bool) {
	if c.lru == nil || ttlSeconds <= 0 {
		return nil, false
	}
	key := Fingerprint(message, routingKey)
	entry, ok := c.lru.Peek(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.Value, true
}

// Set stores value under the fingerprint of (message, routingKey)
// with the given ttl. It is a no-op when the cache is disabled or
// ttlSeconds <= 0 (the caller did not opt in), matching spec's "set is
// a no-op when the key is null".
func (c *Cache) Set(message interface{}, routingKey string, ttlSeconds int, value interface{}) {
	if c.lru == nil || ttlSeconds <= 0 {
		return
	}
	key := Fingerprint(message, routingKey)
	c.lru.Add(key, Entry{Value: value, ExpiresAt: time.Now().Add(time.Duration(ttlSeconds) * time.Second)})
}

// Fingerprint computes a stable, key-order-independent hash of
// message XOR'd with a hash of routingKey.
func Fingerprint(message interface{}, routingKey string) string {
	msgHash := sha256.Sum256([]byte(canonicalize(message)))
	rkHash := sha256.Sum256([]byte(routingKey))

	out := make([]byte, len(msgHash))
	for i := range out {
		out[i] = msgHash[i] ^ rkHash[i]
	}
	return hex.EncodeToString(out)
}

// canonicalize produces a key-order-independent JSON representation
// by round-tripping through a generic value and re-marshaling maps
// with sorted keys.
func canonicalize(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		// Fall back to %#v-ish stability; callers only use this for
		// cache keys, never for wire transmission.
		return ""
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}

	b, _ := marshalSorted(generic)
	return string(b)
}

func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil

	case []interface{}:
		out := []byte("[")
		for i, e := range val {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, ']')
		return out, nil

	default:
		return json.Marshal(val)
	}
}

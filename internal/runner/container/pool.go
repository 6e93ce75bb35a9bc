package container

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// poolKey identifies a reusable warm container by (image, command,
// envDigest), matching spec §4.H step 1 exactly.
func poolKey(image string, command []string, env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sorted := make(map[string]string, len(env))
	for _, k := range keys {
		sorted[k] = env[k]
	}
	raw, _ := json.Marshal(struct {
		Image   string
		Command []string
		Env     map[string]string
	}{image, command, sorted})
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum)
}

// warmContainer is one entry in the pool: a running, previously health-
// checked container plus the host port its RPC endpoint is bound to.
type warmContainer struct {
	id        string
	name      string
	hostPort  string
	image     string
	healthy   bool
	lastUsed  time.Time
	reentrant bool
	mu        sync.Mutex // serializes calls when !reentrant
}

// pool is the per-process warm container cache. Entries are removed and
// torn down when found unhealthy or when the owning run terminates.
type pool struct {
	mu      sync.Mutex
	entries map[string]*warmContainer
}

func newPool() *pool {
	return &pool{entries: make(map[string]*warmContainer)}
}

func (p *pool) get(key string) (*warmContainer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.entries[key]
	if ok && !c.healthy {
		return nil, false
	}
	return c, ok
}

func (p *pool) put(key string, c *warmContainer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.lastUsed = time.Now()
	p.entries[key] = c
}

func (p *pool) evict(key string) (*warmContainer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	return c, ok
}

// all returns every pooled container, for run-termination teardown sweeps.
func (p *pool) all() []*warmContainer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*warmContainer, 0, len(p.entries))
	for _, c := range p.entries {
		out = append(out, c)
	}
	return out
}

package conversation

import (
	"sort"
	"strconv"
	"sync"

	"llmcord/internal/domain/llm"
	"llmcord/internal/domain/platform"
)

// MessageNode is the cached, parsed interpretation of one platform message.
// Fields other than Lock are guarded by Lock; a node is computed at most
// once per process (Text stays nil until the first computation).
type MessageNode struct {
	// Lock serializes computation and reads of the fields below. Walkers
	// hold it while computing or composing; the renderer holds it on
	// response messages until the exchange finalizes.
	Lock sync.Mutex

	Text   *string
	Images []llm.ContentPart
	Role   string
	UserID string

	NextMessage *platform.Message
	// nextResolved marks that NextMessage (possibly nil, at a chain end)
	// has been determined; reply links never change after that.
	nextResolved bool

	HasBadAttachments bool
	FetchNextFailed   bool
}

// Computed reports whether the node still needs a computation pass.
// Images are recomputed when empty while the active model accepts images,
// so a node first seen by a text-only model picks up its images later.
// Assistant nodes are final: the renderer stores the full response text,
// which a recomputation from the platform message would clobber.
func (n *MessageNode) Computed(acceptImages bool) bool {
	if n.Text == nil {
		return false
	}
	if n.Role == "assistant" {
		return true
	}
	if acceptImages && len(n.Images) == 0 {
		return false
	}
	return true
}

// Cache is the process-wide MessageNode store keyed by message ID. It is the
// only state shared across concurrent exchanges; per-node locks are the sole
// mutation discipline and the cache itself only guards its map.
type Cache struct {
	mu       sync.Mutex
	nodes    map[string]*MessageNode
	maxNodes int
}

// NewCache creates a node cache pruned above maxNodes entries.
func NewCache(maxNodes int) *Cache {
	if maxNodes <= 0 {
		maxNodes = 100
	}
	return &Cache{
		nodes:    make(map[string]*MessageNode),
		maxNodes: maxNodes,
	}
}

// GetOrCreate returns the node for messageID, inserting an empty one on
// first visit. Never blocks on node locks.
func (c *Cache) GetOrCreate(messageID string) *MessageNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if node, ok := c.nodes[messageID]; ok {
		return node
	}
	node := &MessageNode{}
	c.nodes[messageID] = node
	return node
}

// Put installs a prepared node, replacing any existing entry. Used by the
// renderer to back-link sent response messages.
func (c *Cache) Put(messageID string, node *MessageNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[messageID] = node
}

// Get returns the node for messageID if present.
func (c *Cache) Get(messageID string) (*MessageNode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node, ok := c.nodes[messageID]
	return node, ok
}

// Len returns the current number of cached nodes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Prune drops the oldest entries (lowest snowflake ID first) until the
// cache is back at maxNodes. Nodes whose lock is currently held are skipped
// so an in-flight computation is never discarded.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	over := len(c.nodes) - c.maxNodes
	if over <= 0 {
		return 0
	}

	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return snowflakeLess(ids[i], ids[j]) })

	pruned := 0
	for _, id := range ids {
		if pruned == over {
			break
		}
		node := c.nodes[id]
		if !node.Lock.TryLock() {
			continue
		}
		node.Lock.Unlock()
		delete(c.nodes, id)
		pruned++
	}
	return pruned
}

// snowflakeLess orders decimal snowflake IDs numerically, falling back to
// string order for non-numeric IDs (tests use plain strings).
func snowflakeLess(a, b string) bool {
	na, errA := strconv.ParseUint(a, 10, 64)
	nb, errB := strconv.ParseUint(b, 10, 64)
	if errA == nil && errB == nil {
		return na < nb
	}
	return a < b
}

package kvik

import "github.com/kvikproto/kvik-go/internal/trie"

// SubscribeCallback is invoked for each delivery matching a subscribed
// pattern. It runs on the transport's receive goroutine outside any client
// lock; a long-running callback blocks inbound traffic, so implementations
// should not add internal queuing here - document the cost instead.
type SubscribeCallback func(topic string, payload []byte)

// subscriptionDB is the client's local view of active subscriptions: a
// wildcard trie keyed by topic pattern, with at most one entry per exact
// pattern. Every method here assumes the caller already holds the client's
// stateLock; subscriptionDB has no lock of its own.
type subscriptionDB struct {
	trie *trie.Trie[SubscribeCallback]
}

func newSubscriptionDB(cfg *Config) (*subscriptionDB, error) {
	t, err := trie.New[SubscribeCallback](cfg.TopicSep.LevelSeparator, cfg.TopicSep.SingleLevelWildcard, cfg.TopicSep.MultiLevelWildcard)
	if err != nil {
		return nil, err
	}
	return &subscriptionDB{trie: t}, nil
}

// put inserts or overwrites the callback for an exact pattern.
func (s *subscriptionDB) put(pattern string, cb SubscribeCallback) {
	s.trie.Insert(pattern, cb)
}

// remove deletes the entry for an exact pattern, reporting whether it
// existed.
func (s *subscriptionDB) remove(pattern string) bool {
	return s.trie.Remove(pattern)
}

// exists reports whether pattern has a registered entry (with or without a
// callback).
func (s *subscriptionDB) exists(pattern string) bool {
	_, ok := s.trie.Get(pattern)
	return ok
}

// find returns every stored pattern whose wildcard semantics match the
// concrete topic, with the callback registered for each.
func (s *subscriptionDB) find(topic string) map[string]SubscribeCallback {
	return s.trie.Find(topic)
}

// patterns returns a snapshot of every currently active pattern.
func (s *subscriptionDB) patterns() []string {
	var out []string
	s.trie.ForEach(func(key string, _ SubscribeCallback) {
		out = append(out, key)
	})
	return out
}

// len reports the number of active subscriptions.
func (s *subscriptionDB) len() int {
	return s.trie.Len()
}

package service

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nethesis/matrix-appservice/logger"
)

// DefaultDedupBound is the number of recent transaction IDs the in-memory
// layer remembers. Recent re-deliveries are suppressed; total history is
// not required.
const DefaultDedupBound = 128

// DedupStore tracks recently completed transaction IDs. The optional storage
// provider is consulted first and written through; the in-memory LRU caps
// growth regardless.
type DedupStore struct {
	cache   *lru.Cache[string, struct{}]
	storage Storage
}

// NewDedupStore creates a dedup store with the given bound. bound <= 0 falls
// back to DefaultDedupBound. storage may be nil.
func NewDedupStore(bound int, storage Storage) *DedupStore {
	if bound <= 0 {
		bound = DefaultDedupBound
	}
	cache, _ := lru.New[string, struct{}](bound)
	return &DedupStore{cache: cache, storage: storage}
}

// Contains reports whether the transaction ID was already processed.
func (d *DedupStore) Contains(txnID string) bool {
	if d.storage != nil {
		done, err := d.storage.IsTransactionCompleted(txnID)
		if err != nil {
			logger.Warn().Str("txn_id", txnID).Err(err).Msg("dedup storage lookup failed")
		} else if done {
			return true
		}
	}
	return d.cache.Contains(txnID)
}

// Mark records the transaction ID as processed, evicting the oldest entry
// when the bound is exceeded.
func (d *DedupStore) Mark(txnID string) {
	d.cache.Add(txnID, struct{}{})
	if d.storage != nil {
		if err := d.storage.SetTransactionCompleted(txnID); err != nil {
			logger.Warn().Str("txn_id", txnID).Err(err).Msg("dedup storage write failed")
		}
	}
}

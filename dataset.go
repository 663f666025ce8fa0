package txkit

// Dataset returns the transaction's scratch map, created on first access.
// Its lifetime is the transaction's; hooks and the pre-slow diagnostic use it
// to pass transaction-scoped context forward. Callers that share it with the
// diagnostic callback should prefer Put/Value, which are safe for concurrent
// use.
func (tx *Tx) Dataset() map[string]any {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.datasetLocked()
}

// Put stores a value in the transaction's dataset
func (tx *Tx) Put(key string, value any) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.datasetLocked()[key] = value
}

// Value reads a value from the transaction's dataset
func (tx *Tx) Value(key string) (any, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	v, ok := tx.datasetLocked()[key]
	return v, ok
}

func (tx *Tx) datasetLocked() map[string]any {
	if tx.dataset == nil {
		tx.dataset = make(map[string]any)
	}
	return tx.dataset
}

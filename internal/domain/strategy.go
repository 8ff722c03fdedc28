package domain

// SelectionStrategy chooses the backend that receives a new flow
type SelectionStrategy interface {
	// Select picks a backend from pool. Pool order is significant for tie-breaks.
	Select(pool []*Backend, loads LoadSnapshot) (*Backend, error)

	// Name returns the human-readable name of the strategy
	Name() string

	// GetStats returns strategy-specific statistics
	GetStats() map[string]interface{}
}

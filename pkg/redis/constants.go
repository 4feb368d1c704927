package redis

import "time"

// Redis namespaces defines the top-level key prefixes for different types of data.
const (
	NamespaceCache = "cache" // For general caching
	NamespaceQueue = "queue" // For background work queues
	NamespaceLock  = "lock"  // For distributed locks
)

// Redis contexts defines the second-level key prefixes for specific domains.
const (
	ContextBill       = "bill"       // Bill related data
	ContextProvision  = "provision"  // Constitution provision tree data
	ContextEngagement = "engagement" // Engagement record data
	ContextReview     = "review"     // Constitutional review data
)

// TTL constants defines the time-to-live durations for different types of data.
const (
	TTLBill         = 5 * time.Minute  // Bill cache TTL
	TTLBillScore    = 1 * time.Minute  // Engagement score cache TTL
	TTLProvisionSet = 1 * time.Hour    // Provision tree snapshot TTL
	TTLLock         = 30 * time.Second // Lock TTL
)

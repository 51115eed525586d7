// Package types defines the core domain types shared across the fiscal
// document archiver: companies, document/event keys, month partitions,
// and the pendency/transaction records persisted by the state store.
package types

// Version is the archiver's state schema version. Bumped whenever the
// on-disk state layout changes incompatibly; stored in metadata.json.
const Version = "1.0.0"

// Package memory provides an in-memory implementation of the storage
// interfaces defined in the storage package.
//
// The Store keeps clients, codes, and tokens in mutex-guarded maps and
// pending consent handles in a TTL cache. A background janitor prunes
// expired rows; revoked rows inside the retention window are kept so that
// connection-history surfaces can read them.
//
// The store is safe for concurrent use. Call Stop to terminate the janitor
// when the store is no longer needed.
package memory

/*
Package ports defines the driven-side contracts of the engine: the document
store, the response classifier, pluggable tools, the condition source used by
the monitoring loop, the distributed locker, and the lifecycle event publisher.

Adapters implement these interfaces; the engine core depends only on them.
The store contract is intentionally Mongo-shaped: documents addressable by id
with atomic conditional (compare-and-set) single-document writes, no
cross-document transactions.
*/
package ports

// Package events provides an in-memory event broker used for node-local
// observability: agent lifecycle transitions, migrations, and directory
// leadership changes. Publish waits only while the broker's internal
// queue is full; a subscriber with a full buffer misses events rather
// than stall the broker.
package events

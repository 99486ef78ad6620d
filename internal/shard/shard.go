// Package shard provides shard key generation for distributed DynamoDB tables.
package shard

import (
	"fmt"
	"hash/fnv"
)

// MaxShards is the largest supported shard count; shard numbers render as
// two hex digits.
const MaxShards = 256

// Of returns the shard a document's entries live on.
// With numShards=1, everything goes to shard 0.
// With numShards>1, documents are distributed across shards based on the id hash.
func Of(docID string, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(docID))
	return int(h.Sum32() % uint32(numShards))
}

// PK returns the partition key of one shard of a view key.
func PK(view, key string, shard int) string {
	return fmt.Sprintf("%s#%s#%02x", view, key, shard)
}

// ViewPK computes the sharded partition key for the entry docID emitted
// into view under key.
func ViewPK(view, key, docID string, numShards int) string {
	return PK(view, key, Of(docID, numShards))
}

// ViewSK computes the sort key of the seq'th entry docID emitted under one
// view key. Sort keys order entries by document id.
func ViewSK(docID string, seq int) string {
	return fmt.Sprintf("%s#%04d", docID, seq)
}

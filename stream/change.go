// Package stream turns DynamoDB Streams records of a document store into a
// live change feed published over NATS.
package stream

import "github.com/jacentio/lattice/schema"

// TopicPrefix prefixes the subject of every change.
const TopicPrefix = "lattice.changes"

// AllKinds subscribes to changes of every kind.
const AllKinds = "*"

// Change is one write to a document.
type Change struct {
	// Seq is the stream sequence number of the write.
	Seq string `json:"seq"`

	// ID is the document id.
	ID string `json:"id"`

	// Rev is the revision the write produced, or the last revision of a
	// deleted document.
	Rev string `json:"rev,omitempty"`

	// Kind is the document's type.
	Kind string `json:"kind"`

	// Deleted is true when the write removed the document.
	Deleted bool `json:"deleted,omitempty"`

	// Doc is the document after the write. Set only when documents are
	// included and the document was not deleted.
	Doc schema.Document `json:"doc,omitempty"`
}

// Topic returns the subject changes of kind are published to.
// AllKinds yields a wildcard subject matching every kind.
func Topic(kind string) string {
	if kind == AllKinds {
		return TopicPrefix + ".>"
	}
	return TopicPrefix + "." + kind
}

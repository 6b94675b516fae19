// Package docstore holds the identity and event values shared by the
// multiplexer, serializer, gateway, and repository packages.
package docstore

import "docsync/internal/transport"

// Key is the composite identity used for watch multiplexing and write
// serialization. Two keys are equal iff both fields match exactly.
type Key struct {
	Collection string
	DocID      string
}

func (k Key) String() string { return k.Collection + "/" + k.DocID }

// Event is one delivery on a document watch: either a normalized payload or
// a structured error. Error events do not imply the stream is over; a closed
// channel does.
type Event struct {
	Doc transport.RawDocument
	Err error
}

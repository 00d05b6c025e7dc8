// Package vectorindex stores (id, vector, payload) triples and answers
// k-nearest-neighbour queries by cosine similarity.
//
// Two backends are provided: chromem-go (embedded, optionally persisted to
// disk) and Qdrant over gRPC. Both are bound to a single collection that
// must be created with EnsureCollection before use; searching a collection
// that does not exist fails with loop.ErrCollectionMissing.
//
// The index is a cache of embeddable text. It is never the source of truth
// for status or weight.
package vectorindex

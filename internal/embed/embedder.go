// Package embed turns issue text into fixed-length vectors for similarity
// search. One store instance must only ever see vectors from a single
// provider and model.
package embed

import "context"

// Embedder produces a fixed-length vector for the given text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model identifies the provider model; the memory store records it and
	// refuses to open against vectors produced by a different model.
	Model() string
	// Dimensions is the vector length this embedder produces.
	Dimensions() int
}

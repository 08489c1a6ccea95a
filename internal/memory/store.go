// Package memory provides the similarity-indexed store of past issues and
// the remediations that dealt with them. The store is the sole authority on
// what counts as a known issue.
package memory

import (
	"context"
	"time"

	"github.com/sentinelstack/sentinel-agent/internal/models"
)

// Store defines the issue memory contract. Implementations must keep a
// single embedding model per instance and serialize concurrent writes for
// the same derived id.
type Store interface {
	// AddIssue embeds the issue text and inserts the record, or updates the
	// existing record when the normalized text is already known: the use
	// count is incremented and the solution and last-used time refreshed.
	AddIssue(ctx context.Context, issueText, solutionAction string, outcome models.Outcome) (models.IssueRecord, error)

	// FindSimilar embeds the query and returns at most topK records whose
	// similarity clears minSimilarity, ordered by descending similarity.
	// Ties prefer higher use count, then more recent use. The result is
	// empty, never nil, when nothing qualifies.
	FindSimilar(ctx context.Context, issueText string, topK int, minSimilarity float32) ([]models.MemoryHit, error)

	// All returns every stored record, newest first.
	All(ctx context.Context) ([]models.IssueRecord, error)

	// Delete removes a record by id. Deleting an absent id is not an error.
	Delete(ctx context.Context, id string) error

	// Prune removes records whose last use is older than maxAge and
	// returns how many were dropped.
	Prune(ctx context.Context, maxAge time.Duration) (int, error)

	// Close releases any resources held by the store.
	Close() error
}

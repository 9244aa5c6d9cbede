package knowledge

import (
	"context"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/storage"
)

// StoreRetriever serves knowledge atoms from the local store with keyword
// matching. It stands in for an external vector retriever; MinSimilarity is
// accepted but keyword matching has no similarity score to threshold.
type StoreRetriever struct {
	atoms storage.KnowledgeStore
}

// NewStoreRetriever wires the local retriever.
func NewStoreRetriever(atoms storage.KnowledgeStore) *StoreRetriever {
	return &StoreRetriever{atoms: atoms}
}

// Retrieve returns up to MaxResults atoms matching the query, most helpful
// first when BoostHelpful is set.
func (r *StoreRetriever) Retrieve(ctx context.Context, userID, query string, opts Options) ([]*relay.KnowledgeAtom, error) {
	return r.atoms.SearchAtoms(ctx, userID, query, opts.MaxResults)
}

// RecordUsage bumps the usage counters of the given atoms.
func (r *StoreRetriever) RecordUsage(ctx context.Context, atomIDs []string) error {
	return r.atoms.BumpAtomUsage(ctx, atomIDs)
}

// Package knowledge injects stored user context into system prompts for
// enterprise requests. Retrieval is strictly best-effort: no failure in this
// package may fail the request it decorates.
package knowledge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	relay "github.com/veylan/relay/internal"
)

// Options tune one retrieval call.
type Options struct {
	MaxResults    int
	MinSimilarity float64
	BoostHelpful  bool
}

// Retriever is the pluggable knowledge backend.
type Retriever interface {
	Retrieve(ctx context.Context, userID, query string, opts Options) ([]*relay.KnowledgeAtom, error)
	RecordUsage(ctx context.Context, atomIDs []string) error
}

// Injector decorates system prompts with retrieved knowledge atoms.
type Injector struct {
	retriever Retriever
	enabled   bool
	opts      Options
}

// New wires the injector. A nil retriever disables injection entirely.
func New(retriever Retriever, enabled bool, opts Options) *Injector {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = 0.4
	}
	return &Injector{retriever: retriever, enabled: enabled && retriever != nil, opts: opts}
}

// Prepare returns the effective system prompt and the atom IDs used to build
// it. Only enterprise users get injection; everyone else (and every error
// path) gets the base prompt back verbatim.
func (i *Injector) Prepare(ctx context.Context, u *relay.User, systemPrompt, userMessage string) (string, []string) {
	if !i.enabled || u.Plan != relay.PlanEnterprise {
		return systemPrompt, nil
	}

	opts := i.opts
	opts.BoostHelpful = true
	atoms, err := i.retriever.Retrieve(ctx, u.ID, userMessage, opts)
	if err != nil {
		slog.Warn("knowledge retrieval failed", "user_id", u.ID, "error", err)
		return systemPrompt, nil
	}
	if len(atoms) == 0 {
		return systemPrompt, nil
	}

	ids := make([]string, len(atoms))
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nRelevant context about this user:\n")
	for n, atom := range atoms {
		ids[n] = atom.ID
		b.WriteString("- ")
		b.WriteString(atom.Content)
		b.WriteByte('\n')
	}
	return b.String(), ids
}

// Commit records that the atoms contributed to a successful response.
// It runs asynchronously and swallows failures.
func (i *Injector) Commit(ctx context.Context, atomIDs []string) {
	if !i.enabled || len(atomIDs) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := i.retriever.RecordUsage(ctx, atomIDs); err != nil {
			slog.Warn("record knowledge usage failed", "error", err)
		}
	}()
}

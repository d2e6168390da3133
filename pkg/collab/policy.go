package collab

import (
	"context"
	"fmt"

	"github.com/nainya/scoresync/pkg/document"
)

// ResolutionPolicy decides how a conflict is settled. Implementations may call
// out to an external decision service; current is a private copy.
type ResolutionPolicy interface {
	Resolve(ctx context.Context, conflict *Conflict, current *document.Document) (Resolution, error)
}

// PolicyFunc adapts a function to ResolutionPolicy
type PolicyFunc func(ctx context.Context, conflict *Conflict, current *document.Document) (Resolution, error)

// Resolve calls f
func (f PolicyFunc) Resolve(ctx context.Context, conflict *Conflict, current *document.Document) (Resolution, error) {
	return f(ctx, conflict, current)
}

// KeepCurrentPolicy keeps the document as it is and discards the losing operation
type KeepCurrentPolicy struct {
	ResolvedBy string
}

// Resolve returns an overwrite with the current content
func (p KeepCurrentPolicy) Resolve(ctx context.Context, conflict *Conflict, current *document.Document) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	return Resolution{
		Strategy:     StrategyOverwrite,
		ResolvedData: current.Content,
		ResolvedBy:   p.ResolvedBy,
		Reasoning:    "kept current content at version " + fmt.Sprint(current.Version),
	}, nil
}

// AcceptIncomingPolicy applies the losing operation on top of the current content
type AcceptIncomingPolicy struct {
	ResolvedBy string
}

// Resolve returns a merge of the current content with the incoming operation
func (p AcceptIncomingPolicy) Resolve(ctx context.Context, conflict *Conflict, current *document.Document) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	if len(conflict.CompetingOperations) == 0 {
		return Resolution{}, fmt.Errorf("conflict %s has no competing operations", conflict.ID)
	}

	incoming := conflict.CompetingOperations[len(conflict.CompetingOperations)-1]
	content := document.CloneContent(current.Content)
	if _, err := document.Apply(content, incoming.Clone()); err != nil {
		return Resolution{}, fmt.Errorf("apply incoming %s: %w", incoming.Path, err)
	}

	return Resolution{
		Strategy:     StrategyMerge,
		ResolvedData: content,
		ResolvedBy:   p.ResolvedBy,
		Reasoning:    fmt.Sprintf("accepted %s on %s from %s", incoming.Type, incoming.Path, incoming.UserID),
	}, nil
}

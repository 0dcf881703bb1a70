// Package policy decides which principal may see which document. Decisions
// come from relationship tuples and every failure denies.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	RelationOwner  = "owner"
	RelationViewer = "viewer"

	userPrefix     = "user:"
	documentPrefix = "doc:"
	// Wildcard is the subject that matches every principal.
	Wildcard = "user:*"

	defaultTimeout = 3 * time.Second
)

// ErrPolicyUnavailable wraps every backend failure.
var ErrPolicyUnavailable = errors.New("policy: backend unavailable")

// Tuple is one relationship fact: User has Relation on Object.
type Tuple struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

func User(principal string) string {
	return userPrefix + principal
}

func Document(id string) string {
	return documentPrefix + id
}

// DocumentID strips the object type from a document object reference.
func DocumentID(object string) string {
	return strings.TrimPrefix(object, documentPrefix)
}

func ViewerTuple(principal, documentID string) Tuple {
	return Tuple{User: User(principal), Relation: RelationViewer, Object: Document(documentID)}
}

// Backend stores tuples and evaluates checks. Write must be idempotent.
// BatchCheck returns results aligned with the input.
type Backend interface {
	Write(ctx context.Context, tuples []Tuple) error
	Delete(ctx context.Context, tuples []Tuple) error
	DeleteObject(ctx context.Context, object string) error
	Check(ctx context.Context, tuple Tuple) (bool, error)
	BatchCheck(ctx context.Context, tuples []Tuple) ([]bool, error)
}

// Gate wraps a Backend with timeouts and fail-closed checks. Decisions are
// never cached.
type Gate struct {
	backend Backend
	timeout time.Duration
	logger  *slog.Logger
}

func NewGate(backend Backend, timeout time.Duration, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{backend: backend, timeout: timeout, logger: logger}
}

func (g *Gate) Grant(ctx context.Context, principal, documentID, relation string) error {
	if strings.TrimSpace(principal) == "" {
		return errors.New("policy: principal is required")
	}
	return g.write(ctx, Tuple{User: User(principal), Relation: relation, Object: Document(documentID)})
}

func (g *Gate) GrantPublic(ctx context.Context, documentID, relation string) error {
	return g.write(ctx, Tuple{User: Wildcard, Relation: relation, Object: Document(documentID)})
}

func (g *Gate) Revoke(ctx context.Context, principal, documentID, relation string) error {
	return g.remove(ctx, Tuple{User: User(principal), Relation: relation, Object: Document(documentID)})
}

func (g *Gate) RevokePublic(ctx context.Context, documentID, relation string) error {
	return g.remove(ctx, Tuple{User: Wildcard, Relation: relation, Object: Document(documentID)})
}

// RevokeObject drops every tuple on a document.
func (g *Gate) RevokeObject(ctx context.Context, documentID string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.backend.DeleteObject(ctx, Document(documentID)); err != nil {
		return g.unavailable("revoke object", err)
	}
	return nil
}

// Check reports whether principal holds relation on the document. Any error
// or timeout is a denial.
func (g *Gate) Check(ctx context.Context, principal, documentID, relation string) bool {
	if strings.TrimSpace(principal) == "" || strings.TrimSpace(documentID) == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	allowed, err := g.backend.Check(ctx, Tuple{User: User(principal), Relation: relation, Object: Document(documentID)})
	if err != nil {
		_ = g.unavailable("check", err)
		return false
	}
	return allowed
}

// BatchCheck evaluates all tuples in one backend call. The result has the same
// length and order as tuples; on failure every entry is false.
func (g *Gate) BatchCheck(ctx context.Context, tuples []Tuple) []bool {
	results := make([]bool, len(tuples))
	if len(tuples) == 0 {
		return results
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	decided, err := g.backend.BatchCheck(ctx, tuples)
	if err != nil {
		_ = g.unavailable("batch check", err)
		return results
	}
	if len(decided) != len(tuples) {
		_ = g.unavailable("batch check", fmt.Errorf("got %d results for %d checks", len(decided), len(tuples)))
		return results
	}
	copy(results, decided)
	return results
}

func (g *Gate) write(ctx context.Context, tuple Tuple) error {
	if err := validate(tuple); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.backend.Write(ctx, []Tuple{tuple}); err != nil {
		return g.unavailable("grant", err)
	}
	return nil
}

func (g *Gate) remove(ctx context.Context, tuple Tuple) error {
	if err := validate(tuple); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.backend.Delete(ctx, []Tuple{tuple}); err != nil {
		return g.unavailable("revoke", err)
	}
	return nil
}

func (g *Gate) unavailable(op string, err error) error {
	wrapped := fmt.Errorf("%w: %s: %w", ErrPolicyUnavailable, op, err)
	g.logger.Error("policy backend failure", "op", op, "error", err)
	return wrapped
}

func validate(tuple Tuple) error {
	switch tuple.Relation {
	case RelationOwner, RelationViewer:
	default:
		return fmt.Errorf("policy: unknown relation %q", tuple.Relation)
	}
	if DocumentID(tuple.Object) == "" || tuple.Object == DocumentID(tuple.Object) {
		return fmt.Errorf("policy: invalid object %q", tuple.Object)
	}
	return nil
}

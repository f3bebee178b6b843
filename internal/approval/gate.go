package approval

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/wardenhq/warden/internal/config"
)

// Category is an action type's static risk classification.
type Category string

const (
	// Routine actions are auto-approved with no notification.
	Routine Category = "routine"
	// Sensitive actions execute immediately, then notify the actor.
	Sensitive Category = "sensitive"
	// Critical actions suspend the task until a human decides.
	Critical Category = "critical"
)

// Gate classifies actions by a static configuration table so behavior is
// auditable and testable. It never executes anything itself; it only
// returns verdicts.
type Gate struct {
	table      map[string]Category
	defaultCat Category
}

func NewGate(cfg config.ApprovalsConfig) *Gate {
	g := &Gate{
		table:      make(map[string]Category, len(cfg.Categories)),
		defaultCat: Critical, // unknown actions fail closed
	}
	if cfg.Default != "" {
		g.defaultCat = Category(cfg.Default)
	}
	for action, cat := range cfg.Categories {
		g.table[action] = Category(cat)
	}
	return g
}

// Classify returns the risk category for an action type.
func (g *Gate) Classify(actionType string) Category {
	if cat, ok := g.table[actionType]; ok {
		return cat
	}
	return g.defaultCat
}

// ActionHash is a stable content hash of one planned step, used to match an
// approval decision back to the exact step it covers.
func ActionHash(taskID string, stepIndex int, actionType string, payload []byte) string {
	h := blake3.New()
	fmt.Fprintf(h, "%s|%d|%s|", taskID, stepIndex, actionType)
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

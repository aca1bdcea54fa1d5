package notify

import (
	"context"

	"github.com/example/ledger-core/pkg/audit"
)

// AuditNotifier appends every event to a hash-chained audit trail.
type AuditNotifier struct {
	Trail *audit.Trail
}

func (n *AuditNotifier) Notify(ctx context.Context, e Event) error {
	_, err := n.Trail.Append(string(e.Type), e)
	return err
}

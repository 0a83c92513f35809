package publisher

import (
	"context"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
)

// TransitionNotifier hands one event to the downstream notification
// collaborator. A nil error means the collaborator accepted it.
type TransitionNotifier interface {
	Notify(ctx context.Context, ev domain.TransitionEvent) error
}

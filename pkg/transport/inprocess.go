package transport

import (
	"context"
	"time"

	"github.com/rexxy-sasori/rlm/pkg/models"
	"github.com/rexxy-sasori/rlm/pkg/session"
)

// InProcess binds the transport interface directly to a session manager in
// the same process. It is the zero-overhead deployment shape: no sockets,
// no serialization.
type InProcess struct {
	manager *session.Manager
}

// NewInProcess creates an in-process transport over the given manager. The
// manager's lifecycle stays with the caller; Close does not destroy it.
func NewInProcess(manager *session.Manager) *InProcess {
	return &InProcess{manager: manager}
}

// CreateSession implements Transport.
func (t *InProcess) CreateSession(ctx context.Context, ownerTag string) (string, error) {
	sess, err := t.manager.Create(ownerTag)
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}

// Execute implements Transport.
func (t *InProcess) Execute(ctx context.Context, sessionID, code string, timeout time.Duration) (*models.Outputs, error) {
	return t.manager.Execute(ctx, sessionID, code, timeout)
}

// DestroySession implements Transport.
func (t *InProcess) DestroySession(ctx context.Context, sessionID string) error {
	t.manager.Destroy(sessionID)
	return nil
}

// Health implements Transport. The manager lives in this process, so it is
// reachable by construction.
func (t *InProcess) Health(ctx context.Context) error { return nil }

// Close implements Transport.
func (t *InProcess) Close() error { return nil }

var _ Transport = (*InProcess)(nil)

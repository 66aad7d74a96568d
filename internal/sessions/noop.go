package sessions

import (
	"context"

	"github.com/bizscout/harvester/internal/harvest"
)

// NoopFactory serves a fixed empty page. It keeps the engine runnable in
// deployments without a real session backend.
type NoopFactory struct{}

// NewInstance implements InstanceFactory.
func (NoopFactory) NewInstance(_ context.Context) (Instance, error) {
	return noopInstance{}, nil
}

type noopInstance struct{}

func (noopInstance) NewSession(_ context.Context) (harvest.Session, error) {
	return noopSession{}, nil
}

func (noopInstance) Close() error { return nil }

type noopSession struct{}

func (noopSession) Navigate(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "<html><body></body></html>", nil
}

func (noopSession) Close() error { return nil }

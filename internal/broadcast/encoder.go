package broadcast

import (
	"context"

	"bitriver-relay/internal/encoder"
)

type managerEncoder struct {
	manager *encoder.Manager
}

// ManagerEncoder adapts an encoder.Manager to the Encoder interface.
func ManagerEncoder(manager *encoder.Manager) Encoder {
	return managerEncoder{manager: manager}
}

func (m managerEncoder) Start(ctx context.Context, mediaPath string, target encoder.Target, id string) (EncodeHandle, error) {
	proc, err := m.manager.Start(ctx, mediaPath, target, id)
	if err != nil {
		return nil, err
	}
	return proc, nil
}

func (m managerEncoder) Stop(id string) bool { return m.manager.Stop(id) }

func (m managerEncoder) IsActive(id string) bool { return m.manager.IsActive(id) }

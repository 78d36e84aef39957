// Package retry re-queues terminal-failure and not-found records to the
// head state on operator request.
package retry

import (
	"github.com/veridata/dnipipe/pkg/events"
	"github.com/veridata/dnipipe/pkg/log"
	"github.com/veridata/dnipipe/pkg/storage"
)

// Service re-queues failed records.
type Service struct {
	store  storage.Store
	broker *events.Broker
}

// NewService creates a retry service. broker may be nil.
func NewService(store storage.Store, broker *events.Broker) *Service {
	return &Service{store: store, broker: broker}
}

// RetryFailed moves every NOT_FOUND and ERROR_* record of the tenant back
// to PENDIENTE, incrementing retry counts and clearing payloads and error
// messages. Returns how many records were re-queued. Re-queueing is
// permitted while the pipeline is active; it is merely wasteful, never
// unsafe.
func (s *Service) RetryFailed(tenantID string) (int, error) {
	count, err := s.store.RetryTerminal(tenantID)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		lg := log.WithTenant(tenantID)
		lg.Info().Int("requeued", count).Msg("failed records re-queued")
		if s.broker != nil {
			s.broker.Emit(events.EventRecordsRetried, tenantID, "failed records re-queued", nil)
		}
	}
	return count, nil
}

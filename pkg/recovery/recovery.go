// Package recovery demotes records stranded in processing states after a
// crash or hard stop, restoring FIFO order and liveness. It runs on process
// startup, at the top of every tenant start, and on operator request.
package recovery

import (
	"github.com/veridata/dnipipe/pkg/events"
	"github.com/veridata/dnipipe/pkg/log"
	"github.com/veridata/dnipipe/pkg/storage"
)

// Service applies recovery transitions against the store.
type Service struct {
	store  storage.Store
	broker *events.Broker
}

// NewService creates a recovery service. broker may be nil.
func NewService(store storage.Store, broker *events.Broker) *Service {
	return &Service{store: store, broker: broker}
}

// RecoverTenant demotes all of one tenant's processing records to their
// predecessor states. Idempotent: a second invocation finds nothing.
func (s *Service) RecoverTenant(tenantID string) (storage.RecoverResult, error) {
	result, err := s.store.Recover(tenantID)
	if err != nil {
		return result, err
	}
	if result.Total() > 0 {
		lg := log.WithTenant(tenantID)
		lg.Warn().
			Int("sunedu", result.SuneduRecovered).
			Int("minedu", result.MineduRecovered).
			Msg("recovered stranded records")
		if s.broker != nil {
			s.broker.Emit(events.EventRecordsRecovered, tenantID, "stranded records recovered", nil)
		}
	}
	return result, nil
}

// RecoverAll runs recovery for every tenant with records. Called once at
// process startup, before any worker can claim.
func (s *Service) RecoverAll() (storage.RecoverResult, error) {
	var total storage.RecoverResult
	tenants, err := s.store.Tenants()
	if err != nil {
		return total, err
	}
	for _, tenant := range tenants {
		result, err := s.RecoverTenant(tenant)
		if err != nil {
			return total, err
		}
		total.SuneduRecovered += result.SuneduRecovered
		total.MineduRecovered += result.MineduRecovered
	}
	return total, nil
}

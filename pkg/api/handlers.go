package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/veridata/dnipipe/pkg/events"
	"github.com/veridata/dnipipe/pkg/ingest"
	"github.com/veridata/dnipipe/pkg/log"
	"github.com/veridata/dnipipe/pkg/metrics"
	"github.com/veridata/dnipipe/pkg/orchestrator"
	"github.com/veridata/dnipipe/pkg/report"
	"github.com/veridata/dnipipe/pkg/storage"
	"github.com/veridata/dnipipe/pkg/types"
)

// maxUploadBytes bounds the multipart form held in memory.
const maxUploadBytes = 32 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, tenantID string) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	if !ingest.SupportedFile(header.Filename) {
		writeError(w, http.StatusBadRequest, "unsupported file format, expected .xlsx, .xls, .csv or .txt")
		return
	}

	result, err := ingest.Parse(header.Filename, file)
	if err != nil {
		lg := log.WithTenant(tenantID)
		lg.Error().Err(err).Str("filename", header.Filename).Msg("upload parse failed")
		writeError(w, http.StatusBadRequest, "could not parse uploaded file")
		return
	}
	metrics.RecordsIngestedTotal.WithLabelValues("accepted").Add(float64(len(result.Accepted)))
	metrics.RecordsIngestedTotal.WithLabelValues("rejected").Add(float64(len(result.Rejected)))

	if len(result.Accepted) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":         "no valid DNIs found in file",
			"invalid_dnis":  result.Rejected,
			"total_invalid": len(result.Rejected),
		})
		return
	}

	batch, err := s.deps.Store.CreateBatch(tenantID, header.Filename, result.Accepted)
	if err != nil {
		lg := log.WithTenant(tenantID)
		lg.Error().Err(err).Msg("failed to create batch")
		writeError(w, http.StatusInternalServerError, "failed to store batch")
		return
	}

	if s.deps.Broker != nil {
		s.deps.Broker.Emit(events.EventBatchCreated, tenantID, "batch created", map[string]string{
			"batch_id": strconv.FormatUint(batch.ID, 10),
			"filename": batch.Filename,
			"records":  strconv.Itoa(batch.RecordCount),
		})
	}
	lg := log.WithTenant(tenantID)
	lg.Info().
		Uint64("batch_id", batch.ID).
		Str("filename", batch.Filename).
		Int("accepted", len(result.Accepted)).
		Int("rejected", len(result.Rejected)).
		Msg("batch ingested")

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":       "file ingested",
		"batch_id":      batch.ID,
		"total_dnis":    batch.RecordCount,
		"invalid_dnis":  result.Rejected,
		"total_invalid": len(result.Rejected),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, tenantID string) {
	status, err := s.deps.Reporter.Status(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	if orch := s.deps.Sessions.GetOrchestrator(tenantID); orch != nil {
		status.Workers = report.WorkersInfo{
			Running: orch.IsRunning(),
			Paused:  orch.IsPaused(),
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request, tenantID string) {
	filter := storage.RecordFilter{Limit: 200}

	if raw := r.URL.Query().Get("state"); raw != "" {
		state := types.State(raw)
		if !state.IsValid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state: %s", raw))
			return
		}
		filter.State = state
	}
	if raw := r.URL.Query().Get("batch_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "batch_id must be numeric")
			return
		}
		filter.BatchID = id
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	records, err := s.deps.Reporter.Records(tenantID, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request, tenantID string) {
	batches, err := s.deps.Reporter.Batches(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list batches")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}

func (s *Server) handleWorkersStart(w http.ResponseWriter, r *http.Request, tenantID string) {
	// Demote stranded records before any claim can race them.
	recovered, err := s.deps.Recovery.RecoverTenant(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "recovery failed")
		return
	}

	if s.deps.Sessions.HasRunningWorkers(tenantID) {
		s.deps.Sessions.GetOrchestrator(tenantID).Resume()
		if s.deps.Broker != nil {
			s.deps.Broker.Emit(events.EventWorkersResumed, tenantID, "workers resumed", nil)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":   "workers resumed",
			"recovered": recovered,
		})
		return
	}

	if !s.deps.Sessions.CanStart(workersPerSession) {
		writeError(w, http.StatusServiceUnavailable, s.capacityError())
		return
	}

	orch := s.deps.Sessions.GetOrchestrator(tenantID)
	if orch == nil {
		orch = orchestrator.New(tenantID, s.deps.Store, s.deps.Broker)
		s.deps.Sessions.SetOrchestrator(tenantID, orch)
	}

	started, err := orch.Start(s.workerSpecs())
	if err != nil {
		lg := log.WithTenant(tenantID)
		lg.Error().Err(err).Msg("failed to start workers")
		writeError(w, http.StatusInternalServerError, "failed to start workers")
		return
	}
	if !started {
		// A concurrent start for this tenant won the race and already
		// registered the workers.
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"message":   "workers resumed",
			"recovered": recovered,
		})
		return
	}
	s.deps.Sessions.RegisterWorkers(tenantID, workersPerSession)
	if s.deps.Broker != nil {
		s.deps.Broker.Emit(events.EventWorkersStarted, tenantID, "workers started", nil)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "workers started",
		"workers":   workersPerSession,
		"recovered": recovered,
	})
}

func (s *Server) handleWorkersStop(w http.ResponseWriter, r *http.Request, tenantID string) {
	if orch := s.deps.Sessions.GetOrchestrator(tenantID); orch != nil {
		orch.Stop()
	}
	s.deps.Sessions.UnregisterWorkers(tenantID)
	if s.deps.Broker != nil {
		s.deps.Broker.Emit(events.EventWorkersStopped, tenantID, "workers stopped", nil)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "workers stopped"})
}

func (s *Server) handleWorkersPause(w http.ResponseWriter, r *http.Request, tenantID string) {
	orch := s.deps.Sessions.GetOrchestrator(tenantID)
	if orch == nil || !orch.IsRunning() {
		writeError(w, http.StatusBadRequest, "no running workers to pause")
		return
	}
	orch.Pause()
	if s.deps.Broker != nil {
		s.deps.Broker.Emit(events.EventWorkersPaused, tenantID, "workers paused", nil)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "workers paused"})
}

func (s *Server) handleWorkersResume(w http.ResponseWriter, r *http.Request, tenantID string) {
	orch := s.deps.Sessions.GetOrchestrator(tenantID)
	if orch == nil || !orch.IsRunning() {
		writeError(w, http.StatusBadRequest, "no running workers to resume")
		return
	}
	orch.Resume()
	if s.deps.Broker != nil {
		s.deps.Broker.Emit(events.EventWorkersResumed, tenantID, "workers resumed", nil)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "workers resumed"})
}

func (s *Server) handleWorkersStatus(w http.ResponseWriter, r *http.Request, tenantID string) {
	info := report.WorkersInfo{}
	if orch := s.deps.Sessions.GetOrchestrator(tenantID); orch != nil {
		info.Running = orch.IsRunning()
		info.Paused = orch.IsPaused()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, tenantID string) {
	count, err := s.deps.Retry.RetryFailed(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "failed records re-queued",
		"requeued": count,
	})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request, tenantID string) {
	result, err := s.deps.Recovery.RecoverTenant(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "recovery failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "recovery complete",
		"recovered": result,
	})
}

func (s *Server) handleClean(w http.ResponseWriter, r *http.Request, tenantID string) {
	// Workers must not hold claims on rows being deleted.
	if orch := s.deps.Sessions.GetOrchestrator(tenantID); orch != nil {
		orch.Stop()
	}
	s.deps.Sessions.UnregisterWorkers(tenantID)

	result, err := s.deps.Store.Clean(tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "clean failed")
		return
	}
	if s.deps.Broker != nil {
		s.deps.Broker.Emit(events.EventBatchCleaned, tenantID, "tenant data cleaned", map[string]string{
			"records": strconv.Itoa(result.RecordsDeleted),
			"batches": strconv.Itoa(result.BatchesDeleted),
		})
	}
	lg := log.WithTenant(tenantID)
	lg.Info().
		Int("records", result.RecordsDeleted).
		Int("batches", result.BatchesDeleted).
		Msg("tenant data cleaned")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "data cleaned",
		"deleted": result,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, tenantID string) {
	var batchID uint64
	if raw := r.URL.Query().Get("batch_id"); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "batch_id must be numeric")
			return
		}
		batchID = id
	}

	rows, err := s.deps.Reporter.ExportRows(tenantID, batchID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to collect export rows")
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "no data to export")
		return
	}

	buf, err := report.WriteXLSX(rows)
	if err != nil {
		lg := log.WithTenant(tenantID)
		lg.Error().Err(err).Msg("failed to render workbook")
		writeError(w, http.StatusInternalServerError, "failed to render workbook")
		return
	}

	filename := fmt.Sprintf("resultados_dni_%s.xlsx", time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleServerStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.Stats())
}

// workerSpecs builds the fixed two-stage worker pair from configuration.
func (s *Server) workerSpecs() []orchestrator.WorkerSpec {
	cfg := s.deps.Config
	return []orchestrator.WorkerSpec{
		{
			Spec:            types.StageSunedu(),
			Processor:       s.deps.SuneduProcessor,
			Drivers:         s.deps.SuneduDrivers,
			PollInterval:    cfg.WorkerPollInterval,
			SleepMin:        cfg.Sunedu.SleepMin,
			SleepMax:        cfg.Sunedu.SleepMax,
			RetryExtraSleep: cfg.RetryExtraSleep,
		},
		{
			Spec:            types.StageMinedu(),
			Processor:       s.deps.MineduProcessor,
			Drivers:         s.deps.MineduDrivers,
			PollInterval:    cfg.WorkerPollInterval,
			SleepMin:        cfg.Minedu.SleepMin,
			SleepMax:        cfg.Minedu.SleepMax,
			RetryExtraSleep: cfg.RetryExtraSleep,
		},
	}
}

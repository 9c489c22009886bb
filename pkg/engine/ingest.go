package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/exploopio/zapcontrol/pkg/audit"
	"github.com/exploopio/zapcontrol/pkg/compress"
	zerr "github.com/exploopio/zapcontrol/pkg/errors"
	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/shared/fingerprint"
	"github.com/exploopio/zapcontrol/pkg/zap"
)

// ingestHolder is recorded as the claimant of imported runs.
const ingestHolder = "ingest"

// saveRaw persists the raw payload of a run. The checksum covers the
// uncompressed canonical JSON so it does not depend on the compression used.
func (e *Engine) saveRaw(ctx context.Context, run *model.ScanRun, alerts []zap.Alert, spiderID, ascanID string, meta map[string]string) error {
	canonical, err := zap.CanonicalJSON(alerts)
	if err != nil {
		return fmt.Errorf("encode alerts: %w", err)
	}

	doc := map[string]json.RawMessage{"alerts": canonical}
	if spiderID != "" {
		doc["spider_id"], _ = json.Marshal(spiderID)
	}
	if ascanID != "" {
		doc["ascan_id"], _ = json.Marshal(ascanID)
	}
	// map keys are marshaled in sorted order
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode raw payload: %w", err)
	}

	packed, algorithm, err := e.payload.Pack(body)
	if err != nil {
		return fmt.Errorf("compress raw payload: %w", err)
	}

	raw := &model.RawResult{
		RunID:       run.ID,
		JobID:       run.JobID,
		Checksum:    fingerprint.Checksum(body),
		SizeBytes:   len(body),
		Compression: string(algorithm),
		Payload:     packed,
		AlertCount:  len(alerts),
		Metadata:    meta,
		CreatedAt:   e.now().UTC(),
	}
	if err := e.store.SaveRawResult(ctx, raw); err != nil {
		return err
	}
	e.logger.Debug("run %d: raw payload %d bytes stored as %s (%d bytes)", run.ID, len(body), algorithm, len(packed))
	return nil
}

// RawAlerts loads the raw payload of a run, verifies its checksum and
// returns the stored alerts.
func (e *Engine) RawAlerts(ctx context.Context, runID int64) ([]zap.Alert, error) {
	raw, err := e.store.GetRawResult(ctx, runID)
	if err != nil {
		return nil, err
	}
	body, err := compress.Decompress(compress.Algorithm(raw.Compression), raw.Payload)
	if err != nil {
		return nil, fmt.Errorf("run %d: decompress raw payload: %w", runID, err)
	}
	if sum := fingerprint.Checksum(body); sum != raw.Checksum {
		return nil, zerr.E(zerr.KindConflict, "engine.RawAlerts",
			fmt.Sprintf("run %d: raw payload checksum mismatch", runID))
	}
	return zap.ParseAlertFile(body)
}

// IngestFile imports a ZAP JSON alert file as a completed run of a job.
// The file holds either a list of alerts or an object with an "alerts" list.
func (e *Engine) IngestFile(ctx context.Context, jobID int64, path string) (*model.ScanRun, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alert file: %w", err)
	}
	alerts, err := zap.ParseAlertFile(data)
	if err != nil {
		return nil, zerr.E(zerr.KindInvalidInput, "engine.IngestFile", path, err)
	}
	return e.Ingest(ctx, jobID, alerts, map[string]string{"ingest_file": path, "ingest_mode": "cli"})
}

// Ingest records alerts produced outside the orchestrator as a run of a job
// and processes them like the alerts of an executed scan.
func (e *Engine) Ingest(ctx context.Context, jobID int64, alerts []zap.Alert, meta map[string]string) (*model.ScanRun, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	target, err := e.store.GetTarget(ctx, job.TargetID)
	if err != nil {
		return nil, err
	}
	run, err := e.store.StartIngestRun(ctx, job.ID, ingestHolder, e.now())
	if err != nil {
		return nil, err
	}
	rc := &model.RunContext{Run: run, Job: job, Target: target}
	e.audit.Log(audit.RunEvent(audit.EventRunStarted, run.ID, job.ID, fmt.Sprintf("ingesting %d alerts", len(alerts))))

	out := &outcome{alerts: len(alerts)}
	err = e.saveRaw(ctx, run, alerts, "", "", meta)
	if err == nil {
		err = e.process(ctx, rc, alerts, out)
	}
	if err == nil {
		err = e.renderReport(ctx, rc, out, nil)
	}
	if err != nil {
		return e.fail(ctx, rc, err)
	}
	return e.succeed(ctx, rc, out)
}

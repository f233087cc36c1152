package recovery

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cuemby/faststore/pkg/config"
	"github.com/cuemby/faststore/pkg/log"
	"github.com/cuemby/faststore/pkg/metrics"
	"github.com/cuemby/faststore/pkg/tracing"
	"github.com/cuemby/faststore/pkg/types"
)

var tracer = tracing.GetTracer("recovery")

// FetchFunc streams a data group's binlog range (and the payload bytes
// behind every write it contains) from the master into binlogDest and
// payloadDest, starting after fromDataVersion. It returns the number of
// binlog bytes written and the highest data_version seen.
type FetchFunc func(ctx context.Context, group *types.DataGroup, fromDataVersion uint64, binlogDest, payloadDest *os.File) (fetchedBytes int64, lastDataVersion uint64, err error)

// ApplyFunc applies one deduplicated task against the local storage
// engine with source=REPLAY, so the write does not re-enter replication.
type ApplyFunc func(ctx context.Context, task ReplayTask) error

// NoOpFunc appends a NO_OP binlog record closing the gap between the
// group's last observed data_version and our own.
type NoOpFunc func(ctx context.Context, group *types.DataGroup, dataVersion uint64) error

// Driver runs one data group's recovery state machine.
type Driver struct {
	group *types.DataGroup
	dir   string
	cfg   config.RecoveryConfig

	stage *StageStore
	fetch FetchFunc
	apply ApplyFunc
	noop  NoOpFunc

	pendingTasks []ReplayTask

	logger zerolog.Logger
}

// NewDriver constructs a Driver for group, rooted at
// <dataPath>/recovery/<group_id>.
func NewDriver(dataPath string, group *types.DataGroup, cfg config.RecoveryConfig, fetch FetchFunc, apply ApplyFunc, noop NoOpFunc) (*Driver, error) {
	dir := filepath.Join(dataPath, "recovery", strconv.FormatUint(uint64(group.ID), 10))
	for _, sub := range []string{"fetch", "replay"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, err
		}
	}
	return &Driver{
		group:  group,
		dir:    dir,
		cfg:    cfg,
		stage:  NewStageStore(filepath.Join(dir, "data_recovery.dat")),
		fetch:  fetch,
		apply:  apply,
		noop:   noop,
		logger: log.WithComponent("recovery"),
	}, nil
}

func stageLabel(s Stage) string {
	switch s {
	case StageFetch:
		return "fetch"
	case StageDedup:
		return "dedup"
	case StageReplay:
		return "replay"
	case StageCatchUp:
		return "catch_up"
	default:
		return "unknown"
	}
}

// Run drives the data group through FETCH -> DEDUP -> REPLAY ->
// CATCH_UP to completion, persisting its stage after every transition
// so a crash resumes without redoing finished work.
func (d *Driver) Run(ctx context.Context) error {
	rec, err := d.stage.Load()
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &StageRecord{Stage: StageFetch}
	}

	ctx, driverSpan := tracing.StartSpan(ctx, tracer, "recover_data_group",
		attribute.Int("data_group_id", int(d.group.ID)),
	)
	defer driverSpan.End()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		label := stageLabel(rec.Stage)
		stageCtx, stageSpan := tracing.StartSpan(ctx, tracer, label,
			attribute.Int("data_group_id", int(d.group.ID)),
			attribute.Int64("last_data_version", int64(rec.LastDataVersion)),
		)

		timer := metrics.NewTimer()
		var stageErr error

		switch rec.Stage {
		case StageFetch:
			stageErr = d.runFetch(stageCtx, rec)
		case StageDedup:
			stageErr = d.runDedup(stageCtx, rec)
		case StageReplay:
			stageErr = d.runReplay(stageCtx, rec)
		case StageCatchUp:
			if rec.CatchUp == CatchUpDone {
				timer.ObserveDurationVec(metrics.RecoveryStageDuration, "catch_up")
				tracing.AddSpanEvent(stageCtx, "catch_up_done")
				stageSpan.End()
				return d.stage.Remove()
			}
			stageErr = d.runCatchUp(stageCtx, rec)
		default:
			rec.Stage = StageFetch
		}

		timer.ObserveDurationVec(metrics.RecoveryStageDuration, stageLabel(rec.Stage))
		if stageErr != nil {
			metrics.RecoveryFailuresTotal.WithLabelValues(stageLabel(rec.Stage)).Inc()
			tracing.RecordError(stageCtx, stageErr)
			stageSpan.End()
			return stageErr
		}
		stageSpan.End()
		if err := d.stage.Save(rec); err != nil {
			return err
		}
	}
}

func (d *Driver) runFetch(ctx context.Context, rec *StageRecord) error {
	binlogPath := filepath.Join(d.dir, "fetch", "binlog.txt")
	payloadPath := filepath.Join(d.dir, "fetch", "payload.bin")

	binlogFile, err := os.Create(binlogPath)
	if err != nil {
		return err
	}
	defer binlogFile.Close()
	payloadFile, err := os.Create(payloadPath)
	if err != nil {
		return err
	}
	defer payloadFile.Close()

	fetched, lastDV, err := d.fetch(ctx, d.group, rec.LastDataVersion, binlogFile, payloadFile)
	if err != nil {
		return err
	}

	rec.LastDataVersion = lastDV
	if fetched == 0 {
		rec.Stage = StageCatchUp
		rec.CatchUp = CatchUpDoing
	} else {
		rec.Stage = StageDedup
	}
	return nil
}

func (d *Driver) runDedup(ctx context.Context, rec *StageRecord) error {
	binlogFile, err := os.Open(filepath.Join(d.dir, "fetch", "binlog.txt"))
	if err != nil {
		return err
	}
	defer binlogFile.Close()
	payloadFile, err := os.Open(filepath.Join(d.dir, "fetch", "payload.bin"))
	if err != nil {
		return err
	}
	defer payloadFile.Close()

	stagingPath := filepath.Join(d.dir, "replay", "staging.dat")
	staging, err := os.OpenFile(stagingPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer staging.Close()

	tasks, err := Dedup(binlogFile, payloadFile, staging)
	if err != nil {
		return err
	}

	d.pendingTasks = tasks
	rec.Stage = StageReplay
	return nil
}

func (d *Driver) runReplay(ctx context.Context, rec *StageRecord) error {
	err := Replay(ctx, d.pendingTasks, d.cfg.ThreadsPerDataGroup, d.cfg.MaxQueueDepth, d.apply)
	d.pendingTasks = nil
	if err != nil {
		return err
	}
	rec.Stage = StageCatchUp
	rec.CatchUp = CatchUpDoing
	return nil
}

func (d *Driver) runCatchUp(ctx context.Context, rec *StageRecord) error {
	start := time.Now()

	binlogPath := filepath.Join(d.dir, "fetch", "binlog.txt")
	payloadPath := filepath.Join(d.dir, "fetch", "payload.bin")

	binlogFile, err := os.Create(binlogPath)
	if err != nil {
		return err
	}
	defer binlogFile.Close()
	payloadFile, err := os.Create(payloadPath)
	if err != nil {
		return err
	}
	defer payloadFile.Close()

	fetched, lastDV, err := d.fetch(ctx, d.group, rec.LastDataVersion, binlogFile, payloadFile)
	if err != nil {
		return err
	}
	rec.LastDataVersion = lastDV

	if fetched > 0 {
		if _, err := binlogFile.Seek(0, 0); err != nil {
			return err
		}
		if _, err := payloadFile.Seek(0, 0); err != nil {
			return err
		}
		stagingPath := filepath.Join(d.dir, "replay", "staging.dat")
		staging, err := os.OpenFile(stagingPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		tasks, err := Dedup(binlogFile, payloadFile, staging)
		staging.Close()
		if err != nil {
			return err
		}
		if err := Replay(ctx, tasks, d.cfg.ThreadsPerDataGroup, d.cfg.MaxQueueDepth, d.apply); err != nil {
			return err
		}
	}

	if observed := d.group.DataVersion(); observed > rec.LastDataVersion {
		if d.noop != nil {
			if err := d.noop(ctx, d.group, observed); err != nil {
				return err
			}
		}
		rec.LastDataVersion = observed
	}

	fast := time.Since(start) < d.cfg.CatchUpFastEnough
	switch rec.CatchUp {
	case CatchUpDoing:
		if fast {
			rec.CatchUp = CatchUpLastBatch
		}
	case CatchUpLastBatch:
		if fast {
			rec.CatchUp = CatchUpDone
		} else {
			rec.CatchUp = CatchUpDoing
		}
	}

	d.logger.Debug().Uint32("data_group_id", d.group.ID).Str("catch_up_phase", rec.CatchUp.String()).Msg("catch up iteration")
	return nil
}

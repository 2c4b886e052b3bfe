package postproc

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/annotate.pipeline/internal/config"
)

// Runner executes every configured postprocessing unit concurrently and
// blocks until all of them reach their terminal state. Units are I/O bound
// polling loops, so one goroutine per unit is the whole scheduling model.
type Runner struct {
	units []*runnerUnit
	opts  UnitOptions
	runID string
}

type runnerUnit struct {
	kind string
	unit *Unit
}

// NewRunner builds one unit per configured job instance, resolving each
// transform through the registry. A configuration error in any unit fails
// construction immediately.
func NewRunner(cfg *config.JobConfig, opts UnitOptions) (*Runner, error) {
	r := &Runner{opts: opts, runID: uuid.NewString()}
	for kind, unitCfgs := range cfg.Postprocessing {
		for _, unitCfg := range unitCfgs {
			proc, err := NewProcessor(kind, unitCfg)
			if err != nil {
				return nil, err
			}
			r.units = append(r.units, &runnerUnit{
				kind: kind,
				unit: NewUnit(unitCfg, proc, opts),
			})
		}
	}
	if len(r.units) == 0 {
		return nil, fmt.Errorf("no postprocessing jobs configured")
	}
	return r, nil
}

// RunID identifies this postprocessing run.
func (r *Runner) RunID() string { return r.runID }

// Units returns the constructed units, for inspection.
func (r *Runner) Units() []*Unit {
	units := make([]*Unit, len(r.units))
	for i, ru := range r.units {
		units[i] = ru.unit
	}
	return units
}

// Run starts every unit and waits for all of them. No unit failure is
// isolated: the first error is returned once the remaining units have
// finished or failed, and the whole run counts as failed.
func (r *Runner) Run() (*Manifest, error) {
	started := time.Now()

	var wg sync.WaitGroup
	errs := make(chan error, len(r.units))
	for _, ru := range r.units {
		wg.Add(1)
		go func(ru *runnerUnit) {
			defer wg.Done()
			if err := ru.unit.Run(); err != nil {
				errs <- err
			}
		}(ru)
	}
	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return nil, err
	}

	m := &Manifest{
		RunID:      r.runID,
		StartedAt:  started.UTC(),
		FinishedAt: time.Now().UTC(),
		Outputs:    make(map[string]ManifestEntry, len(r.units)),
	}
	for _, ru := range r.units {
		m.Outputs[ru.unit.ID()] = ManifestEntry{
			Kind:   ru.kind,
			Folder: ru.unit.OutputFolder(),
			Steps:  ru.unit.StepsFinished(),
		}
	}
	return m, nil
}

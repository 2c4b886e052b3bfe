package main

import (
	"log"
	"time"

	"github.com/banshee-data/annotate.pipeline/internal/config"
	"github.com/banshee-data/annotate.pipeline/internal/postproc"
	"github.com/banshee-data/annotate.pipeline/internal/runindex"
)

// runPostprocessing loads the job config, fans out one unit per configured
// job and blocks until the whole run finishes or any unit fails.
func runPostprocessing(opts runOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := cfg.InjectParentDir(opts.OutputPath); err != nil {
		return err
	}

	var index *runindex.DB
	if opts.IndexPath != "" {
		index, err = runindex.Open(opts.IndexPath)
		if err != nil {
			return err
		}
		defer index.Close()
	}

	// The step hook runs on the unit goroutines; database/sql serialises
	// access. runID is assigned before Run starts.
	var runID string
	unitOpts := postproc.UnitOptions{
		PollInterval:    opts.PollInterval,
		LockTimeout:     opts.LockTimeout,
		SourcesDeadline: opts.SourcesDeadline,
		OnStep: func(unitID string, step, artifacts int, d time.Duration) {
			if err := index.RecordStep(runID, unitID, step, artifacts, d); err != nil {
				log.Printf("run index: %v", err)
			}
		},
	}

	runner, err := postproc.NewRunner(cfg, unitOpts)
	if err != nil {
		return err
	}
	runID = runner.RunID()

	if err := index.RecordRun(runID, time.Now()); err != nil {
		return err
	}

	log.Printf("run %s: starting %d postprocessing units", runID, len(runner.Units()))
	manifest, err := runner.Run()
	if err != nil {
		return err
	}

	if err := postproc.WriteManifest(opts.OutputPath, manifest); err != nil {
		return err
	}
	if err := index.FinishRun(runID, time.Now()); err != nil {
		return err
	}

	for id, out := range manifest.Outputs {
		log.Printf("run %s: %s (%s) wrote %d steps to %s", runID, id, out.Kind, out.Steps, out.Folder)
	}
	return nil
}

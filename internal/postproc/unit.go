package postproc

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/annotate.pipeline/internal/config"
	"github.com/banshee-data/annotate.pipeline/internal/ledger"
	"github.com/banshee-data/annotate.pipeline/internal/timeutil"
)

// State is the synchronizer's position in its lifecycle.
type State int

const (
	// StateAwaitingSources scans the output tree until every required
	// source ledger has been located.
	StateAwaitingSources State = iota

	// StateDiscoveringSteps re-reads the source ledgers and materialises
	// records for newly available steps.
	StateDiscoveringSteps

	// StateProcessing is transforming one step.
	StateProcessing

	// StateAllStepsDone is terminal: every expected step finished and the
	// finalize pass ran.
	StateAllStepsDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingSources:
		return "awaiting_sources"
	case StateDiscoveringSteps:
		return "discovering_steps"
	case StateProcessing:
		return "processing"
	case StateAllStepsDone:
		return "all_steps_done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DefaultPollInterval is the sleep between idle poll passes.
const DefaultPollInterval = 100 * time.Millisecond

// ErrSourcesDeadline reports that the configured deadline elapsed before
// every source ledger appeared.
type ErrSourcesDeadline struct {
	Missing []string
	Waited  time.Duration
}

func (e *ErrSourcesDeadline) Error() string {
	return fmt.Sprintf("sources %v did not appear within %v", e.Missing, e.Waited)
}

// StepRecord tracks one discovered step. Finished flips to true exactly
// once, after the transform ran and the output ledger entry was written.
// Records are never deleted.
type StepRecord struct {
	Sources  StepSources
	Finished bool
}

// UnitOptions tunes a Unit. The zero value gives production defaults.
type UnitOptions struct {
	// Clock drives polling; nil uses the real clock.
	Clock timeutil.Clock

	// PollInterval between idle passes; zero uses DefaultPollInterval.
	PollInterval time.Duration

	// LockTimeout for every ledger read and write; zero uses
	// ledger.DefaultLockTimeout.
	LockTimeout time.Duration

	// SourcesDeadline bounds the wait for source ledgers to appear.
	// Zero waits forever.
	SourcesDeadline time.Duration

	// Logger is optional; if nil, uses log.Default().
	Logger *log.Logger

	// OnStep, if non-nil, is invoked after each step finishes with the
	// number of artifacts written and the transform duration.
	OnStep func(unitID string, step int, artifacts int, d time.Duration)
}

// Unit couples one Processor with the polling synchronizer that feeds it.
// A unit owns exactly one output ledger; it reads its sources' ledgers and
// never writes them.
type Unit struct {
	cfg   *config.UnitConfig
	proc  Processor
	clock timeutil.Clock
	opts  UnitOptions
	log   *log.Logger

	mu    sync.Mutex
	state State

	located  map[string]ledger.Located
	steps    map[int]*StepRecord
	typeDirs map[string]string
	expected int
	out      ledger.Ledger
	outPath  string
}

// NewUnit creates a unit for one configured job instance.
func NewUnit(cfg *config.UnitConfig, proc Processor, opts UnitOptions) *Unit {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = ledger.DefaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Unit{
		cfg:   cfg,
		proc:  proc,
		clock: opts.Clock,
		opts:  opts,
		log:   opts.Logger,
		steps: make(map[int]*StepRecord),
	}
}

// ID returns the unit's output stream id.
func (u *Unit) ID() string { return u.cfg.ID }

// State returns the synchronizer's current state.
func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Unit) setState(s State) {
	u.mu.Lock()
	u.state = s
	u.mu.Unlock()
}

// OutputFolder returns the transform's output folder; valid once sources
// have been located.
func (u *Unit) OutputFolder() string { return u.proc.OutputFolder() }

// StepsFinished returns how many steps have been processed so far.
func (u *Unit) StepsFinished() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, rec := range u.steps {
		if rec.Finished {
			n++
		}
	}
	return n
}

// Run executes the unit's full lifecycle and blocks until terminal. Any
// lock timeout, parse failure or transform error is fatal to the unit and
// propagates unchanged.
func (u *Unit) Run() error {
	if err := u.awaitSources(); err != nil {
		return err
	}
	if err := u.setup(); err != nil {
		return err
	}

	for !u.finishedAllSteps() {
		u.setState(StateDiscoveringSteps)
		if err := u.discoverSteps(); err != nil {
			return err
		}

		step, rec := u.nextUnprocessed()
		if rec == nil {
			u.clock.Sleep(u.opts.PollInterval)
			continue
		}

		u.setState(StateProcessing)
		if err := u.processStep(step, rec); err != nil {
			return err
		}
	}

	if err := u.finalize(); err != nil {
		return err
	}
	u.setState(StateAllStepsDone)
	u.log.Printf("unit %s: all %d steps done", u.cfg.ID, u.expected)
	return nil
}

// awaitSources polls the output tree until every configured source id has
// been located, or the optional deadline elapses.
func (u *Unit) awaitSources() error {
	start := u.clock.Now()
	for {
		located, err := ledger.CrawlWithTimeout(u.cfg.ParentDir, u.cfg.Sources, u.opts.LockTimeout)
		if err != nil {
			return err
		}
		if len(located) == len(u.cfg.Sources) {
			u.located = located
			return nil
		}

		if u.opts.SourcesDeadline > 0 && u.clock.Since(start) >= u.opts.SourcesDeadline {
			var missing []string
			for _, id := range u.cfg.Sources {
				if _, ok := located[id]; !ok {
					missing = append(missing, id)
				}
			}
			return &ErrSourcesDeadline{Missing: missing, Waited: u.opts.SourcesDeadline}
		}
		u.clock.Sleep(u.opts.PollInterval)
	}
}

// setup derives the per-run facts from the located sources, prepares the
// transform and creates the output folder.
func (u *Unit) setup() error {
	first := u.located[u.cfg.Sources[0]]

	u.expected = u.cfg.ExpectedSteps
	if u.expected == 0 {
		u.expected = first.Ledger.ExpectedSteps
	}

	u.typeDirs = make(map[string]string, len(u.located))
	for _, src := range u.located {
		u.typeDirs[src.Ledger.Type] = src.Dir()
	}

	desc := u.proc.Describe()
	u.out = ledger.Ledger{
		Type:          desc.Type,
		Format:        desc.Format,
		Description:   desc.Description,
		Sensor:        first.Ledger.Sensor,
		ID:            u.cfg.ID,
		ExpectedSteps: u.expected,
		Steps:         make(map[int][]ledger.Artifact),
	}

	if err := u.proc.Prepare(SourceInfo{
		Sensor:   first.Ledger.Sensor,
		Expected: u.expected,
		TypeDirs: u.typeDirs,
	}); err != nil {
		return fmt.Errorf("unit %s: prepare: %w", u.cfg.ID, err)
	}

	folder := u.proc.OutputFolder()
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return fmt.Errorf("unit %s: create output folder: %w", u.cfg.ID, err)
	}
	u.outPath = filepath.Join(folder, ledger.Filename(u.cfg.ID))
	return nil
}

// discoverSteps re-reads every source ledger under its lock (they may have
// grown), intersects the available step sets across all sources, and
// materialises records for steps not seen before, snapshotting each
// source's artifact list at discovery time.
func (u *Unit) discoverSteps() error {
	for id, src := range u.located {
		fresh, err := ledger.ReadWithTimeout(src.Path, u.opts.LockTimeout)
		if err != nil {
			return err
		}
		u.located[id] = ledger.Located{Ledger: fresh, Path: src.Path}
	}

	available := u.intersectSteps()
	u.mu.Lock()
	for _, step := range available {
		if _, seen := u.steps[step]; seen {
			continue
		}
		snapshot := make(StepSources, len(u.located))
		for id, src := range u.located {
			artifacts := make([]ledger.Artifact, len(src.Ledger.Steps[step]))
			copy(artifacts, src.Ledger.Steps[step])
			snapshot[id] = artifacts
		}
		u.steps[step] = &StepRecord{Sources: snapshot}
	}
	u.mu.Unlock()
	return nil
}

// intersectSteps returns the step numbers present in every source ledger.
func (u *Unit) intersectSteps() []int {
	counts := make(map[int]int)
	for _, src := range u.located {
		for step := range src.Ledger.Steps {
			counts[step]++
		}
	}
	var steps []int
	for step, n := range counts {
		if n == len(u.located) {
			steps = append(steps, step)
		}
	}
	sort.Ints(steps)
	return steps
}

// nextUnprocessed returns the lowest unfinished step, or (0, nil).
func (u *Unit) nextUnprocessed() (int, *StepRecord) {
	u.mu.Lock()
	defer u.mu.Unlock()
	best, found := 0, false
	for step, rec := range u.steps {
		if rec.Finished {
			continue
		}
		if !found || step < best {
			best, found = step, true
		}
	}
	if !found {
		return 0, nil
	}
	return best, u.steps[best]
}

// processStep runs the transform for one step, publishes the resulting
// artifacts in the unit's own ledger, and marks the record finished.
func (u *Unit) processStep(step int, rec *StepRecord) error {
	started := u.clock.Now()
	artifacts, err := u.proc.ProcessStep(&StepData{
		Step:     step,
		Sources:  rec.Sources,
		typeDirs: u.typeDirs,
	})
	if err != nil {
		return fmt.Errorf("unit %s: step %d: %w", u.cfg.ID, step, err)
	}

	if artifacts != nil {
		u.out.AddStep(step, artifacts)
		if err := ledger.WriteWithTimeout(u.outPath, &u.out, u.opts.LockTimeout); err != nil {
			return err
		}
	}

	u.mu.Lock()
	rec.Finished = true
	u.mu.Unlock()

	if u.opts.OnStep != nil {
		u.opts.OnStep(u.cfg.ID, step, len(artifacts), u.clock.Since(started))
	}
	return nil
}

// finishedAllSteps reports whether the finished count has reached the
// expected step count.
func (u *Unit) finishedAllSteps() bool {
	return u.StepsFinished() == u.expected
}

// finalize runs the transform's aggregate pass and writes the output
// ledger one last time so it exists even for units that emitted nothing.
func (u *Unit) finalize() error {
	aggregate, err := u.proc.ProcessAllSteps()
	if err != nil {
		return fmt.Errorf("unit %s: finalize: %w", u.cfg.ID, err)
	}
	for step, artifacts := range aggregate {
		// Published step keys are never rewritten, aggregates may only
		// add new ones.
		if _, taken := u.out.Steps[step]; taken {
			u.log.Printf("unit %s: aggregate for step %d dropped, step already recorded", u.cfg.ID, step)
			continue
		}
		u.out.AddStep(step, artifacts)
	}
	return ledger.WriteWithTimeout(u.outPath, &u.out, u.opts.LockTimeout)
}

// Command annotate-postprocess consumes a render output tree as it is being
// produced and derives training annotations (bounding boxes, merged object
// instances) from the raw sensor channels.
//
// It is started alongside the renderer: each configured postprocessing job
// polls the output tree for its source streams, processes frames as they
// appear, and publishes its results through a metadata ledger of the same
// schema the renderer writes.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/banshee-data/annotate.pipeline/internal/ledger"
	"github.com/banshee-data/annotate.pipeline/internal/postproc"
	"github.com/banshee-data/annotate.pipeline/internal/version"
)

var (
	configPath = flag.String("config", "job_config.yaml", "Path to the job config file")
	outputPath = flag.String("output-path", "", "Output tree root the renderer writes into")
	indexPath  = flag.String("index", "", "Optional sqlite run index path (empty disables)")

	pollInterval    = flag.Duration("poll", postproc.DefaultPollInterval, "Delay between poll passes")
	lockTimeout     = flag.Duration("lock-timeout", ledger.DefaultLockTimeout, "Ledger lock acquisition timeout")
	sourcesDeadline = flag.Duration("sources-deadline", 0, "Give up if source ledgers do not appear in time (0 waits forever)")

	showVersion = flag.Bool("version", false, "Print the build version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("annotate-postprocess %s\n", version.String())
		return
	}

	if *outputPath == "" {
		log.Print("missing required -output-path")
		flag.Usage()
		os.Exit(2)
	}

	opts := runOptions{
		ConfigPath:      *configPath,
		OutputPath:      *outputPath,
		IndexPath:       *indexPath,
		PollInterval:    *pollInterval,
		LockTimeout:     *lockTimeout,
		SourcesDeadline: *sourcesDeadline,
	}
	if err := runPostprocessing(opts); err != nil {
		log.Fatalf("postprocessing failed: %v", err)
	}
}

// runOptions carries the resolved CLI flags.
type runOptions struct {
	ConfigPath      string
	OutputPath      string
	IndexPath       string
	PollInterval    time.Duration
	LockTimeout     time.Duration
	SourcesDeadline time.Duration
}

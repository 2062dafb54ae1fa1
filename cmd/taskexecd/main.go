// Command taskexecd is a demo harness for the task-execution core: it
// wires a TaskExecutor, a Conductor, and a MemoryBuffer together for one
// synthetic task, feeds it split assignments from the command line (or a
// built-in fixture), and prints the resulting state transitions. It is
// not a server; it exists to exercise the library end to end the way an
// integration test would, but runnable by hand.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scatterquery/taskexec/pkg/buffer"
	"github.com/scatterquery/taskexec/pkg/clock"
	"github.com/scatterquery/taskexec/pkg/config"
	"github.com/scatterquery/taskexec/pkg/executor"
	"github.com/scatterquery/taskexec/pkg/future"
	"github.com/scatterquery/taskexec/pkg/logging"
	"github.com/scatterquery/taskexec/pkg/metrics"
	"github.com/scatterquery/taskexec/pkg/operator"
	"github.com/scatterquery/taskexec/pkg/plan"
	"github.com/scatterquery/taskexec/pkg/statemachine"
	"github.com/scatterquery/taskexec/pkg/task"
)

var (
	cfgFile    string
	splitCount int
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "taskexecd",
		Short: "Run a single synthetic task through the scheduler and print its lifecycle",
		RunE:  run,
	}
)

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "path to a config file (optional; defaults apply otherwise)")
	rootCmd.Flags().IntVar(&splitCount, "splits", 8, "number of synthetic splits to feed the task's one source plan node")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := viper.BindPFlag("splits", rootCmd.Flags().Lookup("splits")); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log := logging.New(&logging.Config{Level: level, Format: logging.TextFormat, Output: os.Stdout})

	rec := metrics.New()

	clk := clock.New()
	exec := executor.New(executor.Config{
		WorkerThreads:        cfg.WorkerThreads,
		NotificationThreads:  cfg.NotificationExecutorThreads,
		TaskYieldInterval:    cfg.TaskYieldInterval,
		TaskMemoryLimitBytes: cfg.TaskMemoryLimitBytes,
	}, clk, log).WithMetrics(rec)
	defer exec.Shutdown()

	buf := buffer.NewMemoryBuffer(cfg.OutputBufferCapacityBytes)
	// This demo has no real downstream consumer draining pages over the
	// wire, so simulate one: finish the buffer the instant the task signals
	// no more pages are coming, exactly as a client that had already
	// consumed every prior page would.
	buf.AddStateChangeListener(func(s buffer.State) {
		if s == buffer.NoMorePages {
			buf.Finish()
		}
	})

	node := plan.PlanNodeID("source-0")
	fragment := operator.Fragment{
		Factories: []operator.Factory{
			{
				PipelineID:     0,
				SourcePlanNode: &node,
				Build:          echoDriverBuilder(buf),
			},
		},
		SourceStartOrder: []plan.PlanNodeID{node},
	}

	taskID := plan.TaskID(uuid.NewString())
	conductor, err := task.New(taskID, fragment, buf, exec, cfg, log, rec)
	if err != nil {
		return fmt.Errorf("starting task: %w", err)
	}

	terminal := make(chan struct{})
	var closedOnce bool
	conductor.AddStateListener(func(t statemachine.Transition) {
		log.Info("task state transition", map[string]interface{}{"from": t.From.String(), "to": t.To.String()})
		if t.To.IsTerminal() && !closedOnce {
			closedOnce = true
			close(terminal)
		}
	})

	splits := make([]plan.ScheduledSplit, 0, splitCount)
	for i := 1; i <= splitCount; i++ {
		// Sequence ids start at 1. The conductor dedupes them per plan node
		// by id, so 0 would be accepted too; starting at 1 keeps a zero in
		// Snapshot's MaxAcknowledgedSequenceID meaning "nothing acknowledged".
		splits = append(splits, plan.ScheduledSplit{
			SequenceID: uint64(i),
			PlanNode:   node,
			Split:      demoSplit{weight: 1},
		})
	}
	assignment := plan.NewSplitAssignment(node, splits, true)

	if err := conductor.AddSplitAssignments([]plan.SplitAssignment{assignment}); err != nil {
		return fmt.Errorf("assigning splits: %w", err)
	}

	select {
	case <-terminal:
	case <-time.After(10 * time.Second):
		log.Warn("task did not reach a terminal state within the demo timeout")
	}

	snap := conductor.Snapshot()
	fmt.Printf("task %s finished in state %s\n", snap.TaskID, snap.State)
	if cause := conductor.FailureCause(); cause != nil {
		fmt.Printf("failure cause: %v\n", cause)
	}
	return nil
}

// demoSplit is the minimal plan.Split used by this harness's synthetic
// source; a real deployment plugs in its own split implementation.
type demoSplit struct{ weight int64 }

func (s demoSplit) Weight() int64 { return s.weight }

// echoDriverBuilder returns a BuildFunc for a trivial Driver that pushes
// one page into buf and immediately finishes it, just enough to exercise
// the conductor's full completion path without a real operator stack.
func echoDriverBuilder(buf *buffer.MemoryBuffer) operator.BuildFunc {
	return func(ctx operator.Context) (operator.Driver, error) {
		return &echoDriver{ctx: ctx, buf: buf}, nil
	}
}

// echoPageBytes is the synthetic page size this demo charges against the
// task's MemoryAccount for every page it pushes.
const echoPageBytes = 1 << 10

type echoDriver struct {
	ctx      operator.Context
	buf      *buffer.MemoryBuffer
	done     bool
	reserved bool
}

func (d *echoDriver) SourceID() (plan.PlanNodeID, bool) {
	if d.ctx.PartitionedSplit == nil {
		return "", false
	}
	return d.ctx.PartitionedSplit.PlanNode, true
}

func (d *echoDriver) UpdateSplits(assignment plan.SplitAssignment) {}

// ProcessFor pushes a single page and reports finished on its first call;
// the page is immediately consumed and the buffer is finished once every
// driver has done so (faked here by finishing eagerly, since this demo has
// no real downstream consumer draining pages). It reserves the page's
// bytes against the task's MemoryAccount before producing it and releases
// them once consumed, exercising the same backpressure seam a real
// operator would block on via Context.Memory (spec.md §5 "Memory"):
// reserved guards against charging twice if the executor suspends this
// call and re-invokes ProcessFor once the reservation clears.
func (d *echoDriver) ProcessFor(budget time.Duration) *future.Future {
	if d.ctx.Memory != nil && !d.reserved {
		d.reserved = true
		if f := d.ctx.Memory.Reserve(echoPageBytes); !f.IsDone() {
			return f
		}
	}
	d.buf.AddPage(1)
	d.buf.Consume(1)
	if d.ctx.Memory != nil {
		d.ctx.Memory.Release(echoPageBytes)
	}
	d.done = true
	return future.Completed(nil)
}

func (d *echoDriver) IsFinished() bool { return d.done }

func (d *echoDriver) Close() {}

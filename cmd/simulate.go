// Package cmd holds the hwencode subcommands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smazurov/hwencode/internal/logging"
	"github.com/smazurov/hwencode/internal/pipeline"
	"github.com/smazurov/hwencode/internal/recorder"
	"github.com/smazurov/hwencode/internal/session"
)

// SimulateOptions are the flags of the simulate command.
type SimulateOptions struct {
	Width          int
	Height         int
	Framerate      int
	BitrateKbps    int
	MaxQP          int
	GOP            int
	Frames         int
	DropEvery      int
	Realtime       bool
	DynamicScaling bool
	RecordDir      string
	JSON           bool
}

// CreateSimulateCmd creates the simulate command.
func CreateSimulateCmd() *cobra.Command {
	var o SimulateOptions

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Encode a synthetic stream and print a summary",
		Long: `Runs the encoding pipeline against the simulated engine with a generated test pattern. ` +
			`Useful for checking drop handling, key frame cadence and recordings without a capture device.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			loggingConfig := logging.Config{Level: "info", Format: "text"}
			if o.JSON {
				// keep stdout clean for the summary
				loggingConfig.Level = "error"
			}
			logging.Initialize(loggingConfig)

			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := RunSimulation(ctx, o)
			if err != nil {
				return err
			}
			return printSummary(c, summary, o.JSON)
		},
	}

	f := cmd.Flags()
	f.IntVar(&o.Width, "width", 640, "Frame width")
	f.IntVar(&o.Height, "height", 480, "Frame height")
	f.IntVar(&o.Framerate, "framerate", 30, "Source framerate")
	f.IntVar(&o.BitrateKbps, "bitrate-kbps", 1000, "Target bitrate in kbit/s")
	f.IntVar(&o.MaxQP, "max-qp", pipeline.DefaultMaxQP, "Highest acceptable quantizer")
	f.IntVar(&o.GOP, "gop", 30, "Frames between periodic key frames")
	f.IntVarP(&o.Frames, "frames", "n", 300, "Number of source frames")
	f.IntVar(&o.DropEvery, "drop-every", 0, "Report every Nth frame as dropped")
	f.BoolVar(&o.Realtime, "realtime", false, "Pace frames at the framerate")
	f.BoolVar(&o.DynamicScaling, "dynamic-scaling", false, "Downscale frames under sustained drops")
	f.StringVar(&o.RecordDir, "record-dir", "", "Write fragmented MP4 recordings to this directory")
	f.BoolVar(&o.JSON, "json", false, "Print the summary as JSON")

	return cmd
}

// RunSimulation encodes o.Frames synthetic frames and returns the summary.
func RunSimulation(ctx context.Context, o SimulateOptions) (session.Summary, error) {
	var callbacks []pipeline.Callback
	var rec *recorder.Recorder
	if o.RecordDir != "" {
		if err := os.MkdirAll(o.RecordDir, 0o755); err != nil {
			return session.Summary{}, fmt.Errorf("create record dir: %w", err)
		}
		rec = recorder.New(recorder.Options{Dir: o.RecordDir, Prefix: "simulate"})
		callbacks = append(callbacks, rec.OnFrame)
	}

	sess, err := session.New(ctx, session.Options{
		Pipeline: pipeline.Config{
			StreamID:          "simulate",
			Width:             o.Width,
			Height:            o.Height,
			MaxFramerate:      o.Framerate,
			TargetBitrateKbps: o.BitrateKbps,
			MaxQP:             o.MaxQP,
			DynamicScaling:    o.DynamicScaling,
		},
		GOP:       o.GOP,
		Frames:    o.Frames,
		DropEvery: o.DropEvery,
		Realtime:  o.Realtime,
		Callbacks: callbacks,
	})
	if err != nil {
		return session.Summary{}, err
	}

	summary, err := sess.Run(ctx)
	if rec != nil {
		if closeErr := rec.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("finish recording: %w", closeErr)
		}
	}
	return summary, err
}

func printSummary(c *cobra.Command, s session.Summary, asJSON bool) error {
	out := c.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Fprintf(out, "frames:     %d\n", s.Frames)
	fmt.Fprintf(out, "submitted:  %d\n", s.Submitted)
	fmt.Fprintf(out, "completed:  %d\n", s.Completed)
	fmt.Fprintf(out, "dropped:    %d\n", s.Dropped)
	fmt.Fprintf(out, "key frames: %d\n", s.KeyFrames)
	fmt.Fprintf(out, "bytes:      %d\n", s.Bytes)
	fmt.Fprintf(out, "last qp:    %d\n", s.LastQP)
	fmt.Fprintf(out, "resolution: %dx%d\n", s.Width, s.Height)
	fmt.Fprintf(out, "elapsed:    %s\n", s.Elapsed)
	return nil
}

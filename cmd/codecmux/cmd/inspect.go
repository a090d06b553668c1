package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jmylchreest/codecmux/internal/mpeg4"
)

var inspectJSON bool

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Describe the layout of an MPEG-4 file",
	Long: `Print the box layout, tracks and chunk interleaving of an MPEG-4 file as
written by the record command.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "output the layout as JSON")
	rootCmd.AddCommand(inspectCmd)
}

// inspectTrack is the JSON form of one track.
type inspectTrack struct {
	ID          uint32 `json:"id"`
	Handler     string `json:"handler"`
	SampleEntry string `json:"sample_entry"`
	Duration    string `json:"duration"`
	EditDelay   string `json:"edit_delay,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Channels    int    `json:"channels,omitempty"`
	Samples     int    `json:"samples"`
	SyncSamples int    `json:"sync_samples"`
	Chunks      int    `json:"chunks"`
	Bytes       uint64 `json:"bytes"`
}

// inspectReport is the JSON form of a layout.
type inspectReport struct {
	File       string         `json:"file"`
	Size       int64          `json:"size"`
	MajorBrand string         `json:"major_brand"`
	Duration   string         `json:"duration"`
	MoovFirst  bool           `json:"moov_first"`
	Tracks     []inspectTrack `json:"tracks"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	l, err := mpeg4.Probe(f)
	if err != nil {
		return fmt.Errorf("probing %s: %w", args[0], err)
	}

	report := newInspectReport(args[0], st.Size(), l)
	if inspectJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return writeInspectText(cmd.OutOrStdout(), report)
}

func newInspectReport(name string, size int64, l *mpeg4.Layout) inspectReport {
	r := inspectReport{
		File:       name,
		Size:       size,
		MajorBrand: l.MajorBrand,
		Duration:   l.Duration.Round(time.Millisecond).String(),
		MoovFirst:  l.MoovOffset < l.MdatOffset,
		Tracks:     make([]inspectTrack, 0, len(l.Tracks)),
	}
	for _, t := range l.Tracks {
		it := inspectTrack{
			ID:          t.ID,
			Handler:     t.Handler,
			SampleEntry: t.SampleEntry,
			Duration:    t.Duration.Round(time.Millisecond).String(),
			Width:       t.Width,
			Height:      t.Height,
			SampleRate:  t.SampleRate,
			Channels:    t.Channels,
			Samples:     len(t.SampleSizes),
			SyncSamples: len(t.SyncSamples),
			Chunks:      len(t.Chunks),
		}
		if t.EditDelay > 0 {
			it.EditDelay = t.EditDelay.String()
		}
		for _, s := range t.SampleSizes {
			it.Bytes += uint64(s)
		}
		r.Tracks = append(r.Tracks, it)
	}
	return r
}

func writeInspectText(w io.Writer, r inspectReport) error {
	fmt.Fprintf(w, "%s  %s  brand=%s  duration=%s  moov_first=%t\n",
		r.File, humanize.IBytes(uint64(max(r.Size, 0))), r.MajorBrand, r.Duration, r.MoovFirst)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHANDLER\tENTRY\tFORMAT\tDURATION\tSAMPLES\tSYNC\tCHUNKS\tSIZE")
	for _, t := range r.Tracks {
		format := fmt.Sprintf("%dx%d", t.Width, t.Height)
		if t.Handler == "soun" {
			format = fmt.Sprintf("%dHz/%dch", t.SampleRate, t.Channels)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			t.ID, t.Handler, t.SampleEntry, format, t.Duration,
			humanize.Comma(int64(t.Samples)), t.SyncSamples, t.Chunks, humanize.IBytes(t.Bytes))
	}
	return tw.Flush()
}

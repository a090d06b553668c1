package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/codecmux/internal/codec"
	"github.com/jmylchreest/codecmux/internal/config"
	httpserver "github.com/jmylchreest/codecmux/internal/http"
	"github.com/jmylchreest/codecmux/internal/http/handlers"
	"github.com/jmylchreest/codecmux/internal/media"
	"github.com/jmylchreest/codecmux/internal/mpeg4"
	"github.com/jmylchreest/codecmux/internal/observability"
	"github.com/jmylchreest/codecmux/internal/omx/soft"
	"github.com/jmylchreest/codecmux/internal/omxcodec"
	"github.com/jmylchreest/codecmux/internal/recorder"
	"github.com/jmylchreest/codecmux/internal/source"
	"github.com/jmylchreest/codecmux/internal/startup"
	"github.com/jmylchreest/codecmux/internal/version"
)

// Parameter sets handed to the software AVC encoder as its codec config.
var (
	encoderSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0xa0, 0x47, 0xfe, 0xc8}
	encoderPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// recordFlags holds the flags of the record command that are not bound to viper.
type recordFlags struct {
	output      string
	input       string
	video       string
	audio       string
	encodeVideo string
	encodeAudio string
	width       int
	height      int
	frameRate   int
	sampleRate  int
	channels    int
	samples     int
	gop         int
	payloadSize int
	realtime    bool
}

var recordOpts recordFlags

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record sources into an MPEG-4 file",
	Long: `Record a video and an audio source into one MPEG-4 file.

Without --input the sources are generated test patterns of the codecs named by
--video and --audio ("none" drops a stream). With --input the streams of an
MPEG-TS file are used.

--encode-video and --encode-audio run a stream through codec components: raw
sources are encoded, compressed sources are decoded first.

The file appears at the output path only once it is complete. SIGINT stops
the recording and finalizes what was written so far.`,
	Example: `  codecmux record -o pattern.mp4 --samples 300
  codecmux record -o clip.mp4 --input capture.ts --max-duration 30s
  codecmux record -o enc.mp4 --video raw --encode-video h264 --audio pcm --encode-audio aac`,
	RunE: runRecord,
}

func init() {
	f := recordCmd.Flags()
	f.StringVarP(&recordOpts.output, "output", "o", "", "output file (required)")
	f.StringVarP(&recordOpts.input, "input", "i", "", "MPEG-TS file to record instead of test patterns")
	f.StringVar(&recordOpts.video, "video", "h264", "codec of the video pattern, or none")
	f.StringVar(&recordOpts.audio, "audio", "aac", "codec of the audio pattern, or none")
	f.StringVar(&recordOpts.encodeVideo, "encode-video", "", "encode the video stream to this codec")
	f.StringVar(&recordOpts.encodeAudio, "encode-audio", "", "encode the audio stream to this codec")
	f.IntVar(&recordOpts.width, "width", 320, "video pattern width")
	f.IntVar(&recordOpts.height, "height", 240, "video pattern height")
	f.IntVar(&recordOpts.frameRate, "fps", 30, "video pattern frame rate")
	f.IntVar(&recordOpts.sampleRate, "sample-rate", 48000, "audio pattern sample rate")
	f.IntVar(&recordOpts.channels, "channels", 2, "audio pattern channel count")
	f.IntVar(&recordOpts.samples, "samples", 300, "video pattern length in samples; zero never ends")
	f.IntVar(&recordOpts.gop, "gop", source.DefaultGOP, "distance between video sync samples")
	f.IntVar(&recordOpts.payloadSize, "payload-size", source.DefaultPayloadSize, "size of every pattern sample")
	f.BoolVar(&recordOpts.realtime, "realtime", false, "deliver pattern samples at their timestamps")
	_ = recordCmd.MarkFlagRequired("output")

	f.Duration("interleave", 0, "chunk interleave duration")
	f.String("max-file-size", "", "stop before the file grows past this size (e.g. 2GiB)")
	f.Duration("max-duration", 0, "stop once this much media was recorded")
	f.Bool("streamable", true, "reserve room for the movie box ahead of the media data")
	f.Bool("use-64bit-offsets", false, "write 64 bit chunk offsets")
	f.String("component", "", "force this encoder component")
	f.Bool("metrics", false, "serve status and Prometheus metrics while recording")
	f.String("metrics-listen", "", "status server address")

	mustBindPFlag("writer.interleave_duration", f.Lookup("interleave"))
	mustBindPFlag("writer.max_file_size", f.Lookup("max-file-size"))
	mustBindPFlag("writer.max_duration", f.Lookup("max-duration"))
	mustBindPFlag("writer.streamable", f.Lookup("streamable"))
	mustBindPFlag("writer.use_64bit_offsets", f.Lookup("use-64bit-offsets"))
	mustBindPFlag("codec.component", f.Lookup("component"))
	mustBindPFlag("metrics.enabled", f.Lookup("metrics"))
	mustBindPFlag("metrics.listen", f.Lookup("metrics-listen"))

	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, _ []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := observability.TimedOperationWithError(ctx, logger, "record", &err)
	defer done()

	tp, err := observability.NewTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	defer func() {
		if serr := tp.Shutdown(context.WithoutCancel(ctx)); serr != nil {
			logger.Warn("tracer shutdown failed", slog.String("error", serr.Error()))
		}
	}()

	if _, cerr := startup.CleanupPendingOutputs(logger, recordOpts.output, startup.DefaultCleanupAge); cerr != nil {
		logger.Warn("pending output cleanup failed", slog.String("error", cerr.Error()))
	}

	inputs, closer, err := recordInputs(recordOpts, logger)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	rec, err := recorder.New(recorder.Options{
		Output:        recordOpts.output,
		Inputs:        inputs,
		Writer:        writerOptions(cfg.Writer, logger),
		Factory:       softFactory(cfg.Codec, inputs, logger),
		ComponentName: cfg.Codec.Component,
		StateTimeout:  cfg.Codec.StateTimeout,
		ReadTimeout:   readTimeout(cfg.Codec.ReadTimeout),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	res, err := runWithStatus(ctx, rec, cfg.Metrics, logger)
	if res != nil {
		printResult(cmd.OutOrStdout(), res)
	}
	return err
}

// runWithStatus runs rec, serving its status while it records when enabled.
func runWithStatus(ctx context.Context, rec *recorder.Recorder, mc config.MetricsConfig, logger *slog.Logger) (*recorder.Result, error) {
	if !mc.Enabled {
		return rec.Run(ctx)
	}

	srvCfg := httpserver.DefaultServerConfig()
	srvCfg.Listen = mc.Listen
	srv := httpserver.NewServer(srvCfg, logger, version.Version)
	handlers.NewHealthHandler(version.Version).Register(srv.API())
	handlers.NewRecordingHandler(rec).Register(srv.API())

	srvCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	var res *recorder.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopServer()
		var err error
		res, err = rec.Run(gctx)
		return err
	})
	g.Go(func() error {
		return srv.ListenAndServe(srvCtx)
	})
	err := g.Wait()
	return res, err
}

// recordInputs builds the sources named by the flags. The returned closer,
// when not nil, releases the input file.
func recordInputs(o recordFlags, logger *slog.Logger) ([]recorder.Input, io.Closer, error) {
	videoTarget, err := targetFormat(o.encodeVideo, true)
	if err != nil {
		return nil, nil, err
	}
	audioTarget, err := targetFormat(o.encodeAudio, false)
	if err != nil {
		return nil, nil, err
	}

	if o.input != "" {
		f, err := os.Open(o.input)
		if err != nil {
			return nil, nil, fmt.Errorf("opening input: %w", err)
		}
		ts, err := source.OpenTS(f, source.TSOptions{Logger: logger})
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		var inputs []recorder.Input
		if v := ts.Video(); v != nil {
			inputs = append(inputs, recorder.Input{Source: v, Target: videoTarget})
		}
		if a := ts.Audio(); a != nil {
			inputs = append(inputs, recorder.Input{Source: a, Target: audioTarget})
		}
		return inputs, ts, nil
	}

	var inputs []recorder.Input
	if o.video != "none" {
		mime, ok := codec.MIMEType(o.video)
		if !ok {
			return nil, nil, fmt.Errorf("unknown video codec %q: %w", o.video, media.ErrUnsupportedFormat)
		}
		p, err := source.NewPattern(source.PatternOptions{
			Format:      &media.Format{MIME: mime, Width: o.width, Height: o.height, FrameRate: o.frameRate},
			Samples:     o.samples,
			GOP:         o.gop,
			PayloadSize: o.payloadSize,
			Realtime:    o.realtime,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		inputs = append(inputs, recorder.Input{Source: p, Target: videoTarget})
	}
	if o.audio != "none" {
		mime, ok := codec.MIMEType(o.audio)
		if !ok {
			return nil, nil, fmt.Errorf("unknown audio codec %q: %w", o.audio, media.ErrUnsupportedFormat)
		}
		f := &media.Format{MIME: mime, SampleRate: o.sampleRate, Channels: o.channels}
		p, err := source.NewPattern(source.PatternOptions{
			Format:      f,
			Samples:     audioSamples(o, f),
			PayloadSize: o.payloadSize,
			Realtime:    o.realtime,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, err
		}
		inputs = append(inputs, recorder.Input{Source: p, Target: audioTarget})
	}
	if len(inputs) == 0 {
		return nil, nil, errors.New("nothing to record: both streams are disabled")
	}
	return inputs, nil, nil
}

// audioSamples sizes the audio pattern to cover the video pattern.
func audioSamples(o recordFlags, f *media.Format) int {
	if o.samples == 0 || o.video == "none" || o.frameRate <= 0 {
		return o.samples
	}
	videoUs := int64(o.samples) * time.Second.Microseconds() / int64(o.frameRate)
	per := source.SampleDurationUs(f)
	if per <= 0 {
		return o.samples
	}
	return int((videoUs + per - 1) / per)
}

func targetFormat(name string, video bool) (*media.Format, error) {
	if name == "" {
		return nil, nil
	}
	mime, ok := codec.MIMEType(name)
	if !ok {
		return nil, fmt.Errorf("unknown codec %q: %w", name, media.ErrUnsupportedFormat)
	}
	f := &media.Format{MIME: mime}
	if f.IsVideo() != video {
		return nil, fmt.Errorf("codec %q does not fit the stream: %w", name, media.ErrUnsupportedFormat)
	}
	return f, nil
}

// readTimeout maps the configured read timeout, where zero waits forever,
// onto the codec option.
func readTimeout(d time.Duration) time.Duration {
	if d == 0 {
		return omxcodec.NoTimeout
	}
	return d
}

func writerOptions(wc config.WriterConfig, logger *slog.Logger) mpeg4.Options {
	return mpeg4.Options{
		InterleaveDuration: wc.InterleaveDuration,
		MaxFileSize:        wc.MaxFileSize.Bytes(),
		MaxDuration:        wc.MaxDuration,
		MoovReserve:        wc.MoovReserve.Bytes(),
		Streamable:         wc.Streamable,
		Use64BitOffsets:    wc.Use64BitOffsets,
		MaxPendingBytes:    wc.MaxPendingBytes.Bytes(),
		SilentTrackTimeout: wc.SilentTrackTimeout,
		Logger:             logger,
	}
}

// softFactory returns the software component factory. Encoders get the codec
// config matching the stream they will encode.
func softFactory(cc config.CodecConfig, inputs []recorder.Input, logger *slog.Logger) *soft.Factory {
	f := soft.NewFactory(soft.Options{
		InputBufferCount:  cc.InputBuffers,
		OutputBufferCount: cc.OutputBuffers,
		InputBufferSize:   int(cc.BufferSize.Bytes()),
		OutputBufferSize:  int(cc.BufferSize.Bytes()),
	})
	f.Logger = logger

	configs := make(map[string][]byte)
	for _, in := range inputs {
		if in.Target == nil {
			continue
		}
		csd := encoderConfig(in.Target, in.Source.Format())
		if csd == nil {
			continue
		}
		for _, name := range codec.MatchingComponents(in.Target.MIME, true) {
			configs[name] = csd
		}
	}
	f.Configure = func(name string, opts *soft.Options) {
		if csd, ok := configs[name]; ok {
			opts.CodecConfig = csd
		}
	}
	return f
}

func encoderConfig(target, src *media.Format) []byte {
	switch target.MIME {
	case media.MIMEVideoAVC:
		b, err := h264.AnnexB{encoderSPS, encoderPPS}.Marshal()
		if err != nil {
			return nil
		}
		return b
	case media.MIMEAudioAAC:
		rate, channels := target.SampleRate, target.Channels
		if rate == 0 {
			rate = src.SampleRate
		}
		if channels == 0 {
			channels = src.Channels
		}
		asc, err := (&mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   rate,
			ChannelCount: channels,
		}).Marshal()
		if err != nil {
			return nil
		}
		return asc
	}
	return nil
}

func printResult(w io.Writer, res *recorder.Result) {
	fmt.Fprintf(w, "%s: %s, %s\n", res.Output, humanize.IBytes(uint64(max(res.Bytes, 0))), res.Duration.Round(time.Millisecond))
	switch {
	case res.Interrupted:
		fmt.Fprintln(w, "stopped: interrupted")
	case res.StopReason != nil:
		fmt.Fprintf(w, "stopped: %v\n", res.StopReason)
	}
}

// Command livereplay drives one realtime session from files: a WAV stands in
// for the microphone, an optional image for the camera, and the assistant's
// reply is written to a WAV. With -quick it runs a one-shot frame description
// instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/glasslive/internal/app"
	"github.com/ent0n29/glasslive/internal/audio"
	"github.com/ent0n29/glasslive/internal/config"
	"github.com/ent0n29/glasslive/internal/realtime"
	"github.com/ent0n29/glasslive/internal/session"
	"github.com/ent0n29/glasslive/internal/video"
	"github.com/ent0n29/glasslive/internal/vision"
)

type options struct {
	inPath    string
	outPath   string
	imagePath string
	provider  string
	language  string
	quick     bool
	realtime  bool
	timeout   time.Duration
	verbose   bool
}

func main() {
	_ = godotenv.Load()

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "livereplay: %v\n", err)
		os.Exit(2)
	}

	logger := zap.NewNop()
	if opts.verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			logger = l
		}
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "livereplay: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()
	if err := run(ctx, cfg, opts, os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "livereplay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("livereplay", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.inPath, "in", "", "24 kHz PCM16 WAV replayed as the microphone")
	fs.StringVar(&opts.outPath, "out", "reply.wav", "where the assistant's reply audio is written")
	fs.StringVar(&opts.imagePath, "image", "", "optional JPEG or PNG used as the camera frame")
	fs.StringVar(&opts.provider, "provider", "", "provider override (alibaba_cloud|openai|custom)")
	fs.StringVar(&opts.language, "language", "", "language override, e.g. zh-CN")
	fs.BoolVar(&opts.quick, "quick", false, "describe -image once and print the result")
	fs.BoolVar(&opts.realtime, "realtime", true, "pace the input at playback speed")
	fs.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall deadline")
	fs.BoolVar(&opts.verbose, "verbose", false, "log session activity to stderr")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.inPath = strings.TrimSpace(opts.inPath)
	opts.imagePath = strings.TrimSpace(opts.imagePath)
	switch {
	case opts.quick && opts.imagePath == "":
		return options{}, errors.New("-quick requires -image")
	case !opts.quick && opts.inPath == "":
		return options{}, errors.New("-in is required")
	case !opts.quick && strings.TrimSpace(opts.outPath) == "":
		return options{}, errors.New("-out must not be empty")
	case opts.timeout <= 0:
		return options{}, errors.New("-timeout must be positive")
	}
	return opts, nil
}

func run(ctx context.Context, cfg config.Config, opts options, stdout io.Writer, logger *zap.Logger) error {
	builder := app.NewBuilder(cfg, nil, logger)
	resolved, err := builder.Resolve(session.CreateRequest{Provider: opts.provider, Language: opts.language})
	if err != nil {
		return err
	}

	var slot video.Slot
	if opts.imagePath != "" {
		data, err := os.ReadFile(opts.imagePath)
		if err != nil {
			return err
		}
		img, err := video.Decode(data)
		if err != nil {
			return fmt.Errorf("decode %s: %w", opts.imagePath, err)
		}
		slot.Put(img)
	}

	if opts.quick {
		client, err := builder.VisionClient(resolved)
		if err != nil {
			return err
		}
		q := vision.NewQuickRecognizer(client, logger)
		_, err = q.Recognize(ctx, &slot, vision.WriterSpeaker{W: stdout}, builder.VisionPrompt(resolved.Language))
		return err
	}

	src, err := audio.NewWAVSource(opts.inPath, audio.DefaultFrameDuration, opts.realtime)
	if err != nil {
		return err
	}
	defer src.Close()
	sink := &audio.WAVFileSink{Path: opts.outPath}

	tr := newTranscript(stdout)
	sess, err := builder.NewSession(resolved, tr.handler(), src, sink, logger)
	if err != nil {
		return err
	}
	defer sess.Disconnect()

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	if err := sess.StartRecording(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tr.awaitReply(gctx)
	})
	if img, ok := slot.Peek(); ok {
		g.Go(func() error {
			sess.UpdateVideoFrame(img)
			err := sess.RequestVisionAnalysis()
			if errors.Is(err, realtime.ErrNoVision) {
				fmt.Fprintln(stdout, "(frame skipped: provider has no vision path)")
				return nil
			}
			return err
		})
	}
	if cfg.TurnDetection() == nil {
		g.Go(func() error {
			// Without server VAD the turn ends when the input runs out.
			if err := waitInputDone(gctx, src, tr); err != nil {
				return err
			}
			return sess.CreateResponse()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := tr.awaitSilence(ctx); err != nil {
		return err
	}
	if err := waitPlayed(ctx, sess); err != nil {
		return err
	}
	sess.Disconnect()
	fmt.Fprintf(stdout, "reply audio: %s (%s)\n", opts.outPath, audio.Duration(len(sink.PCM()), audio.SampleRate))
	return nil
}

// waitPlayed polls until the playback queue is empty.
func waitPlayed(ctx context.Context, sess *realtime.Session) error {
	t := time.NewTicker(20 * time.Millisecond)
	defer t.Stop()
	for sess.Snapshot().Queued > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for playback: %w", ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

func waitInputDone(ctx context.Context, src *audio.ReaderSource, tr *transcript) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-src.Done():
	case <-tr.speechStopped:
	}
	return src.Err()
}

// transcript prints the conversation and signals reply completion.
type transcript struct {
	out io.Writer

	mu       sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
	fatal    chan error
	speaking bool
	quiet    chan struct{}

	stopOnce      sync.Once
	speechStopped chan struct{}
}

func newTranscript(out io.Writer) *transcript {
	return &transcript{
		out:   out,
		done:  make(chan struct{}),
		fatal: make(chan error, 1),
		quiet: make(chan struct{}, 1),

		speechStopped: make(chan struct{}),
	}
}

func (t *transcript) handler() realtime.Handler {
	return realtime.HandlerFuncs{
		SpeechStopped: func() {
			t.stopOnce.Do(func() { close(t.speechStopped) })
		},
		UserTranscript: func(text string) {
			fmt.Fprintf(t.out, "you: %s\n", text)
		},
		TranscriptDone: func(text string) {
			fmt.Fprintf(t.out, "assistant: %s\n", text)
			t.doneOnce.Do(func() { close(t.done) })
		},
		Speaking: func(speaking bool) {
			t.mu.Lock()
			t.speaking = speaking
			t.mu.Unlock()
			if !speaking {
				select {
				case t.quiet <- struct{}{}:
				default:
				}
			}
		},
		Error: func(err error) {
			var up *realtime.UpstreamError
			if errors.As(err, &up) && up.Retryable() {
				fmt.Fprintf(t.out, "(provider busy: %v)\n", err)
				return
			}
			select {
			case t.fatal <- err:
			default:
			}
		},
	}
}

func (t *transcript) awaitReply(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case err := <-t.fatal:
		return err
	case <-ctx.Done():
		return fmt.Errorf("waiting for reply: %w", ctx.Err())
	}
}

// awaitSilence returns once reply playback has finished.
func (t *transcript) awaitSilence(ctx context.Context) error {
	for {
		t.mu.Lock()
		speaking := t.speaking
		t.mu.Unlock()
		if !speaking {
			return nil
		}
		select {
		case <-t.quiet:
		case <-ctx.Done():
			return fmt.Errorf("waiting for playback: %w", ctx.Err())
		}
	}
}

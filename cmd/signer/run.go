package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signvia/signflow/internal/challenge/biometric"
	"github.com/signvia/signflow/internal/challenge/liveness"
	"github.com/signvia/signflow/internal/challenge/otp"
	"github.com/signvia/signflow/internal/config"
	"github.com/signvia/signflow/internal/device"
	"github.com/signvia/signflow/internal/flowapi"
	"github.com/signvia/signflow/internal/observability"
	"github.com/signvia/signflow/internal/render"
	"github.com/signvia/signflow/internal/router"
	"github.com/signvia/signflow/internal/session"
	"github.com/signvia/signflow/internal/signature"
	"github.com/signvia/signflow/internal/template"
	"github.com/signvia/signflow/model"
)

type runOptions struct {
	configPath string
	processID  string
	backendURL string
	imageDir   string
	sendCopy   bool
	email      string
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one signing flow end to end",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to configuration file")
	cmd.Flags().StringVar(&opts.processID, "process-id", "", "flow process id from the signing link")
	cmd.Flags().StringVar(&opts.backendURL, "backend", "", "flow backend base URL (overrides config)")
	cmd.Flags().StringVar(&opts.imageDir, "image-dir", "", "directory of capture images used as the camera")
	cmd.Flags().BoolVar(&opts.sendCopy, "send-copy", false, "request a copy of the signed document")
	cmd.Flags().StringVar(&opts.email, "email", "", "delivery address for the copy")
	_ = cmd.MarkFlagRequired("process-id")
	return cmd
}

func run(ctx context.Context, opts *runOptions) error {
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if opts.backendURL != "" {
		cfg.Backend.BaseURL = opts.backendURL
	}
	if cfg.Session.StorageDir == "" {
		cacheDir, cerr := os.UserCacheDir()
		if cerr != nil {
			cacheDir = "."
		}
		cfg.Session.StorageDir = filepath.Join(cacheDir, "signflow")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Observability.Tracing.Enabled {
		shutdown, terr := observability.InitTracing(ctx, cfg.Observability.Tracing, "signflow-signer", version)
		if terr != nil {
			return fmt.Errorf("tracing: %w", terr)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.Enabled {
		metrics = observability.InitMetrics(prometheus.NewRegistry())
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := session.NewFileKV(cfg.Session.StorageDir)
	if err != nil {
		return err
	}
	store := session.NewStore(kv,
		session.WithStorageKey(cfg.Session.StorageKey),
		session.WithLogger(logger),
	)

	client := flowapi.NewClient(cfg.Backend.BaseURL, opts.processID, store,
		flowapi.WithLogger(logger),
		flowapi.WithMetrics(metrics),
		flowapi.WithTimeout(cfg.Backend.Timeout),
		flowapi.WithUploadTimeout(cfg.Backend.UploadTimeout),
	)

	var camera device.Camera
	if opts.imageDir != "" {
		camera, err = device.NewImageDirCamera(opts.imageDir)
		if err != nil {
			return err
		}
	}

	flow := &flowRunner{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		store:   store,
		client:  client,
		camera:  camera,
		router:  router.New(client, store, router.WithLogger(logger), router.WithMetrics(metrics)),
		stdin:   bufio.NewReader(os.Stdin),
	}
	return flow.run(ctx)
}

type flowRunner struct {
	cfg     *config.Config
	opts    *runOptions
	logger  *zap.Logger
	metrics *observability.Metrics
	store   *session.Store
	client  *flowapi.Client
	camera  device.Camera
	router  *router.Router
	stdin   *bufio.Reader
}

func (f *flowRunner) run(ctx context.Context) error {
	route := f.router.Guard(f.router.Current())
	for {
		if err := ctx.Err(); err != nil {
			f.router.Abandon()
			return err
		}

		var err error
		switch route {
		case router.RouteInitiate:
			route, err = f.router.Initiate(ctx)
		case router.RouteComplete:
			route, err = f.router.Complete(ctx, f.opts.sendCopy, f.opts.email)
		case router.RouteDone:
			fmt.Println("flow completed")
			return nil
		default:
			route, err = f.runChallenge(ctx, model.ChallengeType(route))
		}
		if err != nil {
			next := f.router.RouteForError(err, route)
			if next == router.RouteInitiate && model.IsTerminal(err) {
				return fmt.Errorf("flow must be restarted from the signing link: %w", err)
			}
			return err
		}
	}
}

func (f *flowRunner) runChallenge(ctx context.Context, challenge model.ChallengeType) (router.Route, error) {
	fmt.Printf("== step: %s ==\n", challenge)
	switch {
	case challenge.IsOTP():
		return f.runOTP(ctx, challenge)
	case challenge == model.ChallengeBiometric:
		return f.runBiometric(ctx)
	case challenge == model.ChallengeLiveness:
		return f.runLiveness(ctx)
	case challenge == model.ChallengeTemplateSign:
		return f.runTemplate(ctx)
	default:
		return router.RouteInitiate, model.NewBadRequestError(
			fmt.Sprintf("unknown challenge %q", challenge))
	}
}

func (f *flowRunner) runOTP(ctx context.Context, challenge model.ChallengeType) (router.Route, error) {
	exec, err := otp.NewExecutor(challenge, f.cfg.OTP.Digits, f.client, f.store,
		otp.WithLogger(f.logger), otp.WithMetrics(f.metrics))
	if err != nil {
		return "", err
	}
	if err := exec.Start(ctx); err != nil {
		return "", err
	}
	fmt.Printf("code sent via %s\n", challenge.OTPChannel())

	for {
		line, err := f.prompt("enter code (or 'resend'): ")
		if err != nil {
			return "", err
		}
		if line == "resend" {
			if remaining := exec.CooldownRemaining(); remaining > 0 {
				fmt.Printf("resend available in %s\n", remaining.Round(time.Second))
				continue
			}
			if err := exec.Resend(ctx); err != nil {
				return "", err
			}
			fmt.Println("code re-sent")
			continue
		}
		exec.Input().Paste(line)
		if !exec.Input().Complete() {
			fmt.Printf("code must be %d digits\n", exec.Input().Len())
			continue
		}
		resp, err := exec.Submit(ctx)
		if err != nil {
			if model.IsRecoverable(err) {
				fmt.Printf("%s — try again\n", model.CodeOf(err))
				continue
			}
			return "", err
		}
		return f.router.Next(resp), nil
	}
}

func (f *flowRunner) runBiometric(ctx context.Context) (router.Route, error) {
	exec := biometric.NewExecutor(f.client, f.store, f.camera, f.cfg.Capture.ContentType,
		biometric.WithLogger(f.logger),
		biometric.WithMetrics(f.metrics),
		biometric.WithRequirements(f.cfg.Capture.Requirements),
	)
	defer exec.Teardown()

	if err := exec.Start(ctx); err != nil {
		return "", err
	}
	for {
		req, ok := exec.Current()
		if !ok {
			break
		}
		fmt.Printf("capturing %s\n", req)
		if err := exec.Capture(ctx); err != nil {
			return "", err
		}
	}

	resp, err := exec.Submit(ctx)
	if err != nil {
		return "", err
	}
	fmt.Printf("verified (similarity %.2f)\n", resp.Similarity)
	return f.router.Next(flowapi.VerifyResponse{
		NextStep:  resp.NextStep,
		Completed: resp.Completed,
		Status:    resp.Status,
	}), nil
}

func (f *flowRunner) runLiveness(ctx context.Context) (router.Route, error) {
	exec := liveness.NewExecutor(f.client, f.store, f.camera,
		liveness.WithLogger(f.logger),
		liveness.WithMetrics(f.metrics),
		liveness.WithSequence(f.cfg.Liveness.Sequence),
		liveness.WithInstructionCallback(func(in model.LivenessInstruction) {
			fmt.Printf("  %s (%s)\n", in.Action, in.Duration)
		}),
	)
	if err := exec.Run(ctx); err != nil {
		return "", err
	}
	fmt.Println("liveness sequence completed")
	return f.router.Next(flowapi.VerifyResponse{}), nil
}

func (f *flowRunner) runTemplate(ctx context.Context) (router.Route, error) {
	exec := template.NewExecutor(f.client, f.store,
		template.WithLogger(f.logger),
		template.WithMetrics(f.metrics),
		template.WithSurfaceOptions(
			render.WithScaleBounds(f.cfg.Render.MinScale, f.cfg.Render.MaxScale),
			render.WithResizeDebounce(f.cfg.Render.ResizeDebounce),
		),
	)
	defer exec.Teardown()

	if err := exec.Download(ctx); err != nil {
		return "", err
	}
	fmt.Printf("document: %d page(s)\n", exec.Surface().PageCount())

	for _, field := range exec.Fields() {
		if !field.Editable {
			continue
		}
		if field.IsSignature() {
			value, err := scribble(f.cfg.Signature)
			if err != nil {
				return "", err
			}
			if err := exec.SetSignature(field.FieldCode, value); err != nil {
				return "", err
			}
			fmt.Printf("signed %s\n", fieldLabel(field))
			continue
		}
		for {
			line, err := f.prompt(fieldLabel(field) + ": ")
			if err != nil {
				return "", err
			}
			if err := exec.SetValue(field.FieldCode, line); err != nil {
				fmt.Println(err)
				continue
			}
			break
		}
	}

	resp, err := exec.Submit(ctx)
	if err != nil {
		return "", err
	}
	return f.router.Next(resp), nil
}

// scribble draws a fixed zig-zag on the pad, standing in for a pointer.
func scribble(cfg config.SignatureConfig) (string, error) {
	pad := signature.NewPad(signature.Config{
		Width:            cfg.Width,
		Height:           cfg.Height,
		DevicePixelRatio: cfg.DevicePixelRatio,
		LineWidth:        cfg.LineWidth,
	})
	w, h := float64(cfg.Width), float64(cfg.Height)
	pad.Begin(w*0.1, h*0.7)
	pad.Extend(w*0.3, h*0.3)
	pad.Extend(w*0.5, h*0.7)
	pad.Extend(w*0.7, h*0.3)
	pad.Extend(w*0.9, h*0.6)
	pad.End()
	return pad.Value()
}

func fieldLabel(f model.TemplateField) string {
	if f.FieldName != "" {
		return f.FieldName
	}
	if f.FieldCode != "" {
		return f.FieldCode
	}
	return string(f.FieldType)
}

func (f *flowRunner) prompt(label string) (string, error) {
	fmt.Print(label)
	line, err := f.stdin.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

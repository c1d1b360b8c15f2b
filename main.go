package main

import (
	"context"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/amazonlinux/bottlerocket/duagent/pkg/agent"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/commchannel"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/config"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/extension"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/handler"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/handler/steps"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/handler/updog"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/host"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/logging"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/sigcontext"
	"github.com/amazonlinux/bottlerocket/duagent/pkg/workflow"
	"github.com/heptiolabs/healthcheck"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "duagent",
		Usage: "carry out device updates sent over MQTT",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: config.DefaultPath,
				Usage: "path of the agent configuration file",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log at debug level",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Value: ":9110",
				Usage: "address serving metrics and health checks, empty to disable",
			},
			&cli.BoolFlag{
				Name:  "skip-reboot",
				Usage: "log reboot requests instead of rebooting",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logging.New("main").WithError(err).Fatal("agent stopped")
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	logging.Set(logging.Level(cfg.Agent.LogLevel))
	if c.Bool("debug") {
		logging.Set(logging.Level("debug"))
	}
	if c.Bool("skip-reboot") {
		cfg.Host.SkipReboot = true
	}

	log := logging.New("main")

	// "debuggable" builds at runtime produce extensive logging output compared
	// to release builds with the debug flag enabled. This requires building and
	// using a distinct build in the deployment in order to use.
	if logging.Debuggable {
		log.Info("low-level logging.Debuggable is enabled in this build")
		log.Warn("logging.Debuggable produces large volumes of logs")
		delay := 3 * time.Second
		log.WithField("delay", delay).Warn("delaying start due to logging.Debuggable build")
		time.Sleep(delay)
		log.Info("starting logging.Debuggable enabled build")
	}

	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newAgent(ctx, cfg)
	if err != nil {
		return errors.WithMessage(err, "initialization error")
	}
	if addr := c.String("metrics-addr"); addr != "" {
		go serve(log, addr, a)
	}
	return errors.WithMessage(a.Run(ctx), "run error")
}

func newAgent(ctx context.Context, cfg *config.Config) (*agent.Agent, error) {
	downloader := extension.NewHTTPDownloader(logging.New("downloader"), &http.Client{})
	gateway, err := extension.NewManager(logging.New("extension"), downloader)
	if err != nil {
		return nil, errors.WithMessage(err, "could not setup download gateway")
	}
	gateway.SetDefaultTimeout(cfg.Agent.DownloadTimeout())

	registry := handler.NewRegistry()
	registry.Register(steps.UpdateType, steps.New(logging.New("steps"), registry, gateway))
	registry.Register(updog.UpdateType, updog.New(logging.New("updog"), updog.Options{
		Bin:       cfg.Updog.Bin,
		RootFS:    cfg.Host.RootFS,
		OSRelease: cfg.Updog.OSRelease,
	}))

	h := host.New(logging.New("host"), host.Options{
		RootFS:     cfg.Host.RootFS,
		AgentUnit:  cfg.Host.AgentUnit,
		SkipReboot: cfg.Host.SkipReboot,
	})
	if _, err := h.EnsureRestartPolicy(ctx); err != nil {
		logging.New("main").WithError(err).Warn("unable to ensure agent restart policy")
	}

	opts := agent.Options{
		Channel:  commchannel.New(logging.New("commchannel")),
		Registry: registry,
		Gateway:  gateway,
		Host:     h,
	}
	if cfg.Agent.RootKeysFile != "" {
		verifier, err := workflow.LoadJWSVerifier(cfg.Agent.RootKeysFile)
		if err != nil {
			return nil, errors.WithMessage(err, "could not load manifest root keys")
		}
		opts.Verifier = verifier
	} else {
		logging.New("main").Warn("no root keys configured, update manifests are not verified")
	}
	return agent.New(logging.New("agent"), cfg, opts)
}

func serve(log logging.Logger, addr string, a *agent.Agent) {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(1000))
	health.AddReadinessCheck("update-service", a.Ready)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics server stopped")
	}
}

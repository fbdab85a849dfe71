package supervisor

import (
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ridekit/testexec/internal/command"
	"github.com/ridekit/testexec/internal/config"
	"github.com/ridekit/testexec/internal/logging"
	"github.com/ridekit/testexec/internal/metrics"
	"github.com/ridekit/testexec/internal/process"
)

const (
	defaultConnectTimeout     = 30 * time.Second
	defaultStopGracePeriod    = 3 * time.Second
	defaultForcedExitWait     = 5 * time.Second
	defaultOutputPollInterval = 100 * time.Millisecond
	defaultDrainWindow        = 500 * time.Millisecond
	defaultRemoveAttempts     = 5
	defaultRemoveInterval     = 200 * time.Millisecond
)

// Options configures a Supervisor. Zero durations take the defaults.
type Options struct {
	Logger   *log.Logger
	Composer *command.Composer
	Launcher *process.Launcher
	Metrics  *metrics.Metrics

	ConnectTimeout     time.Duration
	StopGracePeriod    time.Duration
	ForcedExitWait     time.Duration
	ControlTimeout     time.Duration
	OutputPollInterval time.Duration
	DrainWindow        time.Duration

	UseArgumentFile bool
	CaptureOutput   bool
	// TempDir holds argument and capture files. Empty means os.TempDir().
	TempDir string

	RemoveAttempts uint
	RemoveInterval time.Duration
}

// OptionsFromConfig maps loaded settings onto supervisor options.
func OptionsFromConfig(cfg config.Config, logger *log.Logger) Options {
	return Options{
		Logger: logger,
		Composer: &command.Composer{
			Runner:    append([]string(nil), cfg.Runner...),
			AgentPath: cfg.AgentPath,
		},
		Launcher:           process.New(process.Options{Logger: logger}),
		ConnectTimeout:     cfg.ConnectTimeout,
		StopGracePeriod:    cfg.StopGracePeriod,
		ForcedExitWait:     cfg.ForcedExitWait,
		ControlTimeout:     cfg.ControlTimeout,
		OutputPollInterval: cfg.OutputPollInterval,
		DrainWindow:        cfg.DrainWindow,
		UseArgumentFile:    cfg.UseArgumentFile,
		CaptureOutput:      cfg.CaptureOutput,
	}
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Composer == nil {
		o.Composer = &command.Composer{}
	}
	if o.Launcher == nil {
		o.Launcher = process.New(process.Options{Logger: o.Logger})
	}
	o.ConnectTimeout = orDefault(o.ConnectTimeout, defaultConnectTimeout)
	o.StopGracePeriod = orDefault(o.StopGracePeriod, defaultStopGracePeriod)
	o.ForcedExitWait = orDefault(o.ForcedExitWait, defaultForcedExitWait)
	o.OutputPollInterval = orDefault(o.OutputPollInterval, defaultOutputPollInterval)
	o.DrainWindow = orDefault(o.DrainWindow, defaultDrainWindow)
	o.RemoveInterval = orDefault(o.RemoveInterval, defaultRemoveInterval)
	if o.RemoveAttempts == 0 {
		o.RemoveAttempts = defaultRemoveAttempts
	}
	if o.TempDir == "" {
		o.TempDir = os.TempDir()
	}
	return o
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

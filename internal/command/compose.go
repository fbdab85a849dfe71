// Package command builds the runner command line and argument file for one run.
package command

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/ridekit/testexec/internal/testrun"
)

type option struct {
	short string
	long  string
}

var (
	optConsoleColors = option{short: "-C", long: "--consolecolors"}
	optConsoleWidth  = option{short: "-W", long: "--consolewidth"}
	optPythonPath    = option{short: "-P", long: "--pythonpath"}
	optOutputDir     = option{short: "-d", long: "--outputdir"}
	optLogLevel      = option{short: "-L", long: "--loglevel"}
	optInclude       = option{short: "-i", long: "--include"}
	optExclude       = option{short: "-e", long: "--exclude"}
)

const (
	flagArgumentFile = "-A"
	flagSuite        = "--suite"
	flagTest         = "--test"
	flagListener     = "--listener"
)

// Composer turns a RunConfig into the runner invocation for one host.
type Composer struct {
	// Runner overrides the host default entry point, e.g. ["python", "-m", "robot"].
	Runner []string
	// AgentPath points at the runner-side listener agent module.
	AgentPath string
	// GOOS selects host conventions. Empty means the current host.
	GOOS string
	// LookPath resolves runner candidates. Nil means exec.LookPath.
	LookPath func(string) (string, error)
}

// Request carries the per-run inputs that are not part of the RunConfig.
type Request struct {
	Config       testrun.RunConfig
	ListenerPort int
	// ArgFilePath moves options and test selections into an argument file at this path.
	ArgFilePath string
}

// Command is the composed invocation.
type Command struct {
	Argv        []string
	ArgFile     string
	ArgFilePath string
	goos        string
}

// Compose builds argv and, when requested, the argument file contents.
func (c *Composer) Compose(req Request) (Command, error) {
	if c == nil {
		return Command{}, errors.New("composer is nil")
	}
	cfg := req.Config
	goos := c.goos()

	if len(cfg.Tests) == 0 {
		return Command{}, testrun.Errorf(testrun.KindConfig, "compose", "no tests selected")
	}
	for _, id := range cfg.Tests {
		if err := id.Validate(); err != nil {
			return Command{}, testrun.Wrap(testrun.KindConfig, "compose", err)
		}
	}
	if _, err := testrun.ParseLogLevel(string(cfg.LogLevel)); err != nil {
		return Command{}, testrun.Wrap(testrun.KindConfig, "compose", err)
	}
	if strings.TrimSpace(cfg.Source) == "" {
		return Command{}, testrun.Errorf(testrun.KindConfig, "compose", "suite source is required")
	}
	agent := strings.TrimSpace(c.AgentPath)
	if agent == "" {
		return Command{}, testrun.Errorf(testrun.KindConfig, "compose", "listener agent path is not configured")
	}
	if req.ListenerPort <= 0 || req.ListenerPort > 65535 {
		return Command{}, testrun.Errorf(testrun.KindConfig, "compose", "invalid listener port %d", req.ListenerPort)
	}

	prefix := ResolveRunner(c.Runner, goos, c.LookPath)
	if len(prefix) == 0 {
		return Command{}, testrun.Errorf(testrun.KindConfig, "compose", "no runner executable for host %s", goos)
	}

	body := composeOptions(cfg, goos)
	for _, id := range cfg.Tests {
		body = append(body, flagSuite, id.Suite, flagTest, id.Name)
	}
	body = append(body, cfg.Args...)

	listener := fmt.Sprintf("%s:%d:%s", agent, req.ListenerPort, pythonBool(cfg.PauseOnFailure))

	argv := append([]string{}, prefix...)
	out := Command{goos: goos}
	if path := strings.TrimSpace(req.ArgFilePath); path != "" {
		argv = append(argv, flagArgumentFile, path)
		out.ArgFile = argFileText(body)
		out.ArgFilePath = path
	} else {
		argv = append(argv, body...)
	}
	argv = append(argv, flagListener, listener, cfg.Source)
	out.Argv = argv
	return out, nil
}

func composeOptions(cfg testrun.RunConfig, goos string) []string {
	var out []string
	callerArgs := cfg.Args

	if !optConsoleColors.presentIn(callerArgs) {
		colors := "off"
		if cfg.RenderANSI {
			colors = "on"
		}
		out = append(out, optConsoleColors.short, colors)
	}
	if cfg.ConsoleWidth > 0 && !optConsoleWidth.presentIn(callerArgs) {
		out = append(out, optConsoleWidth.short, strconv.Itoa(cfg.ConsoleWidth))
	}
	if len(cfg.PythonPath) > 0 && !optPythonPath.presentIn(callerArgs) {
		out = append(out, optPythonPath.short, strings.Join(cfg.PythonPath, pathListSeparator(goos)))
	}
	if cfg.OutputDir != "" && !optOutputDir.presentIn(callerArgs) {
		out = append(out, optOutputDir.short, cfg.OutputDir)
	}
	if cfg.LogLevel != "" && !optLogLevel.presentIn(callerArgs) {
		out = append(out, optLogLevel.short, string(cfg.LogLevel))
	}
	if !optInclude.presentIn(callerArgs) {
		for _, tag := range cfg.Include {
			out = append(out, optInclude.short, tag)
		}
	}
	if !optExclude.presentIn(callerArgs) {
		for _, tag := range cfg.Exclude {
			out = append(out, optExclude.short, tag)
		}
	}
	return out
}

// presentIn reports whether the caller already set the option in either spelling.
func (o option) presentIn(args []string) bool {
	for _, arg := range args {
		if arg == o.short || strings.EqualFold(arg, o.long) {
			return true
		}
		if strings.HasPrefix(strings.ToLower(arg), o.long+"=") {
			return true
		}
	}
	return false
}

func pathListSeparator(goos string) string {
	if goos == "windows" {
		return ";"
	}
	return ":"
}

func pythonBool(value bool) string {
	if value {
		return "True"
	}
	return "False"
}

func argFileText(elements []string) string {
	if len(elements) == 0 {
		return ""
	}
	return strings.Join(elements, "\n") + "\n"
}

func (c *Composer) goos() string {
	if strings.TrimSpace(c.GOOS) != "" {
		return c.GOOS
	}
	return runtime.GOOS
}

// String renders the command line for display, quoting elements that need it.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Argv))
	for _, arg := range c.Argv {
		parts = append(parts, Quote(arg))
	}
	return strings.Join(parts, " ")
}

// Quote wraps an element in double quotes when it holds a space, single quote or ampersand,
// and in single quotes when it holds a double quote.
func Quote(arg string) string {
	if strings.Contains(arg, `"`) {
		return "'" + arg + "'"
	}
	if strings.ContainsAny(arg, " '&") {
		return `"` + arg + `"`
	}
	return arg
}

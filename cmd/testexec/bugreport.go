package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/ridekit/testexec/internal/command"
	"github.com/ridekit/testexec/internal/config"
)

const (
	bugreportLogLimit = 3
	homeDirName       = ".testexec"
	lastOutputName    = "last-output.txt"
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportRunCmdFn  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
)

func newBugreportCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Bundle logs, settings and the last run's output for debugging",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			var runner []string
			if cfg != nil {
				runner = cfg.Runner
			}
			return runBugReport(cmd.Context(), cmd.OutOrStdout(), runner)
		},
	}
}

// bugreportEntry is one file staged into the archive.
type bugreportEntry struct {
	name string
	data []byte
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	RunID     string
	TraceID   string
	Entries   []string
	Warnings  []string
}

func runBugReport(ctx context.Context, out io.Writer, runner []string) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}

	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
	}
	entries := collectBugreport(ctx, filepath.Join(homeDir, homeDirName), runner, &summary)
	entries = append([]bugreportEntry{{name: "README.txt", data: bugreportREADME(summary, entries)}}, entries...)

	bundlePath := filepath.Join(filepath.Clean(cwd),
		fmt.Sprintf(".testexec-bugreport-%s.tar.gz", bugreportNowFn().Format("20060102-150405")))
	if err := writeBugreportArchive(bundlePath, entries); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

func collectBugreport(ctx context.Context, stateDir string, runner []string, summary *bugreportSummary) []bugreportEntry {
	entries := make([]bugreportEntry, 0, bugreportLogLimit+4)
	warn := func(format string, args ...any) {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf(format, args...))
	}

	logs, err := newestFiles(filepath.Join(stateDir, "logs"), bugreportLogLimit)
	if err != nil {
		warn("unable to read logs directory: %v", err)
	}
	logPaths := make([]string, 0, len(logs))
	for _, path := range logs {
		// #nosec G304 -- path comes from the ~/.testexec/logs listing.
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			warn("unable to read log %s: %v", path, readErr)
			continue
		}
		logPaths = append(logPaths, path)
		entries = append(entries, bugreportEntry{name: "logs/" + filepath.Base(path), data: data})
	}

	summary.RunID, summary.TraceID = lastCorrelation(logPaths)
	if summary.RunID == "" && summary.TraceID == "" {
		warn("no run_id/trace_id found in copied logs")
	}

	// #nosec G304 -- fixed file under ~/.testexec.
	configData, err := os.ReadFile(filepath.Join(stateDir, "config.toml"))
	if err != nil {
		warn("unable to read config: %v", err)
		configData = []byte("# config unavailable\n")
	}
	entries = append(entries, bugreportEntry{name: "config.toml", data: []byte(redactSensitiveConfig(string(configData)))})

	// #nosec G304 -- fixed file under ~/.testexec.
	lastOutput, err := os.ReadFile(filepath.Join(stateDir, lastOutputName))
	if err != nil {
		warn("no saved runner output found")
		lastOutput = []byte("No saved runner output found.\n")
	}
	entries = append(entries, bugreportEntry{name: lastOutputName, data: lastOutput})

	entries = append(entries, bugreportEntry{name: "environment.txt", data: describeEnvironment(ctx, runner)})
	return entries
}

// lastCorrelation returns the newest run_id/trace_id pair found in JSON log records.
func lastCorrelation(logPaths []string) (string, string) {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths come from the ~/.testexec/logs listing.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			var record struct {
				RunID   string `json:"run_id"`
				TraceID string `json:"trace_id"`
			}
			if err := json.Unmarshal([]byte(strings.TrimSpace(lines[i])), &record); err != nil {
				continue
			}
			if record.RunID != "" || record.TraceID != "" {
				return strings.TrimSpace(record.RunID), strings.TrimSpace(record.TraceID)
			}
		}
	}
	return "", ""
}

func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, found := strings.Cut(line, "=")
		if !found || !isSensitiveToken(strings.ToLower(strings.TrimSpace(key))) {
			continue
		}
		lines[i] = key + `= "***REDACTED***"`
	}
	return strings.Join(lines, "\n")
}

// describeEnvironment records the host and the runner the supervisor would launch.
func describeEnvironment(ctx context.Context, runner []string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "testexec version: %s\n", strings.TrimSpace(Version))
	fmt.Fprintf(&b, "host: %s/%s (%s)\n", runtime.GOOS, runtime.GOARCH, runtime.Version())

	prefix := command.ResolveRunner(runner, runtime.GOOS, exec.LookPath)
	if len(prefix) == 0 {
		b.WriteString("runner: unresolved\n")
		return b.Bytes()
	}
	fmt.Fprintf(&b, "runner: %s\n", strings.Join(prefix, " "))

	args := append(append([]string(nil), prefix[1:]...), "--version")
	output, err := bugreportRunCmdFn(ctx, prefix[0], args...)
	b.WriteString("\n[RUNNER VERSION]\n")
	b.WriteString(strings.TrimSpace(string(output)))
	b.WriteString("\n")
	if err != nil {
		// robot --version exits 251 by convention, so the output is kept either way.
		fmt.Fprintf(&b, "exit: %v\n", err)
	}
	return b.Bytes()
}

func bugreportREADME(summary bugreportSummary, entries []bugreportEntry) []byte {
	var b strings.Builder
	b.WriteString("testexec bug report\n")
	b.WriteString("===================\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", summary.Timestamp)
	fmt.Fprintf(&b, "Version: %s\n", summary.Version)
	fmt.Fprintf(&b, "run_id: %s\n", summary.RunID)
	fmt.Fprintf(&b, "trace_id: %s\n\n", summary.TraceID)
	b.WriteString("Included files:\n")
	for _, entry := range entries {
		fmt.Fprintf(&b, "- %s\n", entry.name)
	}
	if len(summary.Warnings) > 0 {
		b.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			b.WriteString("- " + warning + "\n")
		}
	}
	return []byte(b.String())
}

func writeBugreportArchive(destination string, entries []bugreportEntry) (err error) {
	// #nosec G304 -- destination is a generated name in the working directory.
	file, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	defer func() {
		if closeErr := file.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close archive: %w", closeErr)
		}
	}()

	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)
	modTime := bugreportNowFn()
	for _, entry := range entries {
		header := &tar.Header{
			Name:    entry.name,
			Mode:    0o600,
			Size:    int64(len(entry.data)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", entry.name, err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			return fmt.Errorf("write %s into archive: %w", entry.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finish tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finish gzip stream: %w", err)
	}
	return nil
}

// newestFiles lists regular files in dir, newest first, capped at limit.
func newestFiles(dir string, limit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type datedFile struct {
		path    string
		modTime time.Time
	}
	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}

	paths := make([]string, len(files))
	for i, file := range files {
		paths[i] = file.path
	}
	return paths, nil
}

// saveLastOutput keeps a run's output where bugreport can find it.
func saveLastOutput(output []byte) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(homeDir, homeDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, lastOutputName), output, 0o600); err != nil {
		return fmt.Errorf("save last output: %w", err)
	}
	return nil
}

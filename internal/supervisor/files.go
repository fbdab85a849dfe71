package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	argFilePattern     = "testexec-args-*.txt"
	captureFilePattern = "testexec-output-*.log"
)

// createTempFile reserves an unguessable file name in dir and returns its open handle.
func createTempFile(dir, pattern string) (*os.File, error) {
	file, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	return file, nil
}

// writeArgFile stores the argument file contents and closes the handle.
func writeArgFile(file *os.File, contents string) error {
	if _, err := file.WriteString(contents); err != nil {
		_ = file.Close()
		return fmt.Errorf("write argument file %s: %w", file.Name(), err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close argument file %s: %w", file.Name(), err)
	}
	return nil
}

// removeWithRetry deletes path, retrying while another handle still holds it.
// A missing file counts as removed.
func removeWithRetry(path string, attempts uint, interval time.Duration) error {
	if path == "" {
		return nil
	}
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		err := os.Remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(attempts),
	)
	if err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

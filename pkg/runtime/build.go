package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// ErrBuildFailed is returned by EnsureImage when the image could not be
// built.
var ErrBuildFailed = errors.New("image build failed")

// BuildResult is the outcome of scanning a JSON build stream.
type BuildResult struct {
	// Lines holds the human readable progress lines.
	Lines []string
	// Err is set when the stream reported an error or was malformed.
	Err error
}

type buildMessage struct {
	Stream      string `json:"stream"`
	Status      string `json:"status"`
	Error       string `json:"error"`
	ErrorDetail *struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// ParseBuildOutput scans a stream of JSON build records. Any record with an
// error or errorDetail field, or any line that is not valid JSON, fails the
// build.
func ParseBuildOutput(r io.Reader) BuildResult {
	var result BuildResult
	dec := json.NewDecoder(r)
	for {
		var msg buildMessage
		err := dec.Decode(&msg)
		if errors.Is(err, io.EOF) {
			return result
		}
		if err != nil {
			result.Err = fmt.Errorf("failed to parse build output: %w", err)
			return result
		}

		if msg.ErrorDetail != nil {
			result.Err = fmt.Errorf("build error: %s", msg.ErrorDetail.Message)
			return result
		}
		if msg.Error != "" {
			result.Err = fmt.Errorf("build error: %s", msg.Error)
			return result
		}

		line := strings.TrimRight(msg.Stream, "\n")
		if line == "" {
			line = msg.Status
		}
		if line != "" {
			result.Lines = append(result.Lines, line)
		}
	}
}

// EnsureImage makes image available on the engine. When it is missing the
// build context is fetched from contextURLs into a scratch directory and
// built; the scratch directory is always removed.
func EnsureImage(ctx context.Context, c Client, image string, contextURLs []string, logger *telemetry.Logger) error {
	if logger == nil {
		logger = telemetry.Nop()
	}

	exists, err := c.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if exists {
		logger.Debugf("image %s already present", image)
		return nil
	}

	if len(contextURLs) == 0 {
		return fmt.Errorf("%w: image %s is missing and has no build context", ErrBuildFailed, image)
	}

	dir, err := os.MkdirTemp("", "gluu-build-")
	if err != nil {
		return fmt.Errorf("failed to create build directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.WithError(err).Warnf("failed to remove build directory %s", dir)
		}
	}()

	logger.Infof("building image %s", image)
	if err := FetchBuildContext(ctx, http.DefaultClient, contextURLs, dir); err != nil {
		return err
	}

	ok, err := c.BuildImage(ctx, dir, image)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBuildFailed, image)
	}
	return nil
}

// FetchBuildContext downloads each URL into dir, named after the last path
// element of the URL.
func FetchBuildContext(ctx context.Context, hc *http.Client, urls []string, dir string) error {
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid build context url %q: %w", raw, err)
		}
		name := path.Base(u.Path)
		if name == "." || name == "/" || name == "" {
			return fmt.Errorf("build context url %q has no file name", raw)
		}

		if err := download(ctx, hc, raw, filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func download(ctx context.Context, hc *http.Client, src, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", src, err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch %s: %w", src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch %s: unexpected status %s", src, resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	w := bufio.NewWriter(f)
	if _, err := io.Copy(w, resp.Body); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}

	return f.Close()
}

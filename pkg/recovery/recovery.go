// Package recovery keeps off-host copies of the record store. After every
// setup or teardown the engine hot-copies the database and uploads it over
// SFTP to each configured target, so a lost manager can be rebuilt from
// the last known cluster state.
package recovery

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gluufederation/gluu-engine/pkg/stores"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
	"github.com/gluufederation/gluu-engine/pkg/transports/ssh"
)

// DefaultFileName is used when a target path names a directory.
const DefaultFileName = "gluu-engine.db"

// Config holds the distribution settings.
type Config struct {
	// Targets are sftp://user@host[:port]/path URLs. A path ending in "/"
	// receives DefaultFileName.
	Targets []string

	// PrivateKeyPath authenticates against every target.
	PrivateKeyPath string

	// KnownHostsPath enables host key checking when set.
	KnownHostsPath string

	// Compress gzips the snapshot before upload.
	Compress bool

	// Timeout bounds one upload. Zero means no limit beyond the caller's.
	Timeout time.Duration
}

// Target is a parsed upload destination.
type Target struct {
	User string
	Host string
	Port int
	Path string
}

func (t Target) String() string {
	return fmt.Sprintf("sftp://%s@%s:%d%s", t.User, t.Host, t.Port, t.Path)
}

// ParseTarget parses an sftp URL.
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("invalid target %q: %w", raw, err)
	}
	if u.Scheme != "sftp" {
		return Target{}, fmt.Errorf("invalid target %q: scheme must be sftp", raw)
	}
	if u.Hostname() == "" {
		return Target{}, fmt.Errorf("invalid target %q: host is required", raw)
	}
	if u.Path == "" || u.Path == "/" {
		return Target{}, fmt.Errorf("invalid target %q: path is required", raw)
	}

	t := Target{User: u.User.Username(), Host: u.Hostname(), Port: 22, Path: u.Path}
	if t.User == "" {
		t.User = "root"
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Target{}, fmt.Errorf("invalid target %q: bad port", raw)
		}
		t.Port = port
	}
	return t, nil
}

// Distributor uploads store snapshots to the configured targets.
type Distributor struct {
	store   stores.Store
	targets []Target
	cfg     Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	// One distribution at a time; snapshots of concurrent tasks would race
	// on the same remote files.
	mu sync.Mutex

	dial func(cfg *ssh.Config) (ssh.Transport, error)
}

// NewDistributor validates cfg and returns a Distributor. Metrics may be nil.
func NewDistributor(store stores.Store, cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics) (*Distributor, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = telemetry.Nop()
	}

	d := &Distributor{
		store:   store,
		cfg:     cfg,
		logger:  logger.NewComponentLogger("recovery"),
		metrics: metrics,
		dial: func(c *ssh.Config) (ssh.Transport, error) {
			return ssh.NewSSHClient(c)
		},
	}
	for _, raw := range cfg.Targets {
		t, err := ParseTarget(raw)
		if err != nil {
			return nil, err
		}
		d.targets = append(d.targets, t)
	}
	return d, nil
}

// Targets returns the parsed targets.
func (d *Distributor) Targets() []Target {
	return d.targets
}

// Distribute snapshots the store and uploads it to every target. Target
// failures are logged; an error is returned when the snapshot fails or no
// target received it.
func (d *Distributor) Distribute(ctx context.Context) error {
	if len(d.targets) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	dir, err := os.MkdirTemp("", "gluu-recovery-")
	if err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	defer os.RemoveAll(dir)

	snapshot := filepath.Join(dir, DefaultFileName)
	if err := d.store.Snapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to snapshot store: %w", err)
	}
	if d.cfg.Compress {
		if snapshot, err = gzipFile(snapshot); err != nil {
			return err
		}
	}

	var errs []error
	for _, target := range d.targets {
		err := d.upload(ctx, target, snapshot)
		d.metrics.RecordDistribution(err == nil)
		if err != nil {
			d.logger.WithError(err).WithField("target", target.String()).Warn("recovery upload failed")
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			continue
		}
		d.logger.WithField("target", target.String()).Debug("recovery snapshot uploaded")
	}

	if len(errs) == len(d.targets) {
		return fmt.Errorf("recovery distribution failed on every target: %w", errors.Join(errs...))
	}
	return nil
}

func (d *Distributor) upload(ctx context.Context, target Target, local string) error {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	cfg := ssh.DefaultConfig(target.Host, target.User)
	cfg.Port = target.Port
	cfg.PrivateKeyPath = d.cfg.PrivateKeyPath
	cfg.KnownHostsPath = d.cfg.KnownHostsPath
	cfg.StrictHostKeyChecking = d.cfg.KnownHostsPath != ""

	transport, err := d.dial(cfg)
	if err != nil {
		return err
	}
	if err := transport.Connect(ctx); err != nil {
		return err
	}
	defer func() { _ = transport.Disconnect() }()

	return transport.UploadFile(ctx, local, RemotePath(target, filepath.Base(local)), 0o600)
}

// RemotePath returns where a snapshot named name lands on target.
func RemotePath(target Target, name string) string {
	if target.Path[len(target.Path)-1] == '/' {
		return path.Join(target.Path, name)
	}
	return target.Path
}

func gzipFile(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer in.Close()

	dest := src + ".gz"
	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create compressed snapshot: %w", err)
	}
	defer out.Close()

	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		return "", fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("failed to compress snapshot: %w", err)
	}
	return dest, nil
}

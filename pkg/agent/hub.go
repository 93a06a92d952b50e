package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluufederation/gluu-engine/pkg/agent/client"
	"github.com/gluufederation/gluu-engine/pkg/agent/protocol"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/stores"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// ErrNotRegistered is returned for commands addressed to an agent whose key
// has not been accepted.
var ErrNotRegistered = errors.New("agent is not registered")

// Dialer opens a transport to the container an agent runs in.
type Dialer interface {
	Dial(ctx context.Context, agentID string) (client.Transport, error)
}

// Config controls how agent sessions are started.
type Config struct {
	// LocalPath is the agent binary pushed into containers. Empty means the
	// image already ships it at RemotePath.
	LocalPath      string        `yaml:"binary_path"`
	RemotePath     string        `yaml:"remote_path"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"min=0"`
}

// Command is a shell command line to run inside a workload.
type Command struct {
	Run     string
	WorkDir string
	Env     map[string]string
	// Timeout overrides the hub's default command timeout.
	Timeout time.Duration
}

// Result is the outcome of a command that the agent carried out.
type Result struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// OK reports whether the command exited with status zero.
func (r *Result) OK() bool {
	return r != nil && r.ExitCode == 0
}

// Hub is the engine's remote execution client. It keeps one agent session
// per registered workload and tracks accepted agent keys in the record
// store.
type Hub struct {
	store   stores.Store
	dialer  Dialer
	cfg     Config
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	sessions map[string]*client.Client
	jobs     map[string]*job
}

// NewHub creates a hub.
func NewHub(store stores.Store, dialer Dialer, cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics) *Hub {
	if logger == nil {
		logger = telemetry.Nop()
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 10 * time.Minute
	}

	return &Hub{
		store:    store,
		dialer:   dialer,
		cfg:      cfg,
		logger:   logger.NewComponentLogger("agent"),
		metrics:  metrics,
		sessions: make(map[string]*client.Client),
		jobs:     make(map[string]*job),
	}
}

// RegisterAgent starts a session with the agent in container id and accepts
// its key. Registering an agent twice is a no-op.
func (h *Hub) RegisterAgent(ctx context.Context, id string) error {
	if s := h.liveSession(id); s != nil {
		if _, err := h.store.Get(ctx, stores.TableAgents, id); err == nil {
			return nil
		}
	}

	s, err := h.open(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to register agent %s: %w", id, err)
	}

	key := &model.AgentKey{ID: id, AcceptedAt: time.Now().UTC()}
	if ready := s.Ready(); ready != nil {
		key.Version = ready.Version
		key.Platform = ready.Platform + "/" + ready.Arch
	}

	_, err = h.store.Get(ctx, stores.TableAgents, id)
	switch {
	case errors.Is(err, stores.ErrNotFound):
		err = h.store.Persist(ctx, stores.TableAgents, key)
	case err == nil:
		err = h.store.Update(ctx, stores.TableAgents, id, key)
	}
	if err != nil {
		return fmt.Errorf("failed to accept key of agent %s: %w", id, err)
	}

	h.logger.Infof("agent %s registered", id)
	return nil
}

// UnregisterAgent closes the session and deletes the accepted key. An
// unknown agent is not an error.
func (h *Hub) UnregisterAgent(ctx context.Context, id string) error {
	h.mu.Lock()
	s := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()

	if s != nil {
		if err := s.Close(ctx); err != nil {
			h.logger.WithError(err).Debugf("closing session of agent %s", id)
		}
	}

	n, err := h.store.DeleteWhere(ctx, stores.TableAgents, stores.Where("id", id))
	if err != nil {
		return fmt.Errorf("failed to delete key of agent %s: %w", id, err)
	}
	if n > 0 {
		h.logger.Infof("agent %s unregistered", id)
	}
	return nil
}

// IsRegistered reports whether the agent's key is accepted and a live
// session answers a ping.
func (h *Hub) IsRegistered(ctx context.Context, id string) (bool, error) {
	s, err := h.session(ctx, id)
	if errors.Is(err, ErrNotRegistered) {
		return false, nil
	}
	if err != nil {
		h.logger.WithError(err).Debugf("agent %s has no session", id)
		return false, nil
	}

	cmd, err := protocol.NewCommand(uuid.NewString(), protocol.CommandTypePing, 10*time.Second, nil)
	if err != nil {
		return false, err
	}
	if _, err := s.Execute(ctx, cmd, nil); err != nil {
		h.logger.WithError(err).Debugf("agent %s did not answer ping", id)
		h.drop(id, s)
		return false, nil
	}
	return true, nil
}

// Run executes cmd synchronously. A non-zero exit code is reported in the
// result, not as an error.
func (h *Hub) Run(ctx context.Context, id string, cmd Command) (*Result, error) {
	res, err := h.run(ctx, id, cmd)
	h.metrics.RecordAgentCommand("sync", err)
	return res, err
}

// RunBatch executes cmds in order. A failing command does not stop the
// ones after it; all failures are joined into the returned error.
func (h *Hub) RunBatch(ctx context.Context, id string, cmds []Command) ([]*Result, error) {
	results := make([]*Result, 0, len(cmds))
	var errs []error
	for _, cmd := range cmds {
		res, err := h.run(ctx, id, cmd)
		h.metrics.RecordAgentCommand("batch", err)
		if err != nil {
			errs = append(errs, err)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// CopyFile pushes a local file into the workload.
func (h *Hub) CopyFile(ctx context.Context, id, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}
	return h.WriteFile(ctx, id, remotePath, data, 0o644)
}

// WriteFile writes data to path inside the workload, creating parent
// directories.
func (h *Hub) WriteFile(ctx context.Context, id, path string, data []byte, mode os.FileMode) error {
	s, err := h.session(ctx, id)
	if err != nil {
		return err
	}

	params := protocol.FileWriteParams{
		Path:     path,
		Content:  base64.StdEncoding.EncodeToString(data),
		Encoding: protocol.EncodingBase64,
		Mode:     fmt.Sprintf("%04o", mode.Perm()),
		MkdirAll: true,
	}
	msg, err := protocol.NewCommand(uuid.NewString(), protocol.CommandTypeFileWrite, h.cfg.CommandTimeout, params)
	if err != nil {
		return err
	}

	_, err = s.Execute(ctx, msg, nil)
	h.metrics.RecordAgentCommand("file", err)
	if err != nil {
		h.dropIfClosed(id, s, err)
		return fmt.Errorf("failed to write %s on agent %s: %w", path, id, err)
	}
	return nil
}

// Close ends every open session. Accepted keys are kept.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*client.Client)
	h.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) run(ctx context.Context, id string, cmd Command) (*Result, error) {
	s, err := h.session(ctx, id)
	if err != nil {
		return nil, err
	}

	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = h.cfg.CommandTimeout
	}
	params := protocol.ExecParams{Command: cmd.Run, WorkDir: cmd.WorkDir, Env: cmd.Env}
	msg, err := protocol.NewCommand(uuid.NewString(), protocol.CommandTypeExec, timeout, params)
	if err != nil {
		return nil, err
	}

	h.logger.Debugf("agent %s: %s", id, cmd.Run)
	done, err := s.Execute(ctx, msg, nil)
	if err != nil {
		h.dropIfClosed(id, s, err)
		return nil, fmt.Errorf("command %q on agent %s failed: %w", cmd.Run, id, err)
	}

	var out protocol.ExecResult
	if err := protocol.ParseParams(done.Result, &out); err != nil {
		return nil, fmt.Errorf("invalid result from agent %s: %w", id, err)
	}

	return &Result{
		Command:  cmd.Run,
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Duration: time.Duration(out.Duration * float64(time.Second)),
	}, nil
}

// session returns the live session for id, reopening it when the key is
// accepted but the session was lost, e.g. after an engine restart.
func (h *Hub) session(ctx context.Context, id string) (*client.Client, error) {
	if _, err := h.store.Get(ctx, stores.TableAgents, id); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
		}
		return nil, err
	}

	if s := h.liveSession(id); s != nil {
		return s, nil
	}
	return h.open(ctx, id)
}

func (h *Hub) liveSession(id string) *client.Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[id]
	if !ok {
		return nil
	}
	if !s.Alive() {
		delete(h.sessions, id)
		return nil
	}
	return s
}

func (h *Hub) open(ctx context.Context, id string) (*client.Client, error) {
	transport, err := h.dialer.Dial(ctx, id)
	if err != nil {
		return nil, err
	}

	s, err := client.New(client.Config{
		Transport:      transport,
		LocalPath:      h.cfg.LocalPath,
		RemotePath:     h.cfg.RemotePath,
		StartupTimeout: h.cfg.StartupTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}

	h.mu.Lock()
	old := h.sessions[id]
	h.sessions[id] = s
	h.mu.Unlock()

	if old != nil && old != s {
		_ = old.Close(ctx)
	}
	return s, nil
}

func (h *Hub) drop(id string, s *client.Client) {
	h.mu.Lock()
	if h.sessions[id] == s {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	_ = s.Close(context.Background())
}

func (h *Hub) dropIfClosed(id string, s *client.Client, err error) {
	if errors.Is(err, client.ErrClosed) {
		h.drop(id, s)
	}
}

package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gluufederation/gluu-engine/pkg/agent/protocol"
)

// defaultMaxRead bounds file.read when the caller sets no limit.
const defaultMaxRead = 10 * 1024 * 1024

// FileWriteHandler handles file write operations.
type FileWriteHandler struct{}

// Handle writes content to a file, replacing it atomically.
func (h *FileWriteHandler) Handle(ctx context.Context, params *protocol.FileWriteParams, eventCh chan<- *protocol.EventMessage) (*protocol.FileWriteResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	content, err := decodeContent(params.Content, params.Encoding)
	if err != nil {
		return nil, err
	}

	mode := os.FileMode(0o644)
	if params.Mode != "" {
		m, err := strconv.ParseUint(params.Mode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode: %w", err)
		}
		mode = os.FileMode(m)
	}

	dir := filepath.Dir(params.Path)
	if params.MkdirAll {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	_, statErr := os.Stat(params.Path)
	existed := statErr == nil

	tmp, err := os.CreateTemp(dir, ".agent-write-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return nil, fmt.Errorf("failed to set mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), params.Path); err != nil {
		return nil, fmt.Errorf("failed to replace file: %w", err)
	}

	sum := sha256.Sum256(content)
	return &protocol.FileWriteResult{
		BytesWritten: int64(len(content)),
		Created:      !existed,
		Checksum:     fmt.Sprintf("%x", sum),
	}, nil
}

// FileReadHandler handles file read operations.
type FileReadHandler struct{}

// Handle reads up to MaxBytes from a file and returns it base64 encoded.
func (h *FileReadHandler) Handle(ctx context.Context, params *protocol.FileReadParams, eventCh chan<- *protocol.EventMessage) (*protocol.FileReadResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	f, err := os.Open(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	limit := params.MaxBytes
	if limit <= 0 {
		limit = defaultMaxRead
	}

	content, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	sum := sha256.Sum256(content)
	return &protocol.FileReadResult{
		Content:   base64.StdEncoding.EncodeToString(content),
		Size:      info.Size(),
		Mode:      fmt.Sprintf("%04o", info.Mode().Perm()),
		Checksum:  fmt.Sprintf("%x", sum),
		Truncated: info.Size() > int64(len(content)),
	}, nil
}

func decodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case protocol.EncodingText:
		return []byte(content), nil
	case protocol.EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 content: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unsupported encoding: %s", encoding)
	}
}

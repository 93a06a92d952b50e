package handlers

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gluufederation/gluu-engine/pkg/agent/protocol"
)

func TestExecHandler(t *testing.T) {
	h := &ExecHandler{}
	ctx := context.Background()

	tests := []struct {
		name     string
		params   protocol.ExecParams
		wantCode int
		wantOut  string
		wantErr  bool
	}{
		{
			name:    "echo",
			params:  protocol.ExecParams{Command: "echo hello"},
			wantOut: "hello\n",
		},
		{
			name:     "non-zero exit",
			params:   protocol.ExecParams{Command: "exit 3"},
			wantCode: 3,
		},
		{
			name:    "env",
			params:  protocol.ExecParams{Command: "echo $GLUU_TEST", Env: map[string]string{"GLUU_TEST": "ok"}},
			wantOut: "ok\n",
		},
		{
			name:    "empty command",
			params:  protocol.ExecParams{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.Handle(ctx, &tt.params, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Handle() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if res.ExitCode != tt.wantCode {
				t.Errorf("exit code = %d, want %d", res.ExitCode, tt.wantCode)
			}
			if tt.wantOut != "" && res.Stdout != tt.wantOut {
				t.Errorf("stdout = %q, want %q", res.Stdout, tt.wantOut)
			}
		})
	}
}

func TestExecHandlerWorkDir(t *testing.T) {
	dir := t.TempDir()
	res, err := (&ExecHandler{}).Handle(context.Background(), &protocol.ExecParams{Command: "pwd", WorkDir: dir}, nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !strings.Contains(res.Stdout, filepath.Base(dir)) {
		t.Errorf("expected %s in output, got %q", dir, res.Stdout)
	}
}

func TestExecHandlerTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := (&ExecHandler{}).Handle(ctx, &protocol.ExecParams{Command: "sleep 5"}, nil); err == nil {
		t.Error("expected timeout error")
	}
}

func TestFileWriteAndRead(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "etc", "certs", "ox.crt")

	w := &FileWriteHandler{}
	res, err := w.Handle(ctx, &protocol.FileWriteParams{
		Path:     path,
		Content:  base64.StdEncoding.EncodeToString([]byte("certificate")),
		Encoding: protocol.EncodingBase64,
		Mode:     "0600",
		MkdirAll: true,
	}, nil)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !res.Created || res.BytesWritten != int64(len("certificate")) {
		t.Errorf("unexpected write result %+v", res)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", info.Mode().Perm())
	}

	// Overwrite reports an existing file.
	res, err = w.Handle(ctx, &protocol.FileWriteParams{Path: path, Content: "v2"}, nil)
	if err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if res.Created {
		t.Error("expected Created=false on overwrite")
	}

	read, err := (&FileReadHandler{}).Handle(ctx, &protocol.FileReadParams{Path: path}, nil)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	got, _ := base64.StdEncoding.DecodeString(read.Content)
	if string(got) != "v2" {
		t.Errorf("read content = %q, want v2", got)
	}
}

func TestFileReadTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.txt")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := (&FileReadHandler{}).Handle(context.Background(), &protocol.FileReadParams{Path: path, MaxBytes: 4}, nil)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !res.Truncated || res.Size != 10 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestFileWriteErrors(t *testing.T) {
	w := &FileWriteHandler{}
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name   string
		params protocol.FileWriteParams
	}{
		{"missing path", protocol.FileWriteParams{Content: "x"}},
		{"bad base64", protocol.FileWriteParams{Path: filepath.Join(dir, "a"), Content: "!!", Encoding: protocol.EncodingBase64}},
		{"bad encoding", protocol.FileWriteParams{Path: filepath.Join(dir, "a"), Encoding: "rot13"}},
		{"bad mode", protocol.FileWriteParams{Path: filepath.Join(dir, "a"), Mode: "rwx"}},
		{"missing dir", protocol.FileWriteParams{Path: filepath.Join(dir, "nope", "a")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := w.Handle(ctx, &tt.params, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

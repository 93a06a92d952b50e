package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// UploadFile uploads a single file to the remote host via SFTP. The file is
// written next to remotePath and renamed into place, so readers never see
// a partial upload.
func (c *SSHClient) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	startTime := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return newError("upload", fmt.Errorf("failed to open local file: %w", err), false)
	}
	defer localFile.Close()

	sftpClient, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	// SFTP paths are always slash separated.
	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return newError("upload", fmt.Errorf("failed to create remote directory: %w", err), false)
	}

	partial := remotePath + ".part"
	remoteFile, err := sftpClient.Create(partial)
	if err != nil {
		return newError("upload", fmt.Errorf("failed to create remote file: %w", err), true)
	}

	written, err := copyWithContext(ctx, remoteFile, localFile)
	closeErr := remoteFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = sftpClient.Remove(partial)
		return newError("upload", fmt.Errorf("failed to copy file: %w", err), true)
	}

	if mode > 0 {
		if err := sftpClient.Chmod(partial, os.FileMode(mode)); err != nil {
			log.Warn().Err(err).Str("remote", remotePath).Msg("failed to set file permissions")
		}
	}
	if err := sftpClient.PosixRename(partial, remotePath); err != nil {
		_ = sftpClient.Remove(partial)
		return newError("upload", fmt.Errorf("failed to move upload into place: %w", err), false)
	}

	log.Info().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("file uploaded")
	return nil
}

func (c *SSHClient) sftpClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, newError("sftp-init", fmt.Errorf("failed to create SFTP client: %w", err), true)
	}
	return sftpClient, nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				return written, nil
			}
			return written, err
		}
	}
}

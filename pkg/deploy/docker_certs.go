package deploy

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/pem"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

// certTarget returns the anchor directory and the trust update command for
// the distribution described by /etc/os-release
func certTarget(osInfo string) (dir string, update []string, err error) {
	info := strings.ToLower(osInfo)
	switch {
	case strings.Contains(info, "alpine"), strings.Contains(info, "debian"), strings.Contains(info, "ubuntu"):
		return "/usr/local/share/ca-certificates", []string{"update-ca-certificates"}, nil
	case strings.Contains(info, "centos"), strings.Contains(info, "almalinux"):
		return "/etc/pki/ca-trust/source/anchors", []string{"update-ca-trust", "extract"}, nil
	default:
		return "", nil, fmt.Errorf("unsupported OS: %s", strings.TrimSpace(osInfo))
	}
}

// splitCertificates returns every CERTIFICATE block of a PEM bundle
func splitCertificates(bundle []byte) [][]byte {
	var certs [][]byte
	for {
		var block *pem.Block
		block, bundle = pem.Decode(bundle)
		if block == nil {
			return certs
		}
		if block.Type == "CERTIFICATE" {
			certs = append(certs, pem.EncodeToMemory(block))
		}
	}
}

// certArchive packs certificates as <dir>/custom_cert_<n>.crt, relative to /
func certArchive(dir string, certs [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	for i, cert := range certs {
		hdr := &tar.Header{
			Name:    strings.TrimLeft(path.Join(dir, fmt.Sprintf("custom_cert_%d.crt", i)), "/"),
			Mode:    0o644,
			Size:    int64(len(cert)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(cert); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// execInContainer runs cmd and returns its stdout
func execInContainer(ctx context.Context, cli client.APIClient, name string, cmd []string) (string, error) {
	exec, err := cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create %v: %w", cmd, err)
	}

	resp, err := cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach %v: %w", cmd, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return "", fmt.Errorf("exec read %v: %w", cmd, err)
	}
	return stdout.String(), nil
}

// installCertificates copies the host CA bundle into a created container and
// refreshes its trust store. Failures are logged only; the container is
// left stopped either way.
func (d *DockerDriver) installCertificates(ctx context.Context, cli client.APIClient, name string, logger zerolog.Logger) {
	if d.settings.CABundlePath == "" {
		return
	}
	bundle, err := os.ReadFile(d.settings.CABundlePath)
	if err != nil {
		logger.Warn().Err(err).Str("path", d.settings.CABundlePath).Msg("CA bundle not readable, skipping certificate installation")
		return
	}

	if err := cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		logger.Warn().Err(err).Msg("failed to start container for certificate installation")
		return
	}
	defer func() {
		if err := cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
			logger.Warn().Err(err).Msg("failed to stop container after certificate installation")
		}
	}()

	if err := copyCertificates(ctx, cli, name, bundle); err != nil {
		logger.Warn().Err(err).Msg("failed to update certificates in container")
		return
	}
	logger.Info().Msg("certificates installed")
}

func copyCertificates(ctx context.Context, cli client.APIClient, name string, bundle []byte) error {
	osInfo, err := execInContainer(ctx, cli, name, []string{"cat", "/etc/os-release"})
	if err != nil {
		return err
	}
	dir, update, err := certTarget(osInfo)
	if err != nil {
		return err
	}

	if _, err := execInContainer(ctx, cli, name, []string{"mkdir", "-p", dir}); err != nil {
		return err
	}

	certs := splitCertificates(bundle)
	if len(certs) > 0 {
		archive, err := certArchive(dir, certs)
		if err != nil {
			return fmt.Errorf("failed to create certificate archive: %w", err)
		}
		if err := cli.CopyToContainer(ctx, name, "/", bytes.NewReader(archive), container.CopyToContainerOptions{}); err != nil {
			return fmt.Errorf("failed to copy certificates: %w", err)
		}
	}

	_, err = execInContainer(ctx, cli, name, update)
	return err
}

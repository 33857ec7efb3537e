package instance

import (
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
	"time"

	"github.com/sirupsen/logrus"
)

// imageSource resolves a device image reference to the cached base path,
// plus the URL to fetch it from when it is remote.
func (m *Manager) imageSource(ref string) (base string, remote *url.URL) {
	if u, err := url.Parse(ref); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		return filepath.Join(m.cfg.ImagesDir, path.Base(u.Path)), u
	}
	return filepath.Join(m.cfg.ImagesDir, filepath.Base(ref)), nil
}

// ensureBaseImage makes sure the base image is in the image cache,
// downloading it when it is remote and missing.
func (m *Manager) ensureBaseImage(ctx context.Context, ref string) (string, error) {
	base, remote := m.imageSource(ref)
	if fileExists(base) {
		return base, nil
	}
	if remote == nil {
		return "", fmt.Errorf("%w: %s", ErrImageMissing, base)
	}
	if err := ensureDir(m.cfg.ImagesDir); err != nil {
		return "", err
	}
	if err := m.download(ctx, remote.String(), base); err != nil {
		return "", err
	}
	return base, nil
}

// download streams src into dest in fixed chunks, logging progress every 5%.
// The body lands in dest.part and is renamed only once complete, so an
// interrupted transfer never poisons the cache.
func (m *Manager) download(ctx context.Context, src, dest string) error {
	logger := m.logger.WithFields(logrus.Fields{"url": src, "dest": dest})
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("build image request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", src, resp.Status)
	}

	part := dest + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("open %s: %w", part, err)
	}
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(part)
		return err
	}

	total := resp.ContentLength
	logger.WithField("size", total).Info("downloading image")
	buf := make([]byte, downloadChunk)
	var written int64
	nextMark := int64(5)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return fail(fmt.Errorf("write %s: %w", part, err))
			}
			written += int64(n)
			if total > 0 {
				for pct := written * 100 / total; pct >= nextMark && nextMark <= 100; nextMark += 5 {
					logger.WithField("percent", nextMark).Info("download progress")
				}
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if errors.Is(readErr, io.ErrUnexpectedEOF) {
			return fail(fmt.Errorf("%w: got %d of %d bytes", ErrDownloadIncomplete, written, total))
		}
		if readErr != nil {
			return fail(fmt.Errorf("read %s: %w", src, readErr))
		}
	}
	if total > 0 && written != total {
		return fail(fmt.Errorf("%w: got %d of %d bytes", ErrDownloadIncomplete, written, total))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("close %s: %w", part, err)
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("store image %s: %w", dest, err)
	}
	logger.WithFields(logrus.Fields{"bytes": written, "elapsed": since(start)}).Info("image downloaded")
	return nil
}

// ensureOverlay creates the copy-on-write overlay for a device when missing.
func (m *Manager) ensureOverlay(ctx context.Context, base, overlay string) error {
	if fileExists(overlay) {
		return nil
	}
	format, err := m.imageFormat(ctx, base)
	if err != nil {
		return err
	}
	_, err = m.run(ctx, m.qemuImg(), "create", "-f", "qcow2", "-F", format, "-b", base, overlay)
	return err
}

// imageFormat asks qemu-img for the on-disk format of an image, so raw
// base images get a correct backing format.
func (m *Manager) imageFormat(ctx context.Context, image string) (string, error) {
	res, err := m.run(ctx, m.qemuImg(), "info", "--output=json", image)
	if err != nil {
		return "", err
	}
	var info struct {
		Format string `json:"format"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &info); err != nil {
		return "", fmt.Errorf("decode image info %s: %w", image, err)
	}
	if info.Format == "" {
		return "", fmt.Errorf("image info %s: no format reported", image)
	}
	return info.Format, nil
}

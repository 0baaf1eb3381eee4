package file

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/zerolog/log"
)

const chunkSize = 32 * 1024

// Downloader fetches remote files over HTTP.
type Downloader struct {
	client *http.Client
}

func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{}
	}

	return &Downloader{client: client}
}

// Download returns the byte content of a file on a provided URL.
func (d *Downloader) Download(ctx context.Context, url string) ([]byte, error) {
	res, err := d.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	buf, err := io.ReadAll(res.Body)
	if err != nil {
		err = fmt.Errorf("error reading response %w", err)
		log.Error().Err(err).Str("url", url).Send()
		return nil, err
	}

	return buf, nil
}

// DownloadTo streams the file on url into w and reports the fraction written so far when the server
// announces a content length.
func (d *Downloader) DownloadTo(ctx context.Context, url string, w io.Writer, progress func(float64)) (int64, error) {
	res, err := d.get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	total := res.ContentLength
	var written int64
	buf := make([]byte, chunkSize)

	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("error writing download %w", err)
			}
			written += int64(n)

			if progress != nil && total > 0 {
				progress(float64(written) / float64(total))
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			err = fmt.Errorf("error reading response %w", readErr)
			log.Error().Err(err).Str("url", url).Send()
			return written, err
		}
	}

	log.Debug().Str("url", url).Int64("bytes", written).Msg("download finished")

	return written, nil
}

func (d *Downloader) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		err = fmt.Errorf("error creating request %w", err)
		log.Error().Err(err).Str("url", url).Send()
		return nil, err
	}

	res, err := d.client.Do(req)
	if err != nil {
		err = fmt.Errorf("error executing request %w", err)
		log.Error().Err(err).Str("url", url).Send()
		return nil, err
	}

	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		err = fmt.Errorf("unexpected status code on download: %d", res.StatusCode)
		log.Error().Err(err).Str("url", url).Send()
		return nil, err
	}

	return res, nil
}

// TempPath returns a unique path inside dir with the given extension. An empty dir selects the
// system temp directory.
func TempPath(dir, extension string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}

	if dir == "" {
		dir = os.TempDir()
	}

	return filepath.Join(dir, id.String()+extension), nil
}

// SaveTempFile copies r to a new temp file in dir and returns the path.
func SaveTempFile(dir string, r io.Reader, extension string) (string, error) {
	path, err := TempPath(dir, extension)
	if err != nil {
		return "", err
	}

	f, err := os.Create(path)
	if err != nil {
		err = fmt.Errorf("error creating temp file %w", err)
		log.Error().Err(err).Send()
		return "", err
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		err = fmt.Errorf("error writing temp file %w", err)
		log.Error().Err(err).Send()
		RemoveTempFile(path)
		return "", err
	}

	log.Debug().Str("path", path).Int64("bytes", n).Msg("created temp file")

	return path, nil
}

// RemoveTempFile removes a specified temporary file at the given path and logs success or failure.
func RemoveTempFile(path string) {
	err := os.Remove(path)
	if err != nil {
		log.Warn().Str("path", path).Err(err).Msg("could not clean up temp file")
		return
	}
	log.Debug().Str("path", path).Msg("cleaned up temp file")
}

package filestore

import (
	"context"
	"fmt"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

const stallTimeout = 30 * time.Second

// DownloadToFile streams uri to dst, overwriting any previous copy. It
// returns the upstream status code when one was received.
func (c *Client) DownloadToFile(ctx context.Context, token, uri, dst string) (int, error) {
	req, err := grab.NewRequest(dst, c.resolve(uri))
	if err != nil {
		return 0, errors.Wrap(err, "file store create download request")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req = req.WithContext(ctx)
	req.NoResume = true
	req.HTTPRequest.Header.Set("Authorization", "Bearer "+token)

	_ = level.Debug(c.log).Log("msg", fmt.Sprintf("start downloading file: %s", uri))

	t := time.NewTicker(1 * time.Second)
	defer t.Stop()

	resp := c.grabClient.Do(req)

	// A dropped connection is not always reported, watch the progress instead.
	go func() {
		t2 := time.NewTicker(stallTimeout)
		defer t2.Stop()

		prev := resp.BytesComplete()
		for {
			select {
			case <-t2.C:
				curr := resp.BytesComplete()
				if curr == prev {
					_ = level.Error(c.log).Log("msg", "download stalled, canceling", "uri", uri)
					cancel()
					return
				}
				prev = curr
			case <-resp.Done:
				return
			}
		}
	}()

Loop:
	for {
		select {
		case <-t.C:
			_ = level.Debug(c.log).Log("msg", fmt.Sprintf("transferred %d / %d bytes (%.2f%%)",
				resp.BytesComplete(),
				resp.Size(),
				100*resp.Progress()), "uri", uri)
		case <-resp.Done:
			break Loop
		}
	}

	status := 0
	if resp.HTTPResponse != nil {
		status = resp.HTTPResponse.StatusCode
	}

	if err := resp.Err(); err != nil {
		return status, errors.Wrapf(err, "download %s", uri)
	}

	return status, nil
}

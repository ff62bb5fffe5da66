package flowapi

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/signvia/signflow/model"
)

// Upload pushes a capture blob to its presigned slot. The flow token is not
// sent: the presigned URL is the credential. A failed upload is reported and
// left for the signer to retry; the captured bytes stay with the caller.
func (c *Client) Upload(ctx context.Context, requirement model.CaptureRequirement, slot PresignedUpload, contentType string, blob []byte) error {
	method := slot.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, slot.URL, bytes.NewReader(blob))
	if err != nil {
		return model.NewUploadFailedError(string(requirement)).WithCause(err)
	}
	req.ContentLength = int64(len(blob))
	req.Header.Set("Content-Type", contentType)
	for k, v := range slot.Headers {
		req.Header.Set(k, v)
	}

	start := c.now()
	resp, err := c.uploads.Do(req)
	if err != nil {
		c.metrics.ObserveBackendRequest("upload", "transport_error", time.Since(start))
		return model.NewUploadFailedError(string(requirement)).WithCause(err)
	}
	defer resp.Body.Close()
	c.metrics.ObserveBackendRequest("upload", strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("flowapi: presigned upload rejected",
			zap.String("requirement", string(requirement)),
			zap.Int("status", resp.StatusCode),
			zap.Int("bytes", len(blob)),
		)
		return model.NewUploadFailedError(string(requirement))
	}
	c.metrics.ObserveCaptureUpload(string(requirement), len(blob))
	return nil
}

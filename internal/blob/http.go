package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sealstore/sealstore/internal/errs"
)

const defaultHTTPTimeout = 60 * time.Second

// HTTPConfig configures the publisher/aggregator client. Writes go to the
// publisher, reads to the aggregator.
type HTTPConfig struct {
	PublisherURL  string        `yaml:"publisher_url"`
	AggregatorURL string        `yaml:"aggregator_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

// httpClient talks to a blob network over its publisher/aggregator HTTP API.
type httpClient struct {
	publisher  string
	aggregator string
	http       *http.Client
	logger     *logrus.Logger
}

// storeResponse is the publisher's response union: exactly one of the two
// branches is set.
type storeResponse struct {
	NewlyCreated *struct {
		BlobObject struct {
			ID     string `json:"id"`
			BlobID string `json:"blobId"`
			Size   int64  `json:"size"`
		} `json:"blobObject"`
	} `json:"newlyCreated,omitempty"`
	AlreadyCertified *struct {
		BlobID string `json:"blobId"`
	} `json:"alreadyCertified,omitempty"`
}

// NewHTTPClient creates a client for a publisher/aggregator blob network.
func NewHTTPClient(cfg *HTTPConfig, logger *logrus.Logger) (Client, error) {
	if cfg.PublisherURL == "" || cfg.AggregatorURL == "" {
		return nil, errs.New(errs.KindInvalidConfig, "publisher and aggregator URLs are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &httpClient{
		publisher:  strings.TrimRight(cfg.PublisherURL, "/"),
		aggregator: strings.TrimRight(cfg.AggregatorURL, "/"),
		http:       &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

func (c *httpClient) Put(ctx context.Context, data []byte, epochs int) (*PutResult, error) {
	url := fmt.Sprintf("%s/v1/blobs", c.publisher)
	if epochs > 0 {
		url = fmt.Sprintf("%s?epochs=%d", url, epochs)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return nil, errs.Wrap(errs.KindUpload, "failed to build store request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "blob store request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, "store")
	}

	decoded := storeResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errs.Wrap(errs.KindUpload, "failed to decode store response", err)
	}

	switch {
	case decoded.NewlyCreated != nil:
		return &PutResult{
			BlobID:   decoded.NewlyCreated.BlobObject.BlobID,
			ObjectID: decoded.NewlyCreated.BlobObject.ID,
		}, nil
	case decoded.AlreadyCertified != nil:
		return &PutResult{
			BlobID:           decoded.AlreadyCertified.BlobID,
			AlreadyCertified: true,
		}, nil
	default:
		return nil, errs.New(errs.KindUpload, "store response contained neither newlyCreated nor alreadyCertified")
	}
}

func (c *httpClient) Get(ctx context.Context, blobID string) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/blobs/%s", c.aggregator, blobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindDownload, "failed to build read request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "blob read request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, "read")
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "failed to read blob body", err)
	}
	return data, nil
}

func (c *httpClient) Head(ctx context.Context, blobID string) (*HeadResult, error) {
	url := fmt.Sprintf("%s/v1/blobs/%s", c.aggregator, blobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindDownload, "failed to build head request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindNetwork, "blob head request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return &HeadResult{Exists: true, Size: resp.ContentLength}, nil
	case resp.StatusCode == http.StatusNotFound:
		return &HeadResult{}, nil
	default:
		return nil, c.statusError(resp, "head")
	}
}

// statusError maps a non-success HTTP status to an error kind. Not-found is
// terminal, server side failures are retryable RPC errors.
func (c *httpClient) statusError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(body))
	if detail == "" {
		detail = resp.Status
	}

	c.logger.WithFields(logrus.Fields{
		"operation": op,
		"status":    resp.StatusCode,
	}).Debug("Blob request failed")

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.Newf(errs.KindBlobNotFound, "blob %s failed: %s", op, detail)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return errs.Newf(errs.KindTimeout, "blob %s timed out: %s", op, detail)
	case resp.StatusCode >= 500:
		return errs.Newf(errs.KindRPC, "blob %s failed with status %d: %s", op, resp.StatusCode, detail)
	case op == "store":
		return errs.Newf(errs.KindUpload, "blob %s rejected with status %d: %s", op, resp.StatusCode, detail)
	default:
		return errs.Newf(errs.KindDownload, "blob %s rejected with status %d: %s", op, resp.StatusCode, detail)
	}
}

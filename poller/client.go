package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/viktorenciso/EventCentric/publisher"

	"github.com/pkg/errors"
)

// Client polls a publisher for the events following sinceVersion
type Client interface {
	Poll(ctx context.Context, sinceVersion int64) (*publisher.PollResponse, error)
}

// HTTPClient polls a publisher events endpoint
type HTTPClient struct {
	url    string
	client *http.Client
}

// NewHTTPClient returns a client for the publisher at baseURL. timeout must be
// greater than the publisher long poll duration.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:    strings.TrimSuffix(baseURL, "/") + "/events",
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Poll(ctx context.Context, sinceVersion int64) (*publisher.PollResponse, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid publisher url %q", c.url)
	}
	q := u.Query()
	q.Set("sinceVersion", strconv.FormatInt(sinceVersion, 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req = req.WithContext(ctx)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to poll %s", c.url)
	}
	defer func() {
		io.Copy(ioutil.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll %s: unexpected status %d", c.url, resp.StatusCode)
	}

	var res publisher.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, errors.Wrap(err, "failed to decode poll response")
	}
	return &res, nil
}

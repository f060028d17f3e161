package healthchecksio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bonial-oss/healthchecks-monitor/pkg/config"
	"github.com/bonial-oss/healthchecks-monitor/pkg/models"
	"github.com/google/go-querystring/query"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/sets"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	apiKeyHeader = "X-Api-Key"

	maxResponseBodySize = 4 << 20
)

var log = logf.Log.WithName("healthchecksio-provider")

// Provider retrieves checks from the healthchecks.io API using a single API
// key.
type Provider struct {
	client  *retryablehttp.Client
	limiter *rate.Limiter
	baseURL *url.URL
	apiKey  string
	tags    []string
}

// NewProvider creates a new healthchecks.io provider with given
// ClientConfig, bound to apiKey.
func NewProvider(c config.ClientConfig, apiKey string) *Provider {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = c.Timeout()

	client := retryablehttp.NewClient()
	client.HTTPClient = httpClient
	client.RetryMax = c.RetryMax
	client.CheckRetry = checkRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = &leveledLogger{log: log}

	baseURL, err := url.Parse(c.URL)
	if err != nil {
		// Requests will fail with a descriptive error instead.
		log.Error(err, "invalid healthchecks.io url", "url", c.URL)
		baseURL = &url.URL{}
	}

	return &Provider{
		client:  client,
		limiter: newLimiter(c.RequestsPerSecond, c.Burst),
		baseURL: baseURL,
		apiKey:  apiKey,
		tags:    c.Tags,
	}
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(rps), burst)
}

// checkRetry retries connection errors and 5xx responses. Rate limited
// requests are surfaced immediately so the caller can back off until its
// next scheduled refresh.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}

	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

type listOptions struct {
	Tags []string `url:"tag,omitempty"`
}

type listResponse struct {
	Checks []*apiCheck `json:"checks"`
}

type apiCheck struct {
	UUID      string     `json:"uuid"`
	UniqueKey string     `json:"unique_key"`
	Name      string     `json:"name"`
	Slug      string     `json:"slug"`
	Tags      string     `json:"tags"`
	Desc      string     `json:"desc"`
	Grace     int        `json:"grace"`
	NumPings  int        `json:"n_pings"`
	Status    string     `json:"status"`
	LastPing  *time.Time `json:"last_ping"`
	NextPing  *time.Time `json:"next_ping"`
	Timeout   int        `json:"timeout"`
	Schedule  string     `json:"schedule"`
	Timezone  string     `json:"tz"`
}

func (c *apiCheck) toModel() *models.Check {
	status := models.Status(c.Status)
	if !status.Valid() {
		log.Info("check has an unknown status", "check", c.UUID, "status", c.Status)
	}

	return &models.Check{
		ID:          c.UUID,
		Name:        c.Name,
		Slug:        c.Slug,
		Description: c.Desc,
		Status:      status,
		Tags:        models.ParseTags(c.Tags),
		Schedule:    c.Schedule,
		Timezone:    c.Timezone,
		Timeout:     time.Duration(c.Timeout) * time.Second,
		Grace:       time.Duration(c.Grace) * time.Second,
		NumPings:    c.NumPings,
		LastPing:    c.LastPing,
		NextPing:    c.NextPing,
	}
}

// ListChecks implements provider.Interface.
func (p *Provider) ListChecks(ctx context.Context) ([]*models.Check, error) {
	values, err := query.Values(listOptions{Tags: p.tags})
	if err != nil {
		return nil, models.NewError(models.KindUnexpected, errors.Wrap(err, "failed to encode list query"))
	}

	u := p.baseURL.JoinPath("api", "v3", "checks/")
	u.RawQuery = values.Encode()

	var resp listResponse

	err = p.get(ctx, u, &resp)
	if err != nil {
		return nil, err
	}

	checks := make([]*models.Check, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		checks = append(checks, c.toModel())
	}

	log.V(1).Info("listed checks", "count", len(checks))

	return checks, nil
}

// GetCheck implements provider.Interface. If the provider is configured with
// tags, checks that do not carry all of them are reported as not found, the
// same way ListChecks leaves them out.
func (p *Provider) GetCheck(ctx context.Context, id string) (*models.Check, error) {
	u := p.baseURL.JoinPath("api", "v3", "checks", url.PathEscape(id))

	var check apiCheck

	err := p.get(ctx, u, &check)
	if err != nil {
		return nil, err
	}

	result := check.toModel()

	missing := sets.New(p.tags...).Difference(sets.New(result.Tags...))
	if missing.Len() > 0 {
		return nil, models.Errorf(models.KindNotFound, "check %s does not carry the tags %v", id, sets.List(missing))
	}

	return result, nil
}

func (p *Provider) get(ctx context.Context, u *url.URL, out interface{}) error {
	err := p.limiter.Wait(ctx)
	if err != nil {
		return models.NewError(models.KindAPIFailure, errors.Wrap(err, "request rate limiter"))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.NewError(models.KindUnexpected, errors.Wrapf(err, "failed to build request for %s", u.Path))
	}

	req.Header.Set(apiKeyHeader, p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}

	if err != nil {
		return models.NewError(models.KindAPIFailure, errors.Wrapf(err, "request to %s failed", u.Path))
	}

	if err := classifyResponse(resp); err != nil {
		return err
	}

	err = json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodySize)).Decode(out)
	if err != nil {
		return models.NewError(models.KindAPIFailure, errors.Wrapf(err, "failed to decode response from %s", u.Path))
	}

	return nil
}

func classifyResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return models.Errorf(models.KindAuthFailure, "healthchecks.io rejected the api key: %s", statusText(resp))
	case resp.StatusCode == http.StatusNotFound:
		return models.Errorf(models.KindNotFound, "check not found: %s", statusText(resp))
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.Errorf(models.KindRateLimited, "the rate limit for this api key has been reached: %s", statusText(resp))
	default:
		return models.Errorf(models.KindAPIFailure, "unexpected response from healthchecks.io: %s", statusText(resp))
	}
}

func statusText(resp *http.Response) string {
	return fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}

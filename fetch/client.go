package fetch

import (
	"context"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

const defaultFetchTimeout = 10 * time.Second

// RemoteFetcher pulls payloads from the remote source of truth over
// HTTP. Kind and id map onto the path: GET {base}/{kind}[/{id}].
type RemoteFetcher struct {
	client  *fasthttp.Client
	breaker *CircuitBreaker
	logger  types.Logger
	config  *types.RemoteConfig
	baseURL string
}

func NewRemoteFetcher(config *types.RemoteConfig, logger types.Logger) (*RemoteFetcher, error) {
	if config == nil || config.BaseURL == "" {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "remote base_url is required")
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	client := &fasthttp.Client{
		ReadTimeout:         timeout,
		WriteTimeout:        timeout,
		MaxIdleConnDuration: time.Minute,
	}

	return &RemoteFetcher{
		client:  client,
		breaker: NewCircuitBreaker(config.CircuitBreaker, logger, config.BaseURL),
		logger:  logger,
		config:  config,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
	}, nil
}

func (rf *RemoteFetcher) Fetch(ctx context.Context, kind types.DataKind, id string) ([]byte, error) {
	if !rf.breaker.CanExecute() {
		return nil, types.Errorf(types.ErrCircuitBreakerOpen, "remote: %s", rf.baseURL)
	}

	url := rf.baseURL + "/" + utils.EntryKey(string(kind), id)

	var lastErr error
	attempts := rf.config.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, types.WrapError(err, "fetch cancelled")
		}

		payload, statusCode, err := rf.doRequest(ctx, url)

		if IsSuccessfulResponse(statusCode, err) {
			rf.breaker.RecordSuccess()
			return payload, nil
		}

		lastErr = err
		if err == nil {
			lastErr = types.Errorf(types.ErrFetchFailed, "status %d from %s", statusCode, url)
		}

		if !IsRetryableError(statusCode, err) {
			rf.breaker.RecordFailure()
			return nil, lastErr
		}

		rf.logger.Debug("Retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Int("status", statusCode),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, types.WrapError(ctx.Err(), "fetch cancelled")
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}

	rf.breaker.RecordFailure()
	return nil, types.WrapError(lastErr, "fetch retries exhausted")
}

func (rf *RemoteFetcher) BreakerState() string {
	return rf.breaker.GetStateString()
}

func (rf *RemoteFetcher) doRequest(ctx context.Context, url string) ([]byte, int, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	timeout := rf.config.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	if err := rf.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, 0, err
	}

	statusCode := resp.StatusCode()

	// The body buffer is reused once the response is released.
	payload := make([]byte, len(resp.Body()))
	copy(payload, resp.Body())

	return payload, statusCode, nil
}

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
)

type Options struct {
	HTTPClient *http.Client
	Tokens     TokenSource
	CSRFHeader string
	// LoadRetries bounds retries of the idempotent load GET. Saves are sent
	// once; the persistence engine owns their retry policy.
	LoadRetries int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration
	Logger      zerolog.Logger
}

type Client struct {
	handlerURL  *url.URL
	httpClient  *http.Client
	tokens      TokenSource
	csrfHeader  string
	loadRetries int
	baseDelay   time.Duration
	maxDelay    time.Duration
	schemas     *responseSchemas
	log         zerolog.Logger
}

func NewClient(handlerURL string, opts Options) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(handlerURL))
	if err != nil {
		return nil, fmt.Errorf("%w: handler url: %v", ErrInvalidInput, err)
	}
	if !parsed.IsAbs() || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: handler url must be absolute http(s), got %q", ErrInvalidInput, handlerURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	csrfHeader := strings.TrimSpace(opts.CSRFHeader)
	if csrfHeader == "" {
		csrfHeader = DefaultCSRFHeader
	}
	loadRetries := opts.LoadRetries
	if loadRetries < 0 {
		loadRetries = 0
	}
	schemas, err := compileResponseSchemas()
	if err != nil {
		return nil, err
	}
	return &Client{
		handlerURL:  parsed,
		httpClient:  httpClient,
		tokens:      opts.Tokens,
		csrfHeader:  csrfHeader,
		loadRetries: loadRetries,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		schemas:     schemas,
		log:         opts.Logger,
	}, nil
}

func (c *Client) HandlerURL() string {
	return c.handlerURL.String()
}

func (c *Client) Load(ctx context.Context, req LoadRequest) (annotation.Grouped, error) {
	at := req.At
	if at.IsZero() {
		at = time.Now()
	}
	target := *c.handlerURL
	query := target.Query()
	query.Set("action", "load")
	query.Set("userId", req.UserID)
	query.Set("blockId", req.BlockID)
	query.Set("courseId", req.CourseID)
	query.Set("timestamp", strconv.FormatInt(at.UnixMilli(), 10))
	target.RawQuery = query.Encode()

	var resp LoadResponse
	if err := c.doJSON(ctx, http.MethodGet, target.String(), nil, nil, c.schemas.load, &resp, c.loadRetries); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &HandlerError{Action: "load", Message: resp.Message}
	}
	if resp.Data == nil {
		resp.Data = annotation.Grouped{}
	}
	return resp.Data, nil
}

func (c *Client) Save(ctx context.Context, req SaveRequest) (SaveResponse, error) {
	if req.Action == "" {
		req.Action = "save"
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = annotation.NewTimestamp(time.Now())
	}
	if req.Deletions == nil {
		req.Deletions = []annotation.Deletion{}
	}
	headers := map[string]string{}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			c.log.Debug().Err(err).Msg("anti-forgery token discovery failed")
		}
		if token != "" {
			headers[c.csrfHeader] = token
		} else {
			c.log.Debug().Msg("no anti-forgery token available, sending save without one")
		}
	}

	var resp SaveResponse
	if err := c.doJSON(ctx, http.MethodPost, c.handlerURL.String(), headers, req, c.schemas.save, &resp, 0); err != nil {
		return SaveResponse{}, err
	}
	if resp.Result != "success" {
		return resp, &HandlerError{Action: "save", Message: resp.Message}
	}
	return resp, nil
}

func (c *Client) doJSON(
	ctx context.Context,
	method, target string,
	headers map[string]string,
	body any,
	schema *jsonschema.Schema,
	out any,
	maxRetries int,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if err := validateBody(schema, payloadBytes); err != nil {
				if attempt < maxRetries {
					if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
						return waitErr
					}
					continue
				}
				return err
			}
			if out == nil {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func correlationID() string {
	return "pdfx_" + uuid.NewString()
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kjstillabower/observation-service/internal/circuitbreaker"
	"github.com/kjstillabower/observation-service/internal/models"
	"github.com/kjstillabower/observation-service/internal/observability"
)

// ObservationFetcher retrieves one observation and reduces it to the display fields.
type ObservationFetcher interface {
	FetchFields(ctx context.Context, location, credential string) (models.ObservationFields, error)
}

var (
	// ErrNetwork means the request could not complete: transport failure,
	// timeout, non-2xx status or an open circuit.
	ErrNetwork = errors.New("network error")
	// ErrMalformedResponse means the body did not have the expected shape.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrInvalidCredential marks a 401/403 from the endpoint. Always wrapped with ErrNetwork.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrCircuitOpen marks a call short-circuited by the breaker. Always wrapped with ErrNetwork.
	ErrCircuitOpen = circuitbreaker.ErrOpen
)

// Element names kept from weatherElement; everything else is dropped.
const (
	ElementTemperature = "TEMP"
	ElementWindSpeed   = "WDSD"
)

var neededElements = map[string]struct{}{
	ElementTemperature: {},
	ElementWindSpeed:   {},
}

const maxBodyBytes = 1 << 20

// CWBClient fetches current observations from the CWB open-data datastore.
// It performs exactly one request per call; retry policy belongs to callers.
type CWBClient struct {
	apiURL  string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewCWBClient returns a client for apiURL. timeout bounds each round trip.
func NewCWBClient(apiURL string, timeout time.Duration) (*CWBClient, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid observation API URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid observation API URL %q: scheme must be http or https", apiURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CWBClient{
		apiURL:  apiURL,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker guards subsequent calls with cb. nil disables the guard.
func (c *CWBClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// FetchFields performs one GET and extracts ObservationFields from the first
// location entry. Errors match ErrNetwork or ErrMalformedResponse.
func (c *CWBClient) FetchFields(ctx context.Context, location, credential string) (models.ObservationFields, error) {
	var fields models.ObservationFields
	var err error
	if c.breaker != nil {
		err = c.breaker.Call(ctx, func() error {
			var callErr error
			fields, callErr = c.callAPI(ctx, location, credential)
			return callErr
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = fmt.Errorf("%w: %w", ErrNetwork, err)
		}
	} else {
		fields, err = c.callAPI(ctx, location, credential)
	}
	if err != nil {
		observability.ObservationAPIErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		return models.ObservationFields{}, err
	}
	return fields, nil
}

func (c *CWBClient) callAPI(ctx context.Context, location, credential string) (models.ObservationFields, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, location, credential)
	if err != nil {
		observability.ObservationAPICallsTotal.WithLabelValues("error").Inc()
		return models.ObservationFields{}, fmt.Errorf("%w: build request: %w", ErrNetwork, err)
	}
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.ObservationAPICallsTotal.WithLabelValues("error").Inc()
		observability.ObservationAPIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return models.ObservationFields{}, fmt.Errorf("%w: http request failed: %w", ErrNetwork, redactURLError(err))
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.ObservationAPICallsTotal.WithLabelValues(status).Inc()
	observability.ObservationAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return models.ObservationFields{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.ObservationFields{}, fmt.Errorf("%w: read response body: %w", ErrNetwork, err)
	}

	var raw models.RawObservation
	if err := json.Unmarshal(body, &raw); err != nil {
		return models.ObservationFields{}, fmt.Errorf("%w: parse response: %w", ErrMalformedResponse, err)
	}
	return ExtractFields(raw)
}

func (c *CWBClient) buildRequest(ctx context.Context, location, credential string) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := baseURL.Query()
	params.Set("Authorization", credential)
	params.Set("locationName", location)
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// redactURLError masks the credential in the request URL that *url.Error
// embeds in its message.
func redactURLError(err error) error {
	var uerr *url.Error
	if !errors.As(err, &uerr) {
		return err
	}
	return &url.Error{Op: uerr.Op, URL: redactURL(uerr.URL), Err: uerr.Err}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[unparseable URL]"
	}
	q := u.Query()
	if q.Has("Authorization") {
		q.Set("Authorization", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w: HTTP %d", ErrNetwork, ErrInvalidCredential, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: HTTP %d", ErrNetwork, resp.StatusCode)
	}
	return nil
}

// ExtractFields reduces a decoded response to ObservationFields. The first
// location entry is used as-is; no matching by name is done.
func ExtractFields(raw models.RawObservation) (models.ObservationFields, error) {
	if len(raw.Records.Location) == 0 {
		return models.ObservationFields{}, fmt.Errorf("%w: empty location collection", ErrMalformedResponse)
	}
	loc := raw.Records.Location[0]
	if loc.Time == nil || loc.Time.ObsTime == "" {
		return models.ObservationFields{}, fmt.Errorf("%w: missing time.obsTime", ErrMalformedResponse)
	}
	if loc.WeatherElement == nil {
		return models.ObservationFields{}, fmt.Errorf("%w: missing weatherElement", ErrMalformedResponse)
	}

	needed := make(map[string]models.ElementValue, len(neededElements))
	for _, el := range loc.WeatherElement {
		if _, ok := neededElements[el.ElementName]; ok {
			needed[el.ElementName] = el.ElementValue
		}
	}

	return models.ObservationFields{
		ObservationTime: loc.Time.ObsTime,
		LocationName:    loc.LocationName,
		Temperature:     reading(needed, ElementTemperature),
		WindSpeed:       reading(needed, ElementWindSpeed),
	}, nil
}

// reading returns nil for absent, unparseable, or CWB "no data" (-99, -999) values.
func reading(elements map[string]models.ElementValue, name string) *float64 {
	v, ok := elements[name]
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(string(v)), 64)
	if err != nil || f == -99 || f == -999 {
		return nil
	}
	return &f
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 401 || statusCode == 403 {
		return "unauthorized"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

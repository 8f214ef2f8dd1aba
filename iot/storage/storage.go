package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/mrganther/Reef-Project-WebApp/iot/ttn"
)

// Fetcher queries the TTN storage integration for stored uplinks. Every
// call re-queries upstream; there is no caching and no retry.
type Fetcher struct {
	baseURL    string
	appID      string
	apiKey     string
	devices    *ttn.Registry
	httpClient *http.Client
}

// Builder is a builder helper for the Fetcher
type Builder struct {
	// Region is the TTN cluster region, e.g. "eu1". Mandatory unless
	// BaseURL is set.
	Region string
	// ApplicationID is the TTN application identity. This is mandatory.
	ApplicationID string
	// APIKey is the TTN API key, sent as bearer token. This is mandatory.
	APIKey string
	// Devices is the configured device registry. This is mandatory.
	Devices *ttn.Registry
	// BaseURL overrides the regional TTN endpoint. Used in tests.
	BaseURL string
	// Client overrides the default HTTP client.
	Client *http.Client
}

// NewFetcher returns a new fetcher.
func NewFetcher(bb *Builder) *Fetcher {
	if len(bb.ApplicationID) == 0 {
		panic("ApplicationID is missing")
	}
	if len(bb.APIKey) == 0 {
		panic("APIKey is missing")
	}
	if bb.Devices == nil {
		panic("Devices is missing")
	}

	baseURL := bb.BaseURL
	if len(baseURL) == 0 {
		if len(bb.Region) == 0 {
			panic("Region is missing")
		}
		baseURL = fmt.Sprintf("https://%s.cloud.thethings.network", bb.Region)
	}

	httpClient := bb.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}

	return &Fetcher{
		baseURL:    baseURL,
		appID:      bb.ApplicationID,
		apiKey:     bb.APIKey,
		devices:    bb.Devices,
		httpClient: httpClient,
	}
}

// UpstreamError is returned when the storage API cannot be reached or
// answers with a non-success status.
type UpstreamError struct {
	Status int
	Body   string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream storage query failed: %s", e.Err)
	}
	return fmt.Sprintf("upstream storage query failed: status %d: %s", e.Status, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// FetchLatest issues one request for the most recently stored uplink of the
// given device. It returns the stored object verbatim, or found=false when
// upstream has nothing for this device.
func (f *Fetcher) FetchLatest(ctx context.Context, deviceID string) (msg json.RawMessage, found bool, err error) {
	endpoint := fmt.Sprintf("%s/api/v3/as/applications/%s/devices/%s/packages/storage/uplink_message",
		f.baseURL, f.appID, url.PathEscape(deviceID))
	results, err := f.query(ctx, endpoint, 1)
	if err != nil {
		return nil, false, err
	}
	if len(results) == 0 {
		return nil, false, nil
	}
	return results[0], true, nil
}

// FetchLatestForConfigured calls FetchLatest once per configured device and
// collects the present results. With zero configured devices it issues one
// application-scoped request for up to 10 recent messages and returns that
// sequence unfiltered.
func (f *Fetcher) FetchLatestForConfigured(ctx context.Context) ([]json.RawMessage, error) {
	deviceIDs := f.devices.DeviceIDs()
	if len(deviceIDs) == 0 {
		endpoint := fmt.Sprintf("%s/api/v3/as/applications/%s/packages/storage/uplink_message",
			f.baseURL, f.appID)
		return f.query(ctx, endpoint, 10)
	}

	messages := []json.RawMessage{}
	for _, deviceID := range deviceIDs {
		msg, found, err := f.FetchLatest(ctx, deviceID)
		if err != nil {
			return nil, err
		}
		if found {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}

func (f *Fetcher) query(ctx context.Context, endpoint string, limit int) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	q := req.URL.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("order", "-received_at")
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+f.apiKey)
	req.Header.Set("Accept", "application/json")

	res, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &UpstreamError{Status: res.StatusCode, Err: err}
	}
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		return nil, &UpstreamError{Status: res.StatusCode, Body: excerpt(body)}
	}
	return parseEnvelopes(body)
}

// envelope is the response framing of the storage integration. The result
// field holds either a single stored object or an array; TTN also streams
// one envelope per line.
type envelope struct {
	Result json.RawMessage `json:"result"`
}

func parseEnvelopes(body []byte) ([]json.RawMessage, error) {
	messages := []json.RawMessage{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	for {
		var env envelope
		if err := decoder.Decode(&env); err == io.EOF {
			break
		} else if err != nil {
			return nil, &UpstreamError{Body: excerpt(body), Err: fmt.Errorf("invalid response envelope: %w", err)}
		}
		result := bytes.TrimSpace(env.Result)
		if len(result) == 0 || bytes.Equal(result, []byte("null")) {
			continue
		}
		if result[0] == '[' {
			var many []json.RawMessage
			if err := json.Unmarshal(result, &many); err != nil {
				return nil, &UpstreamError{Body: excerpt(body), Err: fmt.Errorf("invalid result array: %w", err)}
			}
			messages = append(messages, many...)
		} else {
			messages = append(messages, result)
		}
	}
	return messages, nil
}

func excerpt(body []byte) string {
	const max = 256
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}

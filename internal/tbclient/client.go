// Package tbclient is a ThingsBoard REST client scoped to the lift
// monitoring workload: device lookup, server attributes, alarm creation
// and telemetry read/write, multiplexed over several platform accounts.
package tbclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"lift-monitor-cloud/internal/observability/metrics"
)

// Account holds the credentials for one platform tenant.
type Account struct {
	BaseURL  string
	Username string
	Password string
}

// Device is one platform device.
type Device struct {
	ID   string
	Name string
}

// Point is one persisted telemetry value.
type Point struct {
	TsMs  int64
	Value string
}

var (
	errNotFound      = errors.New("tbclient: not found")
	errUnauthorized  = errors.New("tbclient: unauthorized")
	errNoSuchAccount = errors.New("tbclient: unknown account")
)

// ErrNotFound reports whether the error is the platform's 404.
func ErrNotFound(err error) bool { return errors.Is(err, errNotFound) }

type cachedToken struct {
	token   string
	expires time.Time
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Client talks to one or more ThingsBoard instances. Tokens are cached
// per account until shortly before expiry; device ids are cached for the
// process lifetime since the platform never reuses them.
type Client struct {
	accounts map[string]Account
	tokenTTL time.Duration
	clock    Clock

	client      *http.Client
	heavyClient *http.Client

	mu      sync.Mutex
	loginMu sync.Mutex
	tokens  map[string]cachedToken
	devices map[string]string
}

// Option customizes the client.
type Option func(*Client)

// WithClock overrides the client clock.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithHTTPClients overrides both transports.
func WithHTTPClients(std, heavy *http.Client) Option {
	return func(c *Client) {
		if std != nil {
			c.client = std
		}
		if heavy != nil {
			c.heavyClient = heavy
		}
	}
}

// NewClient constructs a client over the given accounts. A non-positive
// token TTL takes the 1h default.
func NewClient(accounts map[string]Account, tokenTTL time.Duration, opts ...Option) (*Client, error) {
	if len(accounts) == 0 {
		return nil, errors.New("tbclient: no accounts configured")
	}
	for name, account := range accounts {
		if account.BaseURL == "" {
			return nil, fmt.Errorf("tbclient: account %s: empty base url", name)
		}
		account.BaseURL = strings.TrimRight(account.BaseURL, "/")
		accounts[name] = account
	}
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	c := &Client{
		accounts:    accounts,
		tokenTTL:    tokenTTL,
		clock:       systemClock{},
		client:      &http.Client{Timeout: 10 * time.Second},
		heavyClient: &http.Client{Timeout: 45 * time.Second},
		tokens:      make(map[string]cachedToken),
		devices:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Accounts lists the configured account names.
func (c *Client) Accounts() []string {
	names := make([]string, 0, len(c.accounts))
	for name := range c.accounts {
		names = append(names, name)
	}
	return names
}

// LookupDeviceID resolves a device name to its platform id, caching hits.
func (c *Client) LookupDeviceID(ctx context.Context, account, deviceName string) (string, error) {
	if deviceName == "" {
		return "", errors.New("tbclient: empty device name")
	}
	cacheKey := account + ":" + deviceName
	c.mu.Lock()
	if id, ok := c.devices[cacheKey]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	path := "/api/tenant/devices?deviceName=" + url.QueryEscape(deviceName)
	var resp deviceResponse
	if err := c.doJSON(ctx, c.client, account, http.MethodGet, path, nil, &resp); err != nil {
		metrics.IncPlatformError("device_lookup")
		return "", err
	}
	if resp.ID.ID == "" {
		return "", errNotFound
	}
	c.mu.Lock()
	c.devices[cacheKey] = resp.ID.ID
	c.mu.Unlock()
	return resp.ID.ID, nil
}

// ServerAttributes fetches a device's SERVER_SCOPE attributes by id.
func (c *Client) ServerAttributes(ctx context.Context, account, deviceID string) (map[string]any, error) {
	if deviceID == "" {
		return nil, errors.New("tbclient: empty device id")
	}
	path := fmt.Sprintf("/api/plugins/telemetry/DEVICE/%s/values/attributes/SERVER_SCOPE", deviceID)
	var resp []attributeItem
	if err := c.doJSON(ctx, c.client, account, http.MethodGet, path, nil, &resp); err != nil {
		metrics.IncPlatformError("attributes")
		return nil, err
	}
	attrs := make(map[string]any, len(resp))
	for _, item := range resp {
		attrs[item.Key] = item.Value
	}
	return attrs, nil
}

// DeviceAttributes resolves the device by name and fetches its server
// attributes.
func (c *Client) DeviceAttributes(ctx context.Context, account, deviceName string) (map[string]any, error) {
	deviceID, err := c.LookupDeviceID(ctx, account, deviceName)
	if err != nil {
		return nil, err
	}
	return c.ServerAttributes(ctx, account, deviceID)
}

// CreateAlarm raises a platform alarm on the device.
func (c *Client) CreateAlarm(ctx context.Context, account, deviceName, alarmType string, severity string, details map[string]any, tsMs int64) error {
	deviceID, err := c.LookupDeviceID(ctx, account, deviceName)
	if err != nil {
		return err
	}
	if tsMs <= 0 {
		tsMs = c.clock.Now().UnixMilli()
	}
	body := map[string]any{
		"originator": map[string]any{
			"entityType": "DEVICE",
			"id":         deviceID,
		},
		"type":     alarmType,
		"severity": severity,
		"status":   "ACTIVE_UNACK",
		"startTs":  tsMs,
		"details":  details,
	}
	if err := c.doJSON(ctx, c.client, account, http.MethodPost, "/api/alarm", body, nil); err != nil {
		metrics.IncPlatformError("alarm_create")
		return err
	}
	return nil
}

// ReadTimeSeries fetches raw historical values for the given keys, sorted
// ascending by timestamp.
func (c *Client) ReadTimeSeries(ctx context.Context, account, deviceID string, keys []string, startMs, endMs int64) (map[string][]Point, error) {
	if deviceID == "" {
		return nil, errors.New("tbclient: empty device id")
	}
	if len(keys) == 0 {
		return nil, errors.New("tbclient: no series keys")
	}
	query := url.Values{}
	query.Set("keys", strings.Join(keys, ","))
	query.Set("startTs", fmt.Sprintf("%d", startMs))
	query.Set("endTs", fmt.Sprintf("%d", endMs))
	query.Set("limit", "50000")
	query.Set("agg", "NONE")
	query.Set("orderBy", "ASC")
	path := fmt.Sprintf("/api/plugins/telemetry/DEVICE/%s/values/timeseries?%s", deviceID, query.Encode())

	var resp map[string][]seriesItem
	if err := c.doJSON(ctx, c.heavyClient, account, http.MethodGet, path, nil, &resp); err != nil {
		metrics.IncPlatformError("timeseries_read")
		return nil, err
	}
	series := make(map[string][]Point, len(resp))
	for key, items := range resp {
		points := make([]Point, 0, len(items))
		for _, item := range items {
			points = append(points, Point{TsMs: item.Ts, Value: stringifyValue(item.Value)})
		}
		series[key] = points
	}
	return series, nil
}

// WriteTimeSeries persists values at the given timestamp. Map and slice
// values are flattened to compact JSON strings since the platform stores
// scalars.
func (c *Client) WriteTimeSeries(ctx context.Context, account, deviceID string, values map[string]any, tsMs int64) error {
	if deviceID == "" {
		return errors.New("tbclient: empty device id")
	}
	if len(values) == 0 {
		return nil
	}
	flat := make(map[string]any, len(values))
	for key, value := range values {
		flat[key] = flattenValue(value)
	}
	body := map[string]any{"ts": tsMs, "values": flat}
	path := fmt.Sprintf("/api/plugins/telemetry/DEVICE/%s/timeseries/ANY", deviceID)
	if err := c.doJSON(ctx, c.heavyClient, account, http.MethodPost, path, body, nil); err != nil {
		metrics.IncPlatformError("timeseries_write")
		return err
	}
	return nil
}

// WriteDeviceTimeSeries resolves the device by name and persists values.
func (c *Client) WriteDeviceTimeSeries(ctx context.Context, account, deviceName string, values map[string]any, tsMs int64) error {
	deviceID, err := c.LookupDeviceID(ctx, account, deviceName)
	if err != nil {
		return err
	}
	return c.WriteTimeSeries(ctx, account, deviceID, values, tsMs)
}

// ListDevices returns one page of the account's devices and whether more
// pages remain.
func (c *Client) ListDevices(ctx context.Context, account string, page, pageSize int) ([]Device, bool, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	path := fmt.Sprintf("/api/tenant/devices?page=%d&pageSize=%d", page, pageSize)
	var resp devicesPage
	if err := c.doJSON(ctx, c.client, account, http.MethodGet, path, nil, &resp); err != nil {
		metrics.IncPlatformError("device_list")
		return nil, false, err
	}
	devices := make([]Device, 0, len(resp.Data))
	for _, item := range resp.Data {
		devices = append(devices, Device{ID: item.ID.ID, Name: item.Name})
	}
	return devices, resp.HasNext, nil
}

func (c *Client) token(ctx context.Context, account string) (string, error) {
	creds, ok := c.accounts[account]
	if !ok {
		return "", errNoSuchAccount
	}
	now := c.clock.Now()

	c.mu.Lock()
	cached, ok := c.tokens[account]
	c.mu.Unlock()
	if ok && now.Before(cached.expires) {
		return cached.token, nil
	}

	// Serialize logins so concurrent cache misses produce one request.
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	c.mu.Lock()
	cached, ok = c.tokens[account]
	c.mu.Unlock()
	if ok && now.Before(cached.expires) {
		return cached.token, nil
	}

	body := map[string]any{"username": creds.Username, "password": creds.Password}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.BaseURL+"/api/auth/login", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.IncPlatformError("login")
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		metrics.IncPlatformError("login")
		return "", fmt.Errorf("tbclient: login http %d for account %s", resp.StatusCode, account)
	}
	var login loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return "", err
	}
	if login.Token == "" {
		return "", errors.New("tbclient: login returned empty token")
	}

	// Expire a minute early so a token never dies mid-request.
	c.mu.Lock()
	c.tokens[account] = cachedToken{token: login.Token, expires: now.Add(c.tokenTTL - time.Minute)}
	c.mu.Unlock()
	return login.Token, nil
}

func (c *Client) invalidateToken(account string) {
	c.mu.Lock()
	delete(c.tokens, account)
	c.mu.Unlock()
}

func (c *Client) doJSON(ctx context.Context, client *http.Client, account, method, path string, body any, out any) error {
	creds, ok := c.accounts[account]
	if !ok {
		return errNoSuchAccount
	}
	err := c.doJSONOnce(ctx, client, creds.BaseURL, account, method, path, body, out)
	if errors.Is(err, errUnauthorized) {
		// Stale token; refresh once and retry.
		c.invalidateToken(account)
		err = c.doJSONOnce(ctx, client, creds.BaseURL, account, method, path, body, out)
	}
	return err
}

func (c *Client) doJSONOnce(ctx context.Context, client *http.Client, baseURL, account, method, path string, body any, out any) error {
	token, err := c.token(ctx, account)
	if err != nil {
		return err
	}

	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("tbclient: http %d on %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func flattenValue(value any) any {
	switch v := value.(type) {
	case json.RawMessage:
		return string(v)
	case map[string]any, map[string]int64, map[string]float64, []any, []string:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	default:
		return value
	}
}

func stringifyValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		raw, _ := json.Marshal(v)
		return string(raw)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

type loginResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

type entityID struct {
	ID string `json:"id"`
}

type deviceResponse struct {
	ID   entityID `json:"id"`
	Name string   `json:"name"`
}

type devicesPage struct {
	Data    []deviceResponse `json:"data"`
	HasNext bool             `json:"hasNext"`
}

type attributeItem struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type seriesItem struct {
	Ts    int64 `json:"ts"`
	Value any   `json:"value"`
}

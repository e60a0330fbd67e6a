package dhis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/ternarybob/replico/internal/models"
)

// Object is one JSON metadata or data object as returned by the HIS API.
// Sanitizers mutate nested sub-structures, so the dynamic form is kept
// end to end and only envelopes are typed.
type Object = map[string]any

// SystemInfo is the system/info probe response subset the core needs
type SystemInfo struct {
	Version    string `json:"version"`
	SystemName string `json:"systemName"`
	ServerDate string `json:"serverDate"`
}

// Pager is the standard paging envelope on collection responses
type Pager struct {
	Page      int    `json:"page"`
	PageCount int    `json:"pageCount"`
	PageSize  int    `json:"pageSize"`
	Total     int    `json:"total"`
	NextPage  string `json:"nextPage"`
}

// TrackerBundle groups tracked entities with their flattened enrollments
// and events for one bundle submission.
type TrackerBundle struct {
	TrackedEntities []Object `json:"trackedEntities"`
	Enrollments     []Object `json:"enrollments"`
	Events          []Object `json:"events"`
}

// Size returns the total number of objects in the bundle
func (b *TrackerBundle) Size() int {
	return len(b.TrackedEntities) + len(b.Enrollments) + len(b.Events)
}

// Options tunes a client independent of the instance record
type Options struct {
	Timeout   time.Duration
	RateLimit float64 // Requests per second, 0 = unlimited
}

// Client speaks the HIS API for one instance. Clients are safe for
// concurrent use and should be reused per instance so the underlying
// connection pool is shared across monitor tasks.
type Client struct {
	instance *models.Instance
	http     *http.Client
	limiter  *rate.Limiter
	logger   arbor.ILogger
	apiURL   string
}

// NewClient creates a client for an instance. The base URL is
// re-canonicalized defensively; credentials come from the instance record.
func NewClient(instance *models.Instance, opts Options, logger arbor.ILogger) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	base := &http.Client{Timeout: timeout}

	httpClient := base
	if instance.AuthMethod == models.AuthMethodOAuth2 {
		conf := &clientcredentials.Config{
			ClientID:     instance.ClientID,
			ClientSecret: instance.ClientSecret,
			TokenURL:     instance.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = conf.Client(ctx)
		httpClient.Timeout = timeout
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	return &Client{
		instance: instance,
		http:     httpClient,
		limiter:  limiter,
		logger:   logger,
		apiURL:   models.CanonicalBaseURL(instance.BaseURL) + "api/",
	}
}

// InstanceName returns the display name of the backing instance
func (c *Client) InstanceName() string {
	return c.instance.Name
}

// InstanceVersion returns the declared or probed server version of the
// backing instance, empty before the first successful probe.
func (c *Client) InstanceVersion() string {
	return c.instance.Version
}

// do issues one API call and returns the raw body. Errors are mapped to
// the taxonomy: 401/403 -> ErrAuth, 404 -> ErrNotFound, others wrapped.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	endpoint := c.apiURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body for %s: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.instance.AuthMethod != models.AuthMethodOAuth2 {
		req.SetBasicAuth(c.instance.Username, c.instance.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", c.instance.Name, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	if resp.StatusCode >= 400 {
		// Import endpoints report partial failures with a 409 and a full
		// report body; let the caller parse it.
		if resp.StatusCode == http.StatusConflict && len(data) > 0 {
			return data, nil
		}
		return nil, &HTTPError{Status: resp.StatusCode, Path: path, Body: string(data)}
	}

	return data, nil
}

// SystemInfo probes the instance and returns its reported version
func (c *Client) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	data, err := c.do(ctx, http.MethodGet, "system/info", nil, nil)
	if err != nil {
		return nil, err
	}
	var info SystemInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode system info: %w", err)
	}
	return &info, nil
}

// GetMetadata fetches every object of a resource with the given field
// selection, following the pager until exhausted.
func (c *Client) GetMetadata(ctx context.Context, resource, fields string, pageSize int, filters ...string) ([]Object, error) {
	if pageSize <= 0 {
		pageSize = 50
	}

	var objects []Object
	page := 1
	for {
		query := url.Values{}
		query.Set("fields", fields)
		query.Set("paging", "true")
		query.Set("pageSize", strconv.Itoa(pageSize))
		query.Set("page", strconv.Itoa(page))
		for _, f := range filters {
			query.Add("filter", f)
		}

		data, err := c.do(ctx, http.MethodGet, resource, query, nil)
		if err != nil {
			return nil, err
		}

		var payload map[string]json.RawMessage
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode %s page %d: %w", resource, page, err)
		}

		var items []Object
		if raw, ok := payload[resource]; ok {
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("failed to decode %s objects: %w", resource, err)
			}
		}
		objects = append(objects, items...)

		var pager Pager
		if raw, ok := payload["pager"]; ok {
			if err := json.Unmarshal(raw, &pager); err != nil {
				return nil, fmt.Errorf("failed to decode %s pager: %w", resource, err)
			}
		}
		if pager.NextPage == "" && (pager.PageCount == 0 || pager.Page >= pager.PageCount) {
			break
		}
		page = pager.Page + 1
	}

	return objects, nil
}

// CountSince returns the pager total of objects whose lastUpdated is
// strictly greater than the given instant. One record is requested; only
// the total matters.
func (c *Client) CountSince(ctx context.Context, resource string, since time.Time) (int, error) {
	query := url.Values{}
	query.Set("fields", "id")
	query.Set("pageSize", "1")
	query.Set("filter", "lastUpdated:gt:"+since.UTC().Format("2006-01-02T15:04:05"))

	data, err := c.do(ctx, http.MethodGet, resource, query, nil)
	if err != nil {
		return 0, err
	}

	var payload struct {
		Pager Pager `json:"pager"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("failed to decode %s pager: %w", resource, err)
	}
	return payload.Pager.Total, nil
}

// PostMetadata imports objects of one resource with atomicMode=NONE so
// partial successes are preserved.
func (c *Client) PostMetadata(ctx context.Context, resource string, objects []Object, strategy models.ImportStrategy, mergeMode models.MergeMode, skipSharing bool) (*ImportReport, error) {
	query := url.Values{}
	query.Set("importStrategy", string(strategy))
	query.Set("atomicMode", "NONE")
	query.Set("mergeMode", string(mergeMode))
	if skipSharing {
		query.Set("skipSharing", "true")
	}

	data, err := c.do(ctx, http.MethodPost, "metadata", query, Object{resource: objects})
	if err != nil {
		return nil, err
	}
	return ParseImportReport(data)
}

// GetDataValueSets extracts aggregate values with paging disabled.
// Query parameters (orgUnit, dataSet, dataElement, period, startDate,
// endDate) are passed through as given.
func (c *Client) GetDataValueSets(ctx context.Context, params url.Values) ([]Object, error) {
	query := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	query.Set("paging", "false")

	data, err := c.do(ctx, http.MethodGet, "dataValueSets", query, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		DataValues []Object `json:"dataValues"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode data values: %w", err)
	}
	return payload.DataValues, nil
}

// PostDataValues imports one chunk of aggregate values with UID id schemes
func (c *Client) PostDataValues(ctx context.Context, values []Object, strategy models.ImportStrategy, dryRun bool) (*ImportReport, error) {
	query := url.Values{}
	query.Set("dryRun", strconv.FormatBool(dryRun))
	query.Set("importStrategy", string(strategy))
	query.Set("atomicMode", "NONE")
	query.Set("idScheme", "UID")
	query.Set("dataElementIdScheme", "UID")
	query.Set("orgUnitIdScheme", "UID")
	query.Set("categoryOptionComboIdScheme", "UID")

	data, err := c.do(ctx, http.MethodPost, "dataValueSets", query, Object{"dataValues": values})
	if err != nil {
		return nil, err
	}
	return ParseImportReport(data)
}

// GetEvents extracts events for one program and org unit scope with
// paging disabled.
func (c *Client) GetEvents(ctx context.Context, program, orgUnit, ouMode, startDate, endDate string) ([]Object, error) {
	query := url.Values{}
	query.Set("program", program)
	if orgUnit != "" {
		query.Set("orgUnit", orgUnit)
	}
	if ouMode != "" {
		query.Set("ouMode", ouMode)
	}
	if startDate != "" {
		query.Set("startDate", startDate)
	}
	if endDate != "" {
		query.Set("endDate", endDate)
	}
	query.Set("paging", "false")

	data, err := c.do(ctx, http.MethodGet, "events", query, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Events []Object `json:"events"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return payload.Events, nil
}

// CountEventsSince returns the pager total of events updated after the
// given instant, across all programs.
func (c *Client) CountEventsSince(ctx context.Context, since time.Time) (int, error) {
	query := url.Values{}
	query.Set("lastUpdatedStartDate", since.UTC().Format("2006-01-02"))
	query.Set("pageSize", "1")
	query.Set("totalPages", "true")
	query.Set("ouMode", "ACCESSIBLE")

	data, err := c.do(ctx, http.MethodGet, "events", query, nil)
	if err != nil {
		return 0, err
	}

	var payload struct {
		Pager  Pager    `json:"pager"`
		Events []Object `json:"events"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("failed to decode events pager: %w", err)
	}
	if payload.Pager.Total > 0 {
		return payload.Pager.Total, nil
	}
	return len(payload.Events), nil
}

// PostEvents imports one chunk of events
func (c *Client) PostEvents(ctx context.Context, events []Object, strategy models.ImportStrategy) (*ImportReport, error) {
	query := url.Values{}
	query.Set("importStrategy", string(strategy))
	query.Set("atomicMode", "NONE")
	query.Set("async", "false")

	data, err := c.do(ctx, http.MethodPost, "events", query, Object{"events": events})
	if err != nil {
		return nil, err
	}
	return ParseImportReport(data)
}

// GetTrackedEntityInstances extracts TEIs for one program and org unit
// with descendant scope.
// dateAttribute selects which date the extraction window filters on:
// empty or "lastUpdated" uses the lastUpdated pair, "enrollmentDate"
// uses the program enrollment window, and anything else is treated as a
// tracked entity attribute UID and filtered directly.
func (c *Client) GetTrackedEntityInstances(ctx context.Context, program, orgUnit, dateAttribute, windowStart, windowEnd string) ([]Object, error) {
	query := url.Values{}
	query.Set("program", program)
	query.Set("ou", orgUnit)
	query.Set("ouMode", "DESCENDANTS")
	query.Set("fields", "*")
	query.Set("paging", "false")
	switch dateAttribute {
	case "", "lastUpdated":
		if windowStart != "" {
			query.Set("lastUpdatedStartDate", windowStart)
		}
		if windowEnd != "" {
			query.Set("lastUpdatedEndDate", windowEnd)
		}
	case "enrollmentDate":
		if windowStart != "" {
			query.Set("programStartDate", windowStart)
		}
		if windowEnd != "" {
			query.Set("programEndDate", windowEnd)
		}
	default:
		if windowStart != "" {
			query.Add("filter", dateAttribute+":GE:"+windowStart)
		}
		if windowEnd != "" {
			query.Add("filter", dateAttribute+":LE:"+windowEnd)
		}
	}

	data, err := c.do(ctx, http.MethodGet, "trackedEntityInstances", query, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		TrackedEntityInstances []Object `json:"trackedEntityInstances"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode tracked entity instances: %w", err)
	}
	return payload.TrackedEntityInstances, nil
}

// CountTrackedEntitiesSince returns the pager total of TEIs updated
// after the given instant.
func (c *Client) CountTrackedEntitiesSince(ctx context.Context, since time.Time) (int, error) {
	query := url.Values{}
	query.Set("lastUpdatedStartDate", since.UTC().Format("2006-01-02"))
	query.Set("pageSize", "1")
	query.Set("totalPages", "true")
	query.Set("ouMode", "ACCESSIBLE")

	data, err := c.do(ctx, http.MethodGet, "trackedEntityInstances", query, nil)
	if err != nil {
		return 0, err
	}

	var payload struct {
		Pager                  Pager    `json:"pager"`
		TrackedEntityInstances []Object `json:"trackedEntityInstances"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("failed to decode tracked entity pager: %w", err)
	}
	if payload.Pager.Total > 0 {
		return payload.Pager.Total, nil
	}
	return len(payload.TrackedEntityInstances), nil
}

// ImportTrackerBundle posts one bundle to the tracker endpoint. When the
// endpoint rejects the call (older server versions), it falls back to the
// three sequential legacy imports and synthesizes a bundle report.
func (c *Client) ImportTrackerBundle(ctx context.Context, bundle *TrackerBundle, strategy models.ImportStrategy) (*TrackerReport, error) {
	query := url.Values{}
	query.Set("importStrategy", string(strategy))
	query.Set("atomicMode", "NONE")
	query.Set("async", "false")

	data, err := c.do(ctx, http.MethodPost, "tracker", query, bundle)
	if err == nil {
		var report TrackerReport
		if decodeErr := json.Unmarshal(data, &report); decodeErr != nil {
			return nil, fmt.Errorf("failed to decode tracker report: %w", decodeErr)
		}
		return &report, nil
	}

	if IsAuthError(err) {
		return nil, err
	}

	c.logger.Warn().
		Err(err).
		Str("instance", c.instance.Name).
		Msg("Tracker endpoint unavailable, falling back to legacy imports")

	return c.importTrackerLegacy(ctx, bundle, strategy)
}

// importTrackerLegacy performs the three sequential legacy POSTs and
// wraps each result in the uniform bundle-report shape.
func (c *Client) importTrackerLegacy(ctx context.Context, bundle *TrackerBundle, strategy models.ImportStrategy) (*TrackerReport, error) {
	query := url.Values{}
	query.Set("importStrategy", string(strategy))
	query.Set("atomicMode", "NONE")

	report := &TrackerReport{Status: "OK"}
	report.BundleReport.TypeReportMap = map[string]struct {
		Stats typeReportStats `json:"stats"`
	}{}

	steps := []struct {
		bundleType string
		path       string
		key        string
		objects    []Object
	}{
		{"TRACKED_ENTITY", "trackedEntityInstances", "trackedEntityInstances", bundle.TrackedEntities},
		{"ENROLLMENT", "enrollments", "enrollments", bundle.Enrollments},
		{"EVENT", "events", "events", bundle.Events},
	}

	for _, step := range steps {
		if len(step.objects) == 0 {
			continue
		}
		data, err := c.do(ctx, http.MethodPost, step.path, query, Object{step.key: step.objects})
		if err != nil {
			return nil, fmt.Errorf("legacy %s import failed: %w", step.path, err)
		}
		parsed, err := ParseImportReport(data)
		if err != nil {
			return nil, err
		}
		stats := parsed.Stats()
		report.BundleReport.TypeReportMap[step.bundleType] = struct {
			Stats typeReportStats `json:"stats"`
		}{Stats: typeReportStats{
			Created: stats.Created,
			Updated: stats.Updated,
			Ignored: stats.Ignored,
			Deleted: stats.Deleted,
		}}
	}

	return report, nil
}

// HasDataValueAudits probes the audit endpoint once; callers remember the
// answer per instance.
func (c *Client) HasDataValueAudits(ctx context.Context) (bool, error) {
	query := url.Values{}
	query.Set("pageSize", "1")

	_, err := c.do(ctx, http.MethodGet, "dataValueAudits", query, nil)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CountDataValueAuditsSince returns the pager total of data value audit
// entries recorded after the given instant.
func (c *Client) CountDataValueAuditsSince(ctx context.Context, since time.Time) (int, error) {
	query := url.Values{}
	query.Set("startDate", since.UTC().Format("2006-01-02"))
	query.Set("pageSize", "1")
	query.Set("paging", "true")

	data, err := c.do(ctx, http.MethodGet, "dataValueAudits", query, nil)
	if err != nil {
		return 0, err
	}

	var payload struct {
		Pager           Pager    `json:"pager"`
		DataValueAudits []Object `json:"dataValueAudits"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, fmt.Errorf("failed to decode data value audits: %w", err)
	}
	if payload.Pager.Total > 0 {
		return payload.Pager.Total, nil
	}
	return len(payload.DataValueAudits), nil
}

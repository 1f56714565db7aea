package tracker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"resty.dev/v3"

	"github.com/vk/bulkforge/internal/ctxlog"
	"github.com/vk/bulkforge/internal/spec"
)

// API is the remote protocol boundary the execution engine dispatches to.
type API interface {
	// Create provisions a record and returns its remote key.
	Create(ctx context.Context, kind spec.Kind, f Fields) (string, error)
	// Link relates two remote keys, trying typeCandidates left-to-right.
	// It returns the link-type name the remote system accepted.
	Link(ctx context.Context, sourceKey, targetKey string, typeCandidates []string) (string, error)
	// SetField writes a single field on an existing record.
	SetField(ctx context.Context, key, fieldName, value string) error
}

// Fields carries the outbound payload for a create call. Values are
// sanitized here, not by callers.
type Fields struct {
	Project     string
	Summary     string
	Description string
	EpicKey     string
	ParentKey   string
	Labels      []string
}

// issueTypeNames maps the closed spec kinds to the remote type names the
// original data set uses.
var issueTypeNames = map[spec.Kind]string{
	spec.Feature: "New Feature",
	spec.Story:   "Story",
	spec.SubTask: "Sub-task",
}

// Config configures the HTTP client. Zero values fall back to defaults.
type Config struct {
	BaseURL  string
	Email    string
	APIToken string

	// MaxAttempts is the total attempt ceiling per call, backoff included.
	MaxAttempts int
	// BackoffBase is the initial retry wait; resty grows it exponentially
	// up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// AttemptTimeout bounds each individual attempt. Exceeding it counts as
	// a transient failure for retry purposes.
	AttemptTimeout time.Duration

	// RequestsPerSecond is the process-wide rate budget shared by all
	// branches, so one branch's retries cannot starve the others.
	RequestsPerSecond float64
}

const (
	defaultMaxAttempts    = 5
	defaultBackoffBase    = 500 * time.Millisecond
	defaultBackoffMax     = 15 * time.Second
	defaultAttemptTimeout = 45 * time.Second
	defaultRPS            = 4.0
)

var (
	schemeRE  = regexp.MustCompile(`(?i)^https?://`)
	apiRootRE = regexp.MustCompile(`(?i)/rest/api/[23]/?$`)
)

// Client implements API against the tracker REST surface.
type Client struct {
	http     *resty.Client
	limiter  *rate.Limiter
	attempts int

	mu           sync.Mutex
	fieldIDs     map[string]string
	fieldsLoaded bool
	linkTypes    []linkTypeEntry
}

type linkTypeEntry struct {
	Name    string `json:"name"`
	Inward  string `json:"inward"`
	Outward string `json:"outward"`
}

// New builds a Client. The base URL may be the site root or the REST root;
// both are normalized the same way.
func New(cfg Config) (*Client, error) {
	base := spec.CleanLine(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("tracker: base URL is required")
	}
	if !schemeRE.MatchString(base) {
		base = "https://" + base
	}
	base = strings.TrimRight(apiRootRE.ReplaceAllString(base, ""), "/")

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRPS
	}

	httpClient := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.AttemptTimeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.MaxAttempts - 1).
		SetRetryWaitTime(cfg.BackoffBase).
		SetRetryMaxWaitTime(cfg.BackoffMax).
		AddRetryConditions(func(res *resty.Response, err error) bool {
			if errors.Is(err, context.Canceled) {
				return false
			}
			if err != nil {
				return true
			}
			return transientStatus(res.StatusCode())
		})

	if cfg.Email != "" || cfg.APIToken != "" {
		token := base64.StdEncoding.EncodeToString([]byte(cfg.Email + ":" + cfg.APIToken))
		httpClient.SetHeader("Authorization", "Basic "+token)
	}

	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		http:     httpClient,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		attempts: cfg.MaxAttempts,
		fieldIDs: make(map[string]string),
	}, nil
}

// Close releases the underlying HTTP client resources.
func (c *Client) Close() error {
	return c.http.Close()
}

func transientStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}

// do executes one logical call. Backoff retries happen inside resty; what
// comes back here is the final outcome, classified into the error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	op := method + " " + path
	res, err := req.Execute(method, path)
	if err != nil {
		if ctx.Err() != nil {
			// The caller aborted; the context error must come back
			// undisguised, not reclassified as a remote failure.
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		return &TransientError{Op: op, Attempts: c.attempts, Err: err}
	}
	if res.IsError() {
		code := res.StatusCode()
		if transientStatus(code) {
			return &TransientError{
				Op:       op,
				Attempts: c.attempts,
				Err:      fmt.Errorf("status %d: %s", code, snippet(res.String())),
			}
		}
		return &PermanentError{Op: op, StatusCode: code, Message: snippet(res.String())}
	}
	return nil
}

// Create implements API.
func (c *Client) Create(ctx context.Context, kind spec.Kind, f Fields) (string, error) {
	typeName, ok := issueTypeNames[kind]
	if !ok {
		return "", fmt.Errorf("tracker: no remote type for kind %q", string(kind))
	}

	fields := map[string]any{
		"project":     map[string]string{"key": spec.CleanKey(f.Project)},
		"issuetype":   map[string]string{"name": typeName},
		"summary":     spec.CleanLine(f.Summary),
		"description": spec.EnsureBullets(f.Description),
	}
	if labels := cleanLabels(f.Labels); len(labels) > 0 {
		fields["labels"] = labels
	}
	if f.ParentKey != "" {
		fields["parent"] = map[string]string{"key": spec.CleanKey(f.ParentKey)}
	}
	if f.EpicKey != "" {
		epicField, err := c.fieldID(ctx, "Epic Link")
		if err != nil {
			return "", err
		}
		fields[epicField] = spec.CleanKey(f.EpicKey)
	}

	var created struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, "POST", "/rest/api/3/issue", map[string]any{"fields": fields}, &created); err != nil {
		return "", err
	}
	key := spec.CleanKey(created.Key)
	if key == "" {
		return "", &PermanentError{Op: "POST /rest/api/3/issue", StatusCode: 200, Message: "create response did not contain a record key"}
	}
	ctxlog.FromContext(ctx).Debug("Created remote record.", "kind", string(kind), "key", key)
	return key, nil
}

// SetField implements API. The field is addressed by display name and
// resolved through the instance's field catalog. Values that the remote
// side rejects are retried with progressively plainer variants, because
// criteria text pasted out of spreadsheets trips strict field validators.
func (c *Client) SetField(ctx context.Context, key, fieldName, value string) error {
	fieldID, err := c.fieldID(ctx, fieldName)
	if err != nil {
		return err
	}
	path := "/rest/api/3/issue/" + spec.CleanKey(key)

	variants := []string{
		spec.CleanText(value),
		spec.CleanLine(value),
		strings.NewReplacer(`"`, "", "'", "").Replace(spec.CleanText(value)),
	}
	seen := make(map[string]bool)
	var lastErr error
	for _, v := range variants {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true

		err := c.do(ctx, "PUT", path, map[string]any{"fields": map[string]string{fieldID: v}}, nil)
		if err == nil {
			return nil
		}
		if !IsPermanent(err) {
			return err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = &PermanentError{Op: "PUT " + path, Message: "no usable value variants"}
	}
	return fmt.Errorf("set field %q on %s: %w", fieldName, key, lastErr)
}

// Link implements API. Candidates are resolved against the instance's
// link-type catalog first, then tried in order; the first accepted name
// wins. Only permanent rejections advance to the next candidate.
func (c *Client) Link(ctx context.Context, sourceKey, targetKey string, typeCandidates []string) (string, error) {
	source := spec.CleanKey(sourceKey)
	target := spec.CleanKey(targetKey)

	var names []string
	seen := make(map[string]bool)
	for _, candidate := range typeCandidates {
		for _, name := range c.resolveLinkType(ctx, candidate) {
			if name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		return "", &LinkTypeMismatchError{SourceKey: source, TargetKey: target}
	}

	var tried []string
	for _, name := range names {
		body := map[string]any{
			"type":         map[string]string{"name": name},
			"inwardIssue":  map[string]string{"key": source},
			"outwardIssue": map[string]string{"key": target},
		}
		err := c.do(ctx, "POST", "/rest/api/3/issueLink", body, nil)
		if err == nil {
			ctxlog.FromContext(ctx).Debug("Linked records.", "source", source, "target", target, "linkType", name)
			return name, nil
		}
		if !IsPermanent(err) {
			return "", err
		}
		tried = append(tried, name)
	}
	return "", &LinkTypeMismatchError{SourceKey: source, TargetKey: target, Tried: tried}
}

// resolveLinkType maps a preferred name onto the catalog's canonical name,
// matching against name, inward and outward descriptions. The cleaned
// candidate itself is kept as a fallback in case the catalog fetch failed or
// the caller already holds a valid name.
func (c *Client) resolveLinkType(ctx context.Context, preferred string) []string {
	cleaned := spec.CleanLine(preferred)
	lowered := strings.ToLower(cleaned)

	types, err := c.loadLinkTypes(ctx)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Link-type catalog unavailable, using candidate as-is.", "error", err)
		return []string{cleaned}
	}
	for _, entry := range types {
		if lowered == strings.ToLower(spec.CleanLine(entry.Name)) ||
			lowered == strings.ToLower(spec.CleanLine(entry.Inward)) ||
			lowered == strings.ToLower(spec.CleanLine(entry.Outward)) {
			if resolved := spec.CleanLine(entry.Name); resolved != cleaned {
				return []string{resolved, cleaned}
			}
			return []string{cleaned}
		}
	}
	return []string{cleaned}
}

func (c *Client) loadLinkTypes(ctx context.Context) ([]linkTypeEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.linkTypes != nil {
		return c.linkTypes, nil
	}

	var out struct {
		IssueLinkTypes []linkTypeEntry `json:"issueLinkTypes"`
	}
	if err := c.do(ctx, "GET", "/rest/api/3/issueLinkType", nil, &out); err != nil {
		return nil, err
	}
	c.linkTypes = out.IssueLinkTypes
	if c.linkTypes == nil {
		c.linkTypes = []linkTypeEntry{}
	}
	return c.linkTypes, nil
}

// fieldID resolves a field's display name to its id via the field catalog.
// The catalog is fetched once per client and cached.
func (c *Client) fieldID(ctx context.Context, name string) (string, error) {
	lowered := strings.ToLower(spec.CleanLine(name))

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.fieldsLoaded {
		var catalog []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := c.do(ctx, "GET", "/rest/api/3/field", nil, &catalog); err != nil {
			return "", err
		}
		for _, f := range catalog {
			c.fieldIDs[strings.ToLower(spec.CleanLine(f.Name))] = f.ID
		}
		c.fieldsLoaded = true
	}

	id, ok := c.fieldIDs[lowered]
	if !ok {
		return "", &PermanentError{Op: "GET /rest/api/3/field", Message: fmt.Sprintf("field not found: %s", name)}
	}
	return id, nil
}

func cleanLabels(labels []string) []string {
	var out []string
	for _, l := range labels {
		if cleaned := spec.CleanLine(l); cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}

// snippet truncates a response body for error messages.
func snippet(body string) string {
	body = strings.TrimSpace(body)
	if len(body) > 300 {
		return body[:300] + "..."
	}
	return body
}

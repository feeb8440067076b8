package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mcclowes/reqon/internal/oas"
	"github.com/mcclowes/reqon/internal/persistence"
	"github.com/mcclowes/reqon/internal/resilience"
	"github.com/mcclowes/reqon/pkg/execution"
	"github.com/mcclowes/reqon/pkg/mission"
)

// statusBodyLimit bounds how much of an error response body is kept on a
// StatusError.
const statusBodyLimit = 512

// Request describes one fetch against a mission source. Query values
// arrive pre-evaluated; path placeholders of the form {name} are filled
// from matching query parameters.
type Request struct {
	Source string

	// Operation names an OpenAPI operation id; Method and Path are the
	// explicit alternative.
	Operation string
	Method    string
	Path      string

	Query map[string]string
	Body  any

	// Pagination overrides the source's default for this request.
	Pagination *mission.Pagination

	// CheckpointKey and SinceParam opt the request into incremental
	// syncing, mirroring the fetch step fields.
	CheckpointKey string
	SinceParam    string
}

// Result is the aggregated outcome of one fetch: every page's items in
// order, the last decoded response, and the page count.
type Result struct {
	Items    []any
	Response any
	Pages    int
}

// Config assembles an Orchestrator. Zero fields get working defaults:
// a 30s-timeout client, a no-op observer, a fresh spec registry and the
// default retry policy.
type Config struct {
	Mission     *mission.Mission
	Client      *http.Client
	Checkpoints persistence.SyncCheckpointStore
	Specs       *oas.Registry
	Observer    execution.Observer
	Logger      *zap.Logger
	Retry       execution.RetryPolicy
}

// Orchestrator executes fetch requests against mission sources. Each
// source gets its own circuit breaker, adaptive rate limiter and
// authenticator; the breaker is consulted before the limiter, and the
// limiter before the transport.
type Orchestrator struct {
	mission     *mission.Mission
	client      *http.Client
	checkpoints persistence.SyncCheckpointStore
	specs       *oas.Registry
	observer    execution.Observer
	logger      *zap.Logger
	retry       execution.RetryPolicy

	mu       sync.Mutex
	breakers map[string]*resilience.Breaker
	limiters map[string]*resilience.Limiter
	auths    map[string]*Authenticator
}

// NewOrchestrator builds an orchestrator for one mission.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Observer == nil {
		cfg.Observer = execution.NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Specs == nil {
		cfg.Specs = oas.NewRegistry(cfg.Logger)
	}
	return &Orchestrator{
		mission:     cfg.Mission,
		client:      cfg.Client,
		checkpoints: cfg.Checkpoints,
		specs:       cfg.Specs,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		retry:       cfg.Retry.Normalized(),
		breakers:    make(map[string]*resilience.Breaker),
		limiters:    make(map[string]*resilience.Limiter),
		auths:       make(map[string]*Authenticator),
	}
}

// LoadSpecs loads the OpenAPI document of every source that declares one.
// Already-loaded sources are skipped, so repeated calls are cheap.
func (o *Orchestrator) LoadSpecs(ctx context.Context) error {
	for name, src := range o.mission.Sources {
		if src.SpecFile == "" || o.specs.Loaded(name) {
			continue
		}
		if err := o.specs.Load(ctx, name, src.SpecFile); err != nil {
			return fmt.Errorf("load spec for source %q: %w", name, err)
		}
	}
	return nil
}

// Fetch runs one request to completion: operation resolution, incremental
// since lookup, pagination, per-request resilience and retry, and the
// sync checkpoint write-back.
func (o *Orchestrator) Fetch(ctx context.Context, req Request) (*Result, error) {
	src, ok := o.mission.Sources[req.Source]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", req.Source)
	}

	op, err := o.resolveOperation(req)
	if err != nil {
		return nil, err
	}
	endpoint := op.label()

	pagCfg := paginationConfig(src, req)
	strategy := NewStrategy(pagCfg)
	maxPages := MaxPages(pagCfg)

	sinceParam, checkpointKey := sinceKey(src, req, op)
	since := o.lastSynced(ctx, checkpointKey)

	start := time.Now()
	o.observer.OnFetchStart(ctx, req.Source, endpoint)

	var (
		items    []any
		response any
		pages    int
	)
	pctx := PageContext{PageSize: PageSize(pagCfg)}
	for {
		query := strategy.BuildQuery(pctx)
		for k, v := range req.Query {
			query.Set(k, v)
		}
		if sinceParam != "" && !since.IsZero() {
			query.Set(sinceParam, since.UTC().Format(time.RFC3339))
		}

		page, err := o.doRequest(ctx, src, req.Source, endpoint, op, query, req.Body)
		if err != nil {
			o.observer.OnFetchCompleted(ctx, req.Source, endpoint, pages, len(items), err, time.Since(start))
			return nil, err
		}
		response = page
		pages++

		res := strategy.ExtractResults(page, pctx)
		items = append(items, res.Items...)
		if !res.HasMore {
			break
		}
		if pages >= maxPages {
			o.logger.Warn("pagination ceiling reached, stopping fetch",
				zap.String("source", req.Source),
				zap.String("endpoint", endpoint),
				zap.Int("pages", pages))
			break
		}
		pctx.Page++
		pctx.Cursor = res.NextCursor
	}

	o.recordCheckpoint(ctx, req.Source, endpoint, checkpointKey, len(items), start)
	o.observer.OnFetchCompleted(ctx, req.Source, endpoint, pages, len(items), nil, time.Since(start))
	return &Result{Items: items, Response: response, Pages: pages}, nil
}

// BreakerState reports the circuit state for a source, for status
// surfaces. Sources never fetched from report a closed circuit.
func (o *Orchestrator) BreakerState(source string) resilience.BreakerState {
	o.mu.Lock()
	b, ok := o.breakers[source]
	o.mu.Unlock()
	if !ok {
		return resilience.BreakerClosed
	}
	return b.State()
}

// operation is a resolved method + path pair.
type operation struct {
	id     string
	method string
	path   string
}

func (op operation) label() string {
	if op.id != "" {
		return op.id
	}
	return op.method + " " + op.path
}

func (o *Orchestrator) resolveOperation(req Request) (operation, error) {
	if req.Operation != "" {
		resolved, err := o.specs.Resolve(req.Source, req.Operation)
		if err != nil {
			return operation{}, err
		}
		if missing := missingRequiredParams(resolved, req.Query); len(missing) > 0 {
			return operation{}, fmt.Errorf("operation %q requires query parameters %s",
				req.Operation, strings.Join(missing, ", "))
		}
		return operation{id: req.Operation, method: resolved.Method, path: resolved.Path}, nil
	}
	if req.Path == "" {
		return operation{}, fmt.Errorf("fetch from %q needs an operation id or a path", req.Source)
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	return operation{method: method, path: req.Path}, nil
}

func missingRequiredParams(op oas.Operation, query map[string]string) []string {
	var missing []string
	for _, p := range op.QueryParams {
		if p.Required && query[p.Name] == "" {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

// paginationConfig prefers the request's override, then the source
// default, then single-page.
func paginationConfig(src mission.Source, req Request) mission.Pagination {
	if req.Pagination != nil {
		return *req.Pagination
	}
	if src.Pagination != nil {
		return *src.Pagination
	}
	return mission.Pagination{}
}

// sinceKey decides whether the request syncs incrementally, and under
// which checkpoint key and query parameter. An explicit checkpoint key
// opts in; so does a step-level since parameter, which derives the key
// from the operation.
func sinceKey(src mission.Source, req Request, op operation) (param, key string) {
	if req.CheckpointKey == "" && req.SinceParam == "" {
		return "", ""
	}
	param = req.SinceParam
	if param == "" {
		param = src.SinceParam
	}
	if param == "" {
		param = "since"
	}
	key = req.CheckpointKey
	if key == "" {
		key = req.Source + ":" + op.method + ":" + op.path
	}
	return param, key
}

func (o *Orchestrator) lastSynced(ctx context.Context, key string) time.Time {
	if key == "" || o.checkpoints == nil {
		return time.Time{}
	}
	cp, err := o.checkpoints.GetCheckpoint(ctx, key)
	if errors.Is(err, persistence.ErrCheckpointNotFound) {
		return time.Time{}
	}
	if err != nil {
		o.logger.Warn("sync checkpoint lookup failed, fetching full history",
			zap.String("key", key), zap.Error(err))
		return time.Time{}
	}
	return cp.LastSyncedAt
}

// recordCheckpoint advances the sync watermark to the fetch start time,
// so records changed mid-fetch are seen again next run rather than lost.
func (o *Orchestrator) recordCheckpoint(ctx context.Context, source, endpoint, key string, records int, start time.Time) {
	if key == "" || o.checkpoints == nil {
		return
	}
	cp := execution.SyncCheckpoint{
		Key:          key,
		Source:       source,
		Operation:    endpoint,
		LastSyncedAt: start.UTC(),
		RecordCount:  records,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := o.checkpoints.PutCheckpoint(ctx, cp); err != nil {
		o.logger.Warn("sync checkpoint save failed",
			zap.String("key", key), zap.Error(err))
		return
	}
	o.observer.OnSyncCheckpoint(ctx, cp)
}

// doRequest issues one page request with retry. Only retryable failures
// re-attempt; backoff grows per the policy between attempts.
func (o *Orchestrator) doRequest(ctx context.Context, src mission.Source, source, endpoint string, op operation, query url.Values, body any) (any, error) {
	policy := o.retry
	backoff := policy.InitialBackoff
	var lastErr error

	for attempt := 1; ; attempt++ {
		response, err := o.attempt(ctx, src, source, endpoint, op, query, body)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if attempt >= policy.MaxAttempts || !resilience.IsRetryable(err) {
			return nil, lastErr
		}
		o.logger.Warn("fetch attempt failed, retrying",
			zap.String("source", source),
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		if backoff > 0 {
			delay := backoff
			if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
				delay = policy.MaxBackoff
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			next := time.Duration(float64(backoff) * policy.BackoffMultiplier)
			if policy.MaxBackoff > 0 && next > policy.MaxBackoff {
				backoff = policy.MaxBackoff
			} else {
				backoff = next
			}
		}
	}
}

// attempt issues exactly one HTTP request: breaker, then limiter, then
// transport. Limiter refusals do not count as breaker failures.
func (o *Orchestrator) attempt(ctx context.Context, src mission.Source, source, endpoint string, op operation, query url.Values, body any) (any, error) {
	breaker := o.breaker(source, src)
	limiter := o.limiter(source, src)

	if err := breaker.Allow(); err != nil {
		return nil, err
	}
	if err := limiter.Acquire(ctx, endpoint); err != nil {
		return nil, err
	}

	httpReq, err := o.buildHTTPRequest(ctx, src, source, op, query, body)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		breaker.RecordFailure(err.Error())
		return nil, fmt.Errorf("fetch %s %s: %w", source, endpoint, err)
	}
	defer resp.Body.Close()

	limiter.Observe(resp.StatusCode, resp.Header)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		breaker.RecordFailure(err.Error())
		return nil, fmt.Errorf("read response from %s: %w", source, err)
	}

	if resp.StatusCode >= 400 {
		statusErr := &resilience.StatusError{
			Source:     source,
			Method:     op.method,
			URL:        httpReq.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       truncate(data, statusBodyLimit),
		}
		breaker.RecordFailure(statusErr.Error())
		return nil, statusErr
	}
	breaker.RecordSuccess()

	if len(data) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode response from %s %s: %w", source, endpoint, err)
	}
	return decoded, nil
}

func (o *Orchestrator) buildHTTPRequest(ctx context.Context, src mission.Source, source string, op operation, query url.Values, body any) (*http.Request, error) {
	base := src.BaseURL
	if base == "" {
		base, _ = o.specs.BaseURL(source)
	}
	if base == "" {
		return nil, fmt.Errorf("source %q has no base URL", source)
	}

	path := fillPathParams(op.path, query)
	full := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
	u, err := url.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("bad URL for %s: %w", source, err)
	}
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body for %s: %w", source, err)
		}
		reader = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, op.method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range src.Headers {
		httpReq.Header.Set(k, v)
	}
	if err := o.auth(source, src).Apply(ctx, httpReq); err != nil {
		return nil, fmt.Errorf("authenticate request to %s: %w", source, err)
	}
	return httpReq, nil
}

// fillPathParams substitutes {name} segments from matching query
// parameters, consuming them so they are not sent twice.
func fillPathParams(path string, query url.Values) string {
	if !strings.Contains(path, "{") {
		return path
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		name, ok := strings.CutPrefix(seg, "{")
		if !ok {
			continue
		}
		name, ok = strings.CutSuffix(name, "}")
		if !ok || !query.Has(name) {
			continue
		}
		segments[i] = url.PathEscape(query.Get(name))
		query.Del(name)
	}
	return strings.Join(segments, "/")
}

func truncate(data []byte, limit int) string {
	if len(data) <= limit {
		return string(data)
	}
	return string(data[:limit]) + "..."
}

func (o *Orchestrator) breaker(name string, src mission.Source) *resilience.Breaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if b, ok := o.breakers[name]; ok {
		return b
	}
	var cfg mission.CircuitBreaker
	if src.CircuitBreaker != nil {
		cfg = *src.CircuitBreaker
	}
	b := resilience.NewBreaker(name, cfg, resilience.BreakerCallbacks{
		OnOpen: func(source string, failures int, reason string) {
			o.logger.Warn("circuit breaker opened",
				zap.String("source", source),
				zap.Int("failures", failures),
				zap.String("reason", reason))
		},
		OnHalfOpen: func(source string) {
			o.logger.Info("circuit breaker half-open", zap.String("source", source))
		},
		OnClose: func(source string) {
			o.logger.Info("circuit breaker closed", zap.String("source", source))
		},
		OnReject: func(source string, retryIn time.Duration) {
			o.logger.Debug("circuit breaker rejected request",
				zap.String("source", source),
				zap.Duration("retryIn", retryIn))
		},
	})
	o.breakers[name] = b
	return b
}

// limiter returns the source's limiter, building one on first use. An
// unconfigured source still gets a limiter so 429 responses are honored.
func (o *Orchestrator) limiter(name string, src mission.Source) *resilience.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.limiters[name]; ok {
		return l
	}
	var cfg mission.RateLimit
	if src.RateLimit != nil {
		cfg = *src.RateLimit
	}
	l := resilience.NewLimiter(name, cfg, resilience.LimiterCallbacks{
		OnWait: func(info resilience.WaitInfo) {
			o.logger.Info("rate limited, waiting",
				zap.String("source", info.Source),
				zap.String("endpoint", info.Endpoint),
				zap.Duration("remaining", info.Remaining))
		},
		OnProgress: func(info resilience.WaitInfo) {
			o.logger.Info("still rate limited",
				zap.String("source", info.Source),
				zap.Duration("elapsed", info.Elapsed),
				zap.Duration("remaining", info.Remaining))
		},
		OnResume: func(info resilience.WaitInfo) {
			o.logger.Info("rate limit cleared, resuming",
				zap.String("source", info.Source),
				zap.Duration("waited", info.Elapsed))
		},
	})
	o.limiters[name] = l
	return l
}

func (o *Orchestrator) auth(name string, src mission.Source) *Authenticator {
	o.mu.Lock()
	defer o.mu.Unlock()
	if a, ok := o.auths[name]; ok {
		return a
	}
	var cfg mission.Auth
	if src.Auth != nil {
		cfg = *src.Auth
	}
	a := NewAuthenticator(cfg)
	o.auths[name] = a
	return a
}

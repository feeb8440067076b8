package mission

import (
	"strings"
	"time"
)

// Mission is an immutable pipeline definition: named sources, stores,
// schemas, transforms and actions, plus an ordered pipeline of stages.
// A Mission is loaded once per execution and never mutated by the engine.
type Mission struct {
	Name    string
	Version string

	Sources    map[string]Source
	Stores     map[string]StoreDef
	Schemas    map[string]Schema
	Transforms map[string]Transform
	Actions    map[string]Action

	Pipeline []Stage
}

// Action is a named, ordered list of steps. Actions are referenced by name
// from stages and from jump flow directives.
type Action struct {
	Name  string
	Steps []Step
}

// Stage is one pipeline position: a single action, or a set of actions to
// run concurrently. An optional guard condition decides whether the stage
// runs at all; a false guard marks it skipped, which counts as progress.
type Stage struct {
	Action   string
	Parallel []string
	When     Expr
}

// Actions returns the action names this stage runs.
func (s Stage) Actions() []string {
	if len(s.Parallel) > 0 {
		return s.Parallel
	}
	return []string{s.Action}
}

// IsParallel reports whether the stage runs more than one action concurrently.
func (s Stage) IsParallel() bool { return len(s.Parallel) > 0 }

// Label is the stage's display name: the action name, or the parallel
// action names joined with "+".
func (s Stage) Label() string {
	if s.IsParallel() {
		return strings.Join(s.Parallel, "+")
	}
	return s.Action
}

// Source describes one named HTTP API the mission fetches from.
type Source struct {
	Name    string
	BaseURL string
	Headers map[string]string
	Auth    *Auth

	// SpecFile points at an OpenAPI document (path or URL) used to resolve
	// fetch steps that reference an operation id instead of method+path.
	SpecFile string

	// SinceParam is the default query parameter name used for incremental
	// fetches against this source. Empty means "since".
	SinceParam string

	Pagination     *Pagination
	RateLimit      *RateLimit
	CircuitBreaker *CircuitBreaker
}

// AuthKind selects how requests to a source are authenticated.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthAPIKey AuthKind = "api-key"
	AuthBearer AuthKind = "bearer"
	AuthBasic  AuthKind = "basic"
	AuthOAuth2 AuthKind = "oauth2"
)

// Auth configures per-source request authentication. Secret-valued fields
// accept the literal value or an "env:NAME" reference resolved at request
// time.
type Auth struct {
	Kind AuthKind

	// Header is the header name for api-key auth. Empty means "X-API-Key".
	Header string
	// Token is the api-key or bearer token value.
	Token string

	Username string
	Password string

	// OAuth2 client-credentials settings.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// PaginationKind selects the paging strategy for a source or fetch step.
type PaginationKind string

const (
	PaginationNone   PaginationKind = "none"
	PaginationOffset PaginationKind = "offset"
	PaginationPage   PaginationKind = "page"
	PaginationCursor PaginationKind = "cursor"
)

// Pagination configures how multi-page fetches build queries and read
// responses. Zero-valued fields fall back to strategy defaults.
type Pagination struct {
	Kind     PaginationKind
	PageSize int

	// PageParam is the query parameter carrying the page number (page kind)
	// or the item offset (offset kind).
	PageParam string
	// SizeParam is the query parameter carrying the page size.
	SizeParam string

	// CursorParam is the query parameter the next-page cursor is sent in;
	// CursorPath is the dotted response path the cursor is read from.
	CursorParam string
	CursorPath  string

	// ItemsPath optionally names the response field holding the page's
	// items. When empty, the first array-valued field found wins.
	ItemsPath string

	// MaxPages caps pagination defensively. Zero means 100.
	MaxPages int
}

// RateLimitStrategy selects what a fetch does when a source is rate limited.
type RateLimitStrategy string

const (
	// RateLimitPause blocks the calling fetch until the wait window clears.
	RateLimitPause RateLimitStrategy = "pause"
	// RateLimitThrottle spaces requests to a requests-per-minute budget.
	RateLimitThrottle RateLimitStrategy = "throttle"
	// RateLimitFail raises immediately instead of waiting.
	RateLimitFail RateLimitStrategy = "fail"
)

// RateLimit configures the adaptive rate limiter for one source.
type RateLimit struct {
	Strategy          RateLimitStrategy
	RequestsPerMinute int
	// MaxWait caps a single rate-limited wait. Zero means no cap.
	MaxWait time.Duration
	// ProgressInterval is the cadence of "still waiting" callbacks during a
	// wait. Zero means 5s.
	ProgressInterval time.Duration
}

// CircuitBreaker configures the per-source circuit breaker.
type CircuitBreaker struct {
	// FailureThreshold opens the circuit once this many failures land
	// within FailureWindow. Zero means 5.
	FailureThreshold int
	// FailureWindow is the rolling window failures are counted in.
	// Zero means 60s.
	FailureWindow time.Duration
	// ResetTimeout is how long an open circuit rejects calls before moving
	// to half-open. Zero means 30s.
	ResetTimeout time.Duration
	// SuccessThreshold closes a half-open circuit after this many
	// consecutive successful trial calls. Zero means 1.
	SuccessThreshold int
}

// StoreKind selects the adapter backing a destination store.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreFile   StoreKind = "file"
	StoreSQLite StoreKind = "sqlite"
	StoreS3     StoreKind = "s3"
)

// StoreDef describes one named destination store records are written to.
type StoreDef struct {
	Name string
	Kind StoreKind

	// Path is the directory (file kind) or database path (sqlite kind).
	Path string

	// S3 settings.
	Endpoint  string
	Bucket    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// FieldType is the declared type of a schema field.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInt     FieldType = "int"
	FieldDecimal FieldType = "decimal"
	FieldBool    FieldType = "bool"
	FieldDate    FieldType = "date"
	FieldArray   FieldType = "array"
	// FieldAny matches any present value. Union, generator and expression
	// field types from mission documents all map here.
	FieldAny FieldType = "any"
)

// Schema declares the shape a runtime value is matched against. Matching is
// open-world: unknown extra fields are always permitted.
type Schema struct {
	Name   string
	Fields map[string]Field
}

// Field is one declared schema field.
type Field struct {
	Type     FieldType
	Optional bool
}

// Transform is a named, ordered set of field mappings. Applying a transform
// builds a new record from the mapped expressions.
type Transform struct {
	Name   string
	Fields []FieldMapping
}

// FieldMapping maps one output field to an expression over the input.
type FieldMapping struct {
	Field string
	Expr  Expr
}

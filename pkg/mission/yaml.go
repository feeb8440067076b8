package mission

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFile reads and parses a mission document from disk.
func LoadFile(path string) (*Mission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mission: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML mission document into a resolved Mission. All
// problems found are reported together, not just the first.
func Parse(data []byte) (*Mission, error) {
	var doc missionDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode mission: %w", err)
	}
	c := &converter{}
	m := c.mission(&doc)
	if len(c.errs) > 0 {
		return nil, errors.Join(c.errs...)
	}
	return m, nil
}

type missionDoc struct {
	Name       string                  `yaml:"name"`
	Version    string                  `yaml:"version"`
	Sources    map[string]sourceDoc    `yaml:"sources"`
	Stores     map[string]storeDefDoc  `yaml:"stores"`
	Schemas    map[string]schemaDoc    `yaml:"schemas"`
	Transforms map[string]transformDoc `yaml:"transforms"`
	Actions    map[string]actionDoc    `yaml:"actions"`
	Pipeline   []stageDoc              `yaml:"pipeline"`
}

type sourceDoc struct {
	BaseURL        string             `yaml:"baseUrl"`
	Headers        map[string]string  `yaml:"headers"`
	Auth           *authDoc           `yaml:"auth"`
	Spec           string             `yaml:"spec"`
	SinceParam     string             `yaml:"sinceParam"`
	Pagination     *paginationDoc     `yaml:"pagination"`
	RateLimit      *rateLimitDoc      `yaml:"rateLimit"`
	CircuitBreaker *circuitBreakerDoc `yaml:"circuitBreaker"`
}

type authDoc struct {
	Kind         string   `yaml:"kind"`
	Header       string   `yaml:"header"`
	Token        string   `yaml:"token"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	TokenURL     string   `yaml:"tokenUrl"`
	ClientID     string   `yaml:"clientId"`
	ClientSecret string   `yaml:"clientSecret"`
	Scopes       []string `yaml:"scopes"`
}

type paginationDoc struct {
	Kind        string `yaml:"kind"`
	PageSize    int    `yaml:"pageSize"`
	PageParam   string `yaml:"pageParam"`
	SizeParam   string `yaml:"sizeParam"`
	CursorParam string `yaml:"cursorParam"`
	CursorPath  string `yaml:"cursorPath"`
	ItemsPath   string `yaml:"itemsPath"`
	MaxPages    int    `yaml:"maxPages"`
}

type rateLimitDoc struct {
	Strategy          string   `yaml:"strategy"`
	RequestsPerMinute int      `yaml:"requestsPerMinute"`
	MaxWait           duration `yaml:"maxWait"`
	ProgressInterval  duration `yaml:"progressInterval"`
}

type circuitBreakerDoc struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	FailureWindow    duration `yaml:"failureWindow"`
	ResetTimeout     duration `yaml:"resetTimeout"`
	SuccessThreshold int      `yaml:"successThreshold"`
}

type storeDefDoc struct {
	Kind      string `yaml:"kind"`
	Path      string `yaml:"path"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
}

type schemaDoc struct {
	Fields map[string]fieldDoc `yaml:"fields"`
}

// fieldDoc accepts either the compact scalar form (`name: string`,
// `age: int?` with a trailing marker for optional fields) or the mapping
// form (`name: {type: string, optional: true}`).
type fieldDoc struct {
	Type     string `yaml:"type"`
	Optional bool   `yaml:"optional"`
}

func (f *fieldDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s := node.Value
		if strings.HasSuffix(s, "?") {
			f.Optional = true
			s = strings.TrimSuffix(s, "?")
		}
		f.Type = s
		return nil
	}
	type plain fieldDoc
	return node.Decode((*plain)(f))
}

type transformDoc struct {
	Fields yaml.Node `yaml:"fields"`
}

type actionDoc struct {
	Steps []stepDoc `yaml:"steps"`
}

// stepDoc holds exactly one step kind per list entry:
//
//	steps:
//	  - fetch: {source: github, path: /user/repos}
//	  - let: {var: count, value: "length(response)"}
type stepDoc struct {
	Fetch    *fetchDoc    `yaml:"fetch"`
	For      *forDoc      `yaml:"for"`
	Map      *mapDoc      `yaml:"map"`
	Validate *validateDoc `yaml:"validate"`
	Store    *storeDoc    `yaml:"store"`
	Match    *matchDoc    `yaml:"match"`
	Let      *letDoc      `yaml:"let"`
	Apply    *applyDoc    `yaml:"apply"`
	Wait     *waitDoc     `yaml:"wait"`
}

type fetchDoc struct {
	Source        string            `yaml:"source"`
	Operation     string            `yaml:"operation"`
	Method        string            `yaml:"method"`
	Path          string            `yaml:"path"`
	Query         map[string]string `yaml:"query"`
	Body          string            `yaml:"body"`
	Pagination    *paginationDoc    `yaml:"pagination"`
	CheckpointKey string            `yaml:"checkpointKey"`
	SinceParam    string            `yaml:"sinceParam"`
	Into          string            `yaml:"into"`
}

type forDoc struct {
	Var       string    `yaml:"var"`
	In        string    `yaml:"in"`
	FromStore string    `yaml:"fromStore"`
	Where     string    `yaml:"where"`
	Steps     []stepDoc `yaml:"steps"`
}

type mapDoc struct {
	Fields yaml.Node `yaml:"fields"`
}

type validateDoc struct {
	Target string    `yaml:"target"`
	Rules  []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	Name     string `yaml:"name"`
	When     string `yaml:"when"`
	Severity string `yaml:"severity"`
	Message  string `yaml:"message"`
}

type storeDoc struct {
	To    string `yaml:"to"`
	Mode  string `yaml:"mode"`
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

type matchDoc struct {
	Input string         `yaml:"input"`
	Cases []matchCaseDoc `yaml:"cases"`
}

type matchCaseDoc struct {
	Schema string `yaml:"schema"`
	Then   string `yaml:"then"`
}

type letDoc struct {
	Var   string `yaml:"var"`
	Value string `yaml:"value"`
}

type applyDoc struct {
	Transform string `yaml:"transform"`
	Target    string `yaml:"target"`
}

type waitDoc struct {
	Path           string   `yaml:"path"`
	Timeout        duration `yaml:"timeout"`
	ExpectedEvents int      `yaml:"expectedEvents"`
}

type stageDoc struct {
	Action   string   `yaml:"action"`
	Parallel []string `yaml:"parallel"`
	When     string   `yaml:"when"`
}

// duration decodes a YAML scalar as a Go duration string ("30s", "5m") or a
// bare number of seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		v, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("bad duration %q: %w", s, perr)
		}
		*d = duration(v)
		return nil
	}
	var secs int64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("bad duration node")
	}
	*d = duration(time.Duration(secs) * time.Second)
	return nil
}

type converter struct {
	errs []error
}

func (c *converter) errorf(format string, args ...any) {
	c.errs = append(c.errs, fmt.Errorf(format, args...))
}

func (c *converter) expr(where, src string) Expr {
	if src == "" {
		return nil
	}
	e, err := ParseExpr(src)
	if err != nil {
		c.errorf("%s: %v", where, err)
		return nil
	}
	return e
}

func (c *converter) mission(doc *missionDoc) *Mission {
	m := &Mission{
		Name:       doc.Name,
		Version:    doc.Version,
		Sources:    map[string]Source{},
		Stores:     map[string]StoreDef{},
		Schemas:    map[string]Schema{},
		Transforms: map[string]Transform{},
		Actions:    map[string]Action{},
	}
	if m.Name == "" {
		c.errorf("mission: name is required")
	}
	for name, s := range doc.Sources {
		m.Sources[name] = c.source(name, s)
	}
	for name, s := range doc.Stores {
		m.Stores[name] = c.storeDef(name, s)
	}
	for name, s := range doc.Schemas {
		m.Schemas[name] = c.schema(name, s)
	}
	for name, t := range doc.Transforms {
		m.Transforms[name] = Transform{
			Name:   name,
			Fields: c.fieldMappings("transform "+name, t.Fields),
		}
	}
	for name, a := range doc.Actions {
		m.Actions[name] = Action{Name: name, Steps: c.steps("action "+name, a.Steps)}
	}
	for i, st := range doc.Pipeline {
		m.Pipeline = append(m.Pipeline, Stage{
			Action:   st.Action,
			Parallel: st.Parallel,
			When:     c.expr(fmt.Sprintf("pipeline[%d].when", i), st.When),
		})
	}
	return m
}

func (c *converter) source(name string, doc sourceDoc) Source {
	s := Source{
		Name:       name,
		BaseURL:    doc.BaseURL,
		Headers:    doc.Headers,
		SpecFile:   doc.Spec,
		SinceParam: doc.SinceParam,
	}
	if doc.BaseURL == "" {
		c.errorf("source %s: baseUrl is required", name)
	}
	if doc.Auth != nil {
		s.Auth = &Auth{
			Kind:         AuthKind(doc.Auth.Kind),
			Header:       doc.Auth.Header,
			Token:        doc.Auth.Token,
			Username:     doc.Auth.Username,
			Password:     doc.Auth.Password,
			TokenURL:     doc.Auth.TokenURL,
			ClientID:     doc.Auth.ClientID,
			ClientSecret: doc.Auth.ClientSecret,
			Scopes:       doc.Auth.Scopes,
		}
	}
	if doc.Pagination != nil {
		p := c.pagination(name, *doc.Pagination)
		s.Pagination = &p
	}
	if doc.RateLimit != nil {
		s.RateLimit = &RateLimit{
			Strategy:          RateLimitStrategy(doc.RateLimit.Strategy),
			RequestsPerMinute: doc.RateLimit.RequestsPerMinute,
			MaxWait:           time.Duration(doc.RateLimit.MaxWait),
			ProgressInterval:  time.Duration(doc.RateLimit.ProgressInterval),
		}
	}
	if doc.CircuitBreaker != nil {
		s.CircuitBreaker = &CircuitBreaker{
			FailureThreshold: doc.CircuitBreaker.FailureThreshold,
			FailureWindow:    time.Duration(doc.CircuitBreaker.FailureWindow),
			ResetTimeout:     time.Duration(doc.CircuitBreaker.ResetTimeout),
			SuccessThreshold: doc.CircuitBreaker.SuccessThreshold,
		}
	}
	return s
}

func (c *converter) pagination(where string, doc paginationDoc) Pagination {
	kind := PaginationKind(doc.Kind)
	switch kind {
	case PaginationNone, PaginationOffset, PaginationPage, PaginationCursor:
	default:
		c.errorf("%s: unknown pagination kind %q", where, doc.Kind)
	}
	return Pagination{
		Kind:        kind,
		PageSize:    doc.PageSize,
		PageParam:   doc.PageParam,
		SizeParam:   doc.SizeParam,
		CursorParam: doc.CursorParam,
		CursorPath:  doc.CursorPath,
		ItemsPath:   doc.ItemsPath,
		MaxPages:    doc.MaxPages,
	}
}

func (c *converter) storeDef(name string, doc storeDefDoc) StoreDef {
	kind := StoreKind(doc.Kind)
	switch kind {
	case StoreMemory, StoreFile, StoreSQLite, StoreS3:
	case "":
		kind = StoreMemory
	default:
		c.errorf("store %s: unknown kind %q", name, doc.Kind)
	}
	return StoreDef{
		Name:      name,
		Kind:      kind,
		Path:      doc.Path,
		Endpoint:  doc.Endpoint,
		Bucket:    doc.Bucket,
		Prefix:    doc.Prefix,
		AccessKey: doc.AccessKey,
		SecretKey: doc.SecretKey,
		UseSSL:    doc.UseSSL,
	}
}

func (c *converter) schema(name string, doc schemaDoc) Schema {
	s := Schema{Name: name, Fields: map[string]Field{}}
	for fname, f := range doc.Fields {
		ft := FieldType(f.Type)
		switch ft {
		case FieldString, FieldInt, FieldDecimal, FieldBool, FieldDate, FieldArray, FieldAny:
		case "":
			ft = FieldAny
		default:
			// Union, generator and expression types from richer mission
			// documents degrade to permissive matching.
			ft = FieldAny
		}
		s.Fields[fname] = Field{Type: ft, Optional: f.Optional}
	}
	return s
}

// fieldMappings decodes an ordered `field: expression` mapping, preserving
// document order.
func (c *converter) fieldMappings(where string, node yaml.Node) []FieldMapping {
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		c.errorf("%s: fields must be a mapping", where)
		return nil
	}
	var out []FieldMapping
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1].Value
		out = append(out, FieldMapping{
			Field: key,
			Expr:  c.expr(fmt.Sprintf("%s.%s", where, key), val),
		})
	}
	return out
}

func (c *converter) steps(where string, docs []stepDoc) []Step {
	var out []Step
	for i, d := range docs {
		at := fmt.Sprintf("%s.steps[%d]", where, i)
		s := c.step(at, d)
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (c *converter) step(where string, d stepDoc) Step {
	set := 0
	for _, p := range []bool{
		d.Fetch != nil, d.For != nil, d.Map != nil, d.Validate != nil,
		d.Store != nil, d.Match != nil, d.Let != nil, d.Apply != nil, d.Wait != nil,
	} {
		if p {
			set++
		}
	}
	if set != 1 {
		c.errorf("%s: exactly one step kind per entry, found %d", where, set)
		return nil
	}
	switch {
	case d.Fetch != nil:
		f := FetchStep{
			Source:        d.Fetch.Source,
			Operation:     d.Fetch.Operation,
			Method:        d.Fetch.Method,
			Path:          d.Fetch.Path,
			Body:          c.expr(where+".body", d.Fetch.Body),
			CheckpointKey: d.Fetch.CheckpointKey,
			SinceParam:    d.Fetch.SinceParam,
			Into:          d.Fetch.Into,
		}
		if len(d.Fetch.Query) > 0 {
			f.Query = map[string]Expr{}
			keys := make([]string, 0, len(d.Fetch.Query))
			for k := range d.Fetch.Query {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				f.Query[k] = c.expr(where+".query."+k, d.Fetch.Query[k])
			}
		}
		if d.Fetch.Pagination != nil {
			p := c.pagination(where, *d.Fetch.Pagination)
			f.Pagination = &p
		}
		return f
	case d.For != nil:
		return ForStep{
			Var:   d.For.Var,
			In:    c.expr(where+".in", d.For.In),
			Store: d.For.FromStore,
			Where: c.expr(where+".where", d.For.Where),
			Steps: c.steps(where, d.For.Steps),
		}
	case d.Map != nil:
		return MapStep{Fields: c.fieldMappings(where, d.Map.Fields)}
	case d.Validate != nil:
		v := ValidateStep{Target: c.expr(where+".target", d.Validate.Target)}
		for _, r := range d.Validate.Rules {
			sev := Severity(r.Severity)
			if sev == "" {
				sev = SeverityError
			}
			v.Rules = append(v.Rules, Rule{
				Name:     r.Name,
				When:     c.expr(where+".rule."+r.Name, r.When),
				Severity: sev,
				Message:  r.Message,
			})
		}
		return v
	case d.Store != nil:
		mode := StoreMode(d.Store.Mode)
		if mode == "" {
			mode = StoreUpsert
		}
		return StoreStep{
			Store: d.Store.To,
			Mode:  mode,
			Key:   c.expr(where+".key", d.Store.Key),
			Value: c.expr(where+".value", d.Store.Value),
		}
	case d.Match != nil:
		m := MatchStep{Input: c.expr(where+".input", d.Match.Input)}
		for _, cs := range d.Match.Cases {
			dir, err := ParseDirective(cs.Then)
			if err != nil {
				c.errorf("%s: case %s: %v", where, cs.Schema, err)
			}
			m.Cases = append(m.Cases, MatchCase{Schema: cs.Schema, Directive: dir})
		}
		return m
	case d.Let != nil:
		return LetStep{Var: d.Let.Var, Value: c.expr(where+".value", d.Let.Value)}
	case d.Apply != nil:
		return ApplyStep{Transform: d.Apply.Transform, Target: c.expr(where+".target", d.Apply.Target)}
	case d.Wait != nil:
		return WaitStep{
			Path:           d.Wait.Path,
			Timeout:        time.Duration(d.Wait.Timeout),
			ExpectedEvents: d.Wait.ExpectedEvents,
		}
	}
	return nil
}

// ParseDirective parses the compact flow-directive form used in mission
// documents:
//
//	continue
//	skip
//	retry [backoff]
//	jump <action> [then continue|retry]
//	queue [target]
//	abort [message]
func ParseDirective(s string) (FlowDirective, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 {
		return FlowDirective{}, fmt.Errorf("empty flow directive")
	}
	rest := fields[1:]
	switch FlowKind(fields[0]) {
	case FlowContinue:
		return Continue(), nil
	case FlowSkip:
		return Skip(), nil
	case FlowRetry:
		d := Retry(0)
		if len(rest) > 0 {
			backoff, err := time.ParseDuration(rest[0])
			if err != nil {
				return FlowDirective{}, fmt.Errorf("retry backoff %q: %w", rest[0], err)
			}
			d.Backoff = backoff
		}
		return d, nil
	case FlowJump:
		if len(rest) == 0 {
			return FlowDirective{}, fmt.Errorf("jump requires an action name")
		}
		d := Jump(rest[0])
		if len(rest) >= 3 && rest[1] == "then" {
			switch FlowKind(rest[2]) {
			case FlowContinue:
			case FlowRetry:
				d.Then = FlowRetry
			default:
				return FlowDirective{}, fmt.Errorf("jump then %q: must be continue or retry", rest[2])
			}
		}
		return d, nil
	case FlowQueue:
		target := ""
		if len(rest) > 0 {
			target = rest[0]
		}
		return Queue(target), nil
	case FlowAbort:
		msg := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), fields[0]))
		msg = strings.Trim(msg, `"`)
		return Abort(msg), nil
	}
	return FlowDirective{}, fmt.Errorf("unknown flow directive %q", fields[0])
}

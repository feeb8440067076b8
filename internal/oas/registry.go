// Package oas resolves fetch operations against OpenAPI documents.
//
// A mission source may reference an OpenAPI spec file; fetch steps can then
// name an operation id instead of spelling out a method and path. The
// registry loads each source's document once and answers operation and
// response-schema lookups for the fetch orchestrator.
package oas

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"go.uber.org/zap"
)

// ErrOperationNotFound is returned when an operation id is not present in
// the source's loaded document.
var ErrOperationNotFound = errors.New("operation not found")

// ErrSpecNotLoaded is returned when a lookup names a source without a
// loaded document.
var ErrSpecNotLoaded = errors.New("no OpenAPI document loaded for source")

// Param is one query parameter declared by an operation.
type Param struct {
	Name     string
	Required bool
}

// Operation is a resolved OpenAPI operation: enough to build the request
// the fetch step would otherwise spell out by hand.
type Operation struct {
	ID          string
	Method      string
	Path        string
	QueryParams []Param
}

// Registry holds one parsed OpenAPI document per source name.
// Safe for concurrent lookups after loading.
type Registry struct {
	logger *zap.Logger

	mu   sync.RWMutex
	docs map[string]*openapi3.T
	ops  map[string]map[string]Operation
}

// NewRegistry builds an empty registry. A nil logger is replaced with a
// no-op logger.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger,
		docs:   make(map[string]*openapi3.T),
		ops:    make(map[string]map[string]Operation),
	}
}

// Load reads and indexes the OpenAPI document for a source from a file
// path or URL. Validation problems are logged but tolerated: operation
// lookup only needs paths and parameters, and real-world specs are often
// imperfect.
func (r *Registry) Load(ctx context.Context, source, location string) error {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	loader.IsExternalRefsAllowed = true

	var (
		doc *openapi3.T
		err error
	)
	if u, uerr := url.Parse(location); uerr == nil && (u.Scheme == "http" || u.Scheme == "https") {
		doc, err = loader.LoadFromURI(u)
	} else {
		doc, err = loader.LoadFromFile(location)
	}
	if err != nil {
		return fmt.Errorf("load OpenAPI document for source %q: %w", source, err)
	}
	if verr := doc.Validate(ctx); verr != nil {
		r.logger.Warn("OpenAPI document failed validation, continuing",
			zap.String("source", source),
			zap.String("location", location),
			zap.Error(verr))
	}
	r.index(source, doc)
	return nil
}

// LoadData indexes an in-memory OpenAPI document for a source.
func (r *Registry) LoadData(ctx context.Context, source string, data []byte) error {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return fmt.Errorf("parse OpenAPI document for source %q: %w", source, err)
	}
	if verr := doc.Validate(ctx); verr != nil {
		r.logger.Warn("OpenAPI document failed validation, continuing",
			zap.String("source", source),
			zap.Error(verr))
	}
	r.index(source, doc)
	return nil
}

func (r *Registry) index(source string, doc *openapi3.T) {
	ops := make(map[string]Operation)
	if doc.Paths != nil {
		for path, item := range doc.Paths.Map() {
			for method, op := range item.Operations() {
				if op.OperationID == "" {
					continue
				}
				resolved := Operation{
					ID:     op.OperationID,
					Method: strings.ToUpper(method),
					Path:   path,
				}
				for _, ref := range append(append(openapi3.Parameters{}, item.Parameters...), op.Parameters...) {
					p := ref.Value
					if p == nil || p.In != openapi3.ParameterInQuery {
						continue
					}
					resolved.QueryParams = append(resolved.QueryParams, Param{
						Name:     p.Name,
						Required: p.Required,
					})
				}
				ops[op.OperationID] = resolved
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[source] = doc
	r.ops[source] = ops
	r.logger.Debug("indexed OpenAPI document",
		zap.String("source", source),
		zap.Int("operations", len(ops)))
}

// Loaded reports whether a document has been loaded for the source.
func (r *Registry) Loaded(source string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.docs[source]
	return ok
}

// Resolve returns the operation registered under an operation id.
func (r *Registry) Resolve(source, operationID string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops, ok := r.ops[source]
	if !ok {
		return Operation{}, fmt.Errorf("source %q: %w", source, ErrSpecNotLoaded)
	}
	op, ok := ops[operationID]
	if !ok {
		return Operation{}, fmt.Errorf("source %q operation %q: %w", source, operationID, ErrOperationNotFound)
	}
	return op, nil
}

// ResponseSchema returns the JSON schema of an operation's 200 response,
// when the document declares one.
func (r *Registry) ResponseSchema(source, operationID string) (*openapi3.Schema, bool) {
	r.mu.RLock()
	doc, ok := r.docs[source]
	op, opOK := r.lookupLocked(source, operationID)
	r.mu.RUnlock()
	if !ok || !opOK || doc.Paths == nil {
		return nil, false
	}

	item := doc.Paths.Value(op.Path)
	if item == nil {
		return nil, false
	}
	raw := item.GetOperation(op.Method)
	if raw == nil || raw.Responses == nil {
		return nil, false
	}
	resp := raw.Responses.Status(200)
	if resp == nil || resp.Value == nil {
		return nil, false
	}
	media := resp.Value.Content.Get("application/json")
	if media == nil || media.Schema == nil {
		return nil, false
	}
	return media.Schema.Value, media.Schema.Value != nil
}

// BaseURL returns the first server URL declared by the source's document.
func (r *Registry) BaseURL(source string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[source]
	if !ok || len(doc.Servers) == 0 {
		return "", false
	}
	return doc.Servers[0].URL, true
}

func (r *Registry) lookupLocked(source, operationID string) (Operation, bool) {
	ops, ok := r.ops[source]
	if !ok {
		return Operation{}, false
	}
	op, ok := ops[operationID]
	return op, ok
}

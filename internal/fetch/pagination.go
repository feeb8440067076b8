package fetch

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/mcclowes/reqon/pkg/mission"
)

const (
	defaultPageSize = 100
	// maxPageCeiling terminates pagination even when a source never
	// signals completion.
	maxPageCeiling = 100
)

// PageContext carries per-page progress. The caller increments Page and
// updates Cursor between pages from the previous extraction.
type PageContext struct {
	// Page counts fetched pages from zero.
	Page     int
	PageSize int
	Cursor   string
}

// PageResult is one page's extraction outcome.
type PageResult struct {
	Items      []any
	HasMore    bool
	NextCursor string
}

// Strategy turns pagination config into per-page query parameters and
// reads items plus continuation state out of each response.
//
// Strategies carry per-instance discovery state (the response field items
// were found under), so a fresh strategy is built per fetch step.
type Strategy interface {
	BuildQuery(ctx PageContext) url.Values
	ExtractResults(response any, ctx PageContext) PageResult
}

// NewStrategy builds the strategy for a pagination config. An unset kind
// fetches a single page.
func NewStrategy(cfg mission.Pagination) Strategy {
	switch cfg.Kind {
	case mission.PaginationOffset:
		return &offsetStrategy{cfg: cfg}
	case mission.PaginationPage:
		return &pageStrategy{cfg: cfg}
	case mission.PaginationCursor:
		return &cursorStrategy{cfg: cfg}
	default:
		return &singleStrategy{cfg: cfg}
	}
}

// PageSize returns the effective page size for a config.
func PageSize(cfg mission.Pagination) int {
	if cfg.PageSize > 0 {
		return cfg.PageSize
	}
	return defaultPageSize
}

// MaxPages returns the effective page ceiling for a config.
func MaxPages(cfg mission.Pagination) int {
	if cfg.MaxPages > 0 {
		return cfg.MaxPages
	}
	return maxPageCeiling
}

// singleStrategy fetches exactly one page with no paging parameters.
type singleStrategy struct {
	cfg   mission.Pagination
	items itemsFinder
}

func (s *singleStrategy) BuildQuery(PageContext) url.Values {
	return url.Values{}
}

func (s *singleStrategy) ExtractResults(response any, _ PageContext) PageResult {
	return PageResult{Items: s.items.find(response, s.cfg.ItemsPath)}
}

// offsetStrategy sends an item offset computed as page * pageSize.
type offsetStrategy struct {
	cfg   mission.Pagination
	items itemsFinder
}

func (s *offsetStrategy) BuildQuery(ctx PageContext) url.Values {
	q := url.Values{}
	q.Set(paramName(s.cfg.PageParam, "offset"), strconv.Itoa(ctx.Page*ctx.PageSize))
	q.Set(paramName(s.cfg.SizeParam, "limit"), strconv.Itoa(ctx.PageSize))
	return q
}

func (s *offsetStrategy) ExtractResults(response any, ctx PageContext) PageResult {
	items := s.items.find(response, s.cfg.ItemsPath)
	// A full page implies possibly more; a short page implies done.
	return PageResult{Items: items, HasMore: len(items) >= ctx.PageSize}
}

// pageStrategy sends a 1-indexed page number.
type pageStrategy struct {
	cfg   mission.Pagination
	items itemsFinder
}

func (s *pageStrategy) BuildQuery(ctx PageContext) url.Values {
	q := url.Values{}
	q.Set(paramName(s.cfg.PageParam, "page"), strconv.Itoa(ctx.Page+1))
	q.Set(paramName(s.cfg.SizeParam, "per_page"), strconv.Itoa(ctx.PageSize))
	return q
}

func (s *pageStrategy) ExtractResults(response any, ctx PageContext) PageResult {
	items := s.items.find(response, s.cfg.ItemsPath)
	return PageResult{Items: items, HasMore: len(items) >= ctx.PageSize}
}

// cursorStrategy sends the cursor extracted from the previous response.
// The first page carries no cursor parameter.
type cursorStrategy struct {
	cfg   mission.Pagination
	items itemsFinder
}

func (s *cursorStrategy) BuildQuery(ctx PageContext) url.Values {
	q := url.Values{}
	if ctx.Cursor != "" {
		q.Set(paramName(s.cfg.CursorParam, "cursor"), ctx.Cursor)
	}
	return q
}

func (s *cursorStrategy) ExtractResults(response any, _ PageContext) PageResult {
	items := s.items.find(response, s.cfg.ItemsPath)
	cursor, ok := lookupPath(response, cursorPath(s.cfg.CursorPath))
	if !ok || cursor == nil {
		return PageResult{Items: items}
	}
	// Numeric cursors are coerced to strings.
	next, err := cast.ToStringE(cursor)
	if err != nil || next == "" {
		return PageResult{Items: items}
	}
	return PageResult{Items: items, HasMore: true, NextCursor: next}
}

func paramName(configured, fallback string) string {
	if configured != "" {
		return configured
	}
	return fallback
}

func cursorPath(configured string) string {
	if configured != "" {
		return configured
	}
	return "next_cursor"
}

// itemsFinder locates the array of items in a response. Once a field is
// discovered it sticks for the strategy's lifetime, so later pages read
// the same field even if another array appears.
type itemsFinder struct {
	field string
	found bool
}

func (f *itemsFinder) find(response any, itemsPath string) []any {
	if items, ok := toItems(response); ok {
		return items
	}
	m, ok := response.(map[string]any)
	if !ok {
		return nil
	}

	if itemsPath != "" {
		if v, ok := lookupPath(m, itemsPath); ok {
			if items, ok := toItems(v); ok {
				return items
			}
		}
		return nil
	}

	if f.found {
		if items, ok := toItems(m[f.field]); ok {
			return items
		}
		return nil
	}

	// First array-valued field wins; keys are visited in sorted order so
	// the choice is deterministic.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if items, ok := toItems(m[k]); ok {
			f.field = k
			f.found = true
			return items
		}
	}
	return nil
}

func toItems(v any) ([]any, bool) {
	items, ok := v.([]any)
	return items, ok
}

// lookupPath walks a dotted path through nested objects.
func lookupPath(v any, path string) (any, bool) {
	for _, seg := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

package filter

import (
	"github.com/vburojevic/replaykit/internal/domain"
)

// Pipeline applies the breadcrumb filters in order: exclude, where, dedupe
type Pipeline struct {
	exclude *ExcludeFilter
	where   *WhereFilter
	dedupe  *DedupeFilter
}

// NewPipeline returns nil when no filters are provided; a nil Pipeline
// allows everything.
func NewPipeline(exclude *ExcludeFilter, where *WhereFilter, dedupe *DedupeFilter) *Pipeline {
	if exclude == nil && where == nil && dedupe == nil {
		return nil
	}
	return &Pipeline{exclude: exclude, where: where, dedupe: dedupe}
}

// Match reports whether b should be recorded. Dedupe state is only
// updated for breadcrumbs that pass the other filters.
func (p *Pipeline) Match(b domain.Breadcrumb) bool {
	if p == nil {
		return true
	}
	if p.exclude.Excluded(b) {
		return false
	}
	if !p.where.Match(b) {
		return false
	}
	if p.dedupe != nil && !p.dedupe.Check(b).ShouldEmit {
		return false
	}
	return true
}

// Dedupe returns the pipeline's dedupe filter, or nil
func (p *Pipeline) Dedupe() *DedupeFilter {
	if p == nil {
		return nil
	}
	return p.dedupe
}

package biz

import (
	"fmt"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/kart-io/logger"

	"github.com/kart-io/courseatlas/internal/model"
	"github.com/kart-io/courseatlas/internal/pkg/textutil"
)

// ResolverConfig tunes entity resolution.
type ResolverConfig struct {
	// MaxEditDistance is the Levenshtein threshold for instructor-name
	// fuzzy matching.
	MaxEditDistance int
	// DeptAliases maps normalized department abbreviations to canonical
	// subject codes, e.g. "CS" -> "COP".
	DeptAliases map[string]string
}

// DefaultResolverConfig returns the default resolver configuration.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		MaxEditDistance: 2,
		DeptAliases:     map[string]string{},
	}
}

// rosterCourse is one catalog course. A code may carry several catalog
// entries (special-topics subtitles), so entries accumulate.
type rosterCourse struct {
	subject     string
	number      string
	entries     []model.SourceRecord
	instructors map[string]struct{}
}

// Resolver maps source records onto canonical entity keys. The catalog
// is the authority for identity; mentions from other sources are
// matched against the roster it builds.
//
// The alias cache is scoped to a single ingestion run: Reset rebuilds
// roster and cache under exclusive lock, and during a run the cache
// only grows. Concurrent Resolve calls are safe.
type Resolver struct {
	cfg ResolverConfig

	mu         sync.RWMutex
	courses    map[string]*rosterCourse // keyed by canonical course code
	aliasCache map[string]string        // normalized mention -> canonical instructor
}

// NewResolver creates a resolver with an empty roster.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.MaxEditDistance <= 0 {
		cfg.MaxEditDistance = 2
	}
	return &Resolver{
		cfg:        cfg,
		courses:    make(map[string]*rosterCourse),
		aliasCache: make(map[string]string),
	}
}

// Reset rebuilds the roster from the run's catalog records and clears
// the alias cache. Called once at the start of each ingestion run; the
// cache is never carried across runs.
func (r *Resolver) Reset(catalog []model.SourceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.courses = make(map[string]*rosterCourse)
	r.aliasCache = make(map[string]string)

	for _, rec := range catalog {
		subject, number, ok := splitCourseCode(rec.Attributes.CourseCode)
		if !ok {
			continue
		}
		code := subject + number
		course, exists := r.courses[code]
		if !exists {
			course = &rosterCourse{
				subject:     subject,
				number:      number,
				instructors: make(map[string]struct{}),
			}
			r.courses[code] = course
		}
		course.entries = append(course.entries, rec)
		if name := textutil.NormalizeName(rec.Attributes.Instructor); name != "" {
			course.instructors[name] = struct{}{}
		}
	}

	logger.Infow("Resolver roster rebuilt",
		"courses", len(r.courses),
		"catalogRecords", len(catalog),
	)
}

// RosterSize returns the number of distinct courses in the roster.
func (r *Resolver) RosterSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.courses)
}

// Resolve returns the canonical entity key for a record, or an error
// wrapping ErrUnresolved or ErrAmbiguousEntity when no safe match
// exists.
func (r *Resolver) Resolve(rec model.SourceRecord) (model.EntityKey, error) {
	subject, number, ok := splitCourseCode(rec.Attributes.CourseCode)
	if !ok {
		return model.EntityKey{}, fmt.Errorf("%w: no course code on %s record %s", ErrUnresolved, rec.Kind, rec.SourceID)
	}
	subject = r.applyDeptAlias(subject)
	code := subject + number

	r.mu.RLock()
	course, found := r.courses[code]
	r.mu.RUnlock()

	// Catalog records define identity; everything else must match it.
	if rec.Kind == model.SourceCatalog {
		return model.EntityKey{
			Subject:    subject,
			Number:     number,
			Term:       strings.TrimSpace(rec.Attributes.Term),
			Instructor: textutil.NormalizeName(rec.Attributes.Instructor),
		}, nil
	}

	if !found {
		return model.EntityKey{}, fmt.Errorf("%w: course %s not in catalog", ErrUnresolved, code)
	}

	key := model.EntityKey{
		Subject: course.subject,
		Number:  course.number,
		Term:    strings.TrimSpace(rec.Attributes.Term),
	}

	mention := textutil.NormalizeName(rec.Attributes.Instructor)
	if mention == "" {
		return key, nil
	}

	canonical, err := r.matchInstructor(course, mention)
	if err != nil {
		return model.EntityKey{}, err
	}
	key.Instructor = canonical
	return key, nil
}

// matchInstructor matches a normalized mention against the course's
// catalog instructors. Exact and cached matches short-circuit; otherwise
// the closest candidate within the edit-distance threshold wins, and a
// tie between distinct candidates is ambiguous.
func (r *Resolver) matchInstructor(course *rosterCourse, mention string) (string, error) {
	r.mu.RLock()
	if _, ok := course.instructors[mention]; ok {
		r.mu.RUnlock()
		return mention, nil
	}
	if cached, ok := r.aliasCache[mention]; ok {
		r.mu.RUnlock()
		return cached, nil
	}

	best := ""
	bestDist := r.cfg.MaxEditDistance + 1
	tied := false
	for candidate := range course.instructors {
		d := nameDistance(mention, candidate)
		switch {
		case d < bestDist:
			best, bestDist, tied = candidate, d, false
		case d == bestDist && candidate != best:
			tied = true
		}
	}
	r.mu.RUnlock()

	if bestDist > r.cfg.MaxEditDistance {
		return "", fmt.Errorf("%w: instructor %q not in roster for %s%s", ErrUnresolved, mention, course.subject, course.number)
	}
	if tied {
		return "", fmt.Errorf("%w: instructor %q matches multiple roster entries", ErrAmbiguousEntity, mention)
	}

	r.mu.Lock()
	r.aliasCache[mention] = best
	r.mu.Unlock()
	return best, nil
}

// nameDistance compares names part-wise so an abbreviated first name
// ("j smith") stays close to its full form ("jon smith"). A bare
// initial matching the candidate part's first letter costs nothing;
// otherwise parts compare by Levenshtein distance.
func nameDistance(a, b string) int {
	ap := strings.Fields(a)
	bp := strings.Fields(b)
	if len(ap) != len(bp) {
		return levenshtein.ComputeDistance(a, b)
	}

	total := 0
	for i := range ap {
		x, y := ap[i], bp[i]
		if (len(x) == 1 && strings.HasPrefix(y, x)) || (len(y) == 1 && strings.HasPrefix(x, y)) {
			continue
		}
		total += levenshtein.ComputeDistance(x, y)
	}
	return total
}

func (r *Resolver) applyDeptAlias(subject string) string {
	if canonical, ok := r.cfg.DeptAliases[subject]; ok {
		return textutil.NormalizeIdentifier(canonical)
	}
	return subject
}

// splitCourseCode splits a course code like "COP3502" or "COP 3502"
// into subject and number.
func splitCourseCode(code string) (subject, number string, ok bool) {
	normalized := textutil.NormalizeIdentifier(code)
	i := 0
	for i < len(normalized) && (normalized[i] < '0' || normalized[i] > '9') {
		i++
	}
	if i == 0 || i == len(normalized) {
		return "", "", false
	}
	return normalized[:i], normalized[i:], true
}

// Package report computes aggregate metrics over anonymized person records.
//
// Metric specs are validated once by NewEngine against the known field set,
// so an unknown field fails at configuration time. Compute then makes a
// single pass over the records and produces groups in key order (or value
// order for Top metrics), which keeps repeated reports byte-identical.
package report

import (
	"sort"
	"strings"
	"time"

	"github.com/Sternrassler/persons-etl/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	metricsComputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "persons_etl_report_metrics_computed_total",
		Help: "Total report metrics computed",
	})

	reportDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "persons_etl_report_duration_seconds",
		Help:    "Duration of report computation in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// keySeparator joins group key tuples into map keys.
const keySeparator = "\x1f"

// Engine computes a fixed set of validated metrics.
type Engine struct {
	specs []MetricSpec
}

// NewEngine validates specs against knownFields. Every rejection is an
// *InvalidMetricSpecError.
func NewEngine(specs []MetricSpec, knownFields record.Schema) (*Engine, error) {
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if err := validate(spec, knownFields); err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, invalid(spec.Name, "duplicate metric name")
		}
		seen[spec.Name] = true
	}

	copied := make([]MetricSpec, len(specs))
	copy(copied, specs)
	return &Engine{specs: copied}, nil
}

func validate(spec MetricSpec, known record.Schema) error {
	name := spec.Name
	if strings.TrimSpace(name) == "" {
		return invalid("", "metric name is required")
	}
	if !spec.Func.valid() {
		return invalid(name, "unknown func %q", spec.Func)
	}
	if spec.Func.needsField() && spec.Field == "" {
		return invalid(name, "func %s requires a field", spec.Func)
	}
	if spec.Field != "" && !known.Has(spec.Field) {
		return invalid(name, "unknown field %q", spec.Field)
	}
	for _, f := range spec.GroupBy {
		if !known.Has(f) {
			return invalid(name, "unknown group_by field %q", f)
		}
	}
	for i, c := range spec.Where {
		if !known.Has(c.Field) {
			return invalid(name, "where[%d]: unknown field %q", i, c.Field)
		}
		if !c.Op.valid() {
			return invalid(name, "where[%d]: unknown op %q", i, c.Op)
		}
		if c.Op.numeric() {
			if _, ok := numericValue(c.Value); !ok {
				return invalid(name, "where[%d]: op %s needs a numeric value, got %q", i, c.Op, c.Value)
			}
		}
	}
	if spec.Top < 0 {
		return invalid(name, "top must not be negative")
	}
	if spec.KeepTies && spec.Top == 0 {
		return invalid(name, "keep_ties requires top")
	}
	return nil
}

// Specs returns the validated metric specs.
func (e *Engine) Specs() []MetricSpec {
	out := make([]MetricSpec, len(e.specs))
	copy(out, e.specs)
	return out
}

// Compute aggregates every metric over set in one pass.
func (e *Engine) Compute(set *record.AnonymizedSet) *Result {
	start := time.Now()
	lower := cases.Lower(language.Und)

	accs := make([]*accumulator, len(e.specs))
	for i, spec := range e.specs {
		accs[i] = newAccumulator(spec, lower)
	}

	total := set.Len()
	if set != nil {
		for _, rec := range set.Records {
			for _, acc := range accs {
				acc.add(rec.Fields)
			}
		}
	}

	result := &Result{Records: total, Metrics: make(map[string]MetricResult, len(accs))}
	for _, acc := range accs {
		result.Metrics[acc.spec.Name] = acc.result(total)
	}

	metricsComputed.Add(float64(len(accs)))
	reportDuration.Observe(time.Since(start).Seconds())
	return result
}

type compiledCondition struct {
	Condition
	number float64
}

type groupAcc struct {
	key      []string
	count    int64
	values   int64
	sum      float64
	min, max float64
	distinct map[string]struct{}
}

type accumulator struct {
	spec   MetricSpec
	conds  []compiledCondition
	lower  cases.Caser
	groups map[string]*groupAcc
}

func newAccumulator(spec MetricSpec, lower cases.Caser) *accumulator {
	conds := make([]compiledCondition, len(spec.Where))
	for i, c := range spec.Where {
		conds[i] = compiledCondition{Condition: c}
		if c.FoldCase {
			conds[i].Value = lower.String(c.Value)
		}
		if c.Op.numeric() {
			conds[i].number, _ = numericValue(c.Value)
		}
	}
	return &accumulator{
		spec:   spec,
		conds:  conds,
		lower:  lower,
		groups: make(map[string]*groupAcc),
	}
}

func (a *accumulator) fold(s string) string {
	if a.spec.FoldCase {
		return a.lower.String(s)
	}
	return s
}

func (a *accumulator) matches(fields map[string]any) bool {
	for _, c := range a.conds {
		v, ok := fields[c.Field]
		if !ok || v == nil {
			if c.Op == OpNe {
				continue
			}
			return false
		}
		s := record.String(v)
		if c.FoldCase {
			s = a.lower.String(s)
		}

		var pass bool
		switch c.Op {
		case OpEq:
			pass = s == c.Value
		case OpNe:
			pass = s != c.Value
		case OpPrefix:
			pass = strings.HasPrefix(s, c.Value)
		case OpContains:
			pass = strings.Contains(s, c.Value)
		default:
			n, ok := numericValue(s)
			if !ok {
				return false
			}
			switch c.Op {
			case OpGt:
				pass = n > c.number
			case OpGte:
				pass = n >= c.number
			case OpLt:
				pass = n < c.number
			case OpLte:
				pass = n <= c.number
			}
		}
		if !pass {
			return false
		}
	}
	return true
}

func (a *accumulator) add(fields map[string]any) {
	if !a.matches(fields) {
		return
	}

	key := make([]string, len(a.spec.GroupBy))
	for i, f := range a.spec.GroupBy {
		key[i] = a.fold(record.String(fields[f]))
	}
	mapKey := strings.Join(key, keySeparator)

	g, ok := a.groups[mapKey]
	if !ok {
		g = &groupAcc{key: key}
		a.groups[mapKey] = g
	}
	g.count++

	if a.spec.Field == "" {
		return
	}
	v, ok := fields[a.spec.Field]
	if !ok || v == nil {
		return
	}

	switch a.spec.Func {
	case FuncCount:
		g.values++
	case FuncDistinctCount:
		if g.distinct == nil {
			g.distinct = make(map[string]struct{})
		}
		g.distinct[a.fold(record.String(v))] = struct{}{}
	case FuncMean, FuncMin, FuncMax:
		n, ok := numericValue(record.String(v))
		if !ok {
			return
		}
		if g.values == 0 || n < g.min {
			g.min = n
		}
		if g.values == 0 || n > g.max {
			g.max = n
		}
		g.sum += n
		g.values++
	}
}

func (a *accumulator) result(total int) MetricResult {
	groupBy := a.spec.GroupBy
	if groupBy == nil {
		groupBy = []string{}
	}
	out := MetricResult{Func: a.spec.Func, GroupBy: groupBy, Groups: []Group{}}

	if len(a.groups) == 0 && len(a.spec.GroupBy) == 0 {
		a.groups[""] = &groupAcc{key: []string{}}
	}

	for _, g := range a.groups {
		out.Groups = append(out.Groups, a.finalize(g, total))
	}

	if a.spec.Top > 0 {
		sort.Slice(out.Groups, func(i, j int) bool {
			return byValue(out.Groups[i], out.Groups[j])
		})
		out.Groups = rank(out.Groups, a.spec.Top, a.spec.KeepTies)
	} else {
		sort.Slice(out.Groups, func(i, j int) bool {
			return lessKey(out.Groups[i].Key, out.Groups[j].Key)
		})
	}
	return out
}

func (a *accumulator) finalize(g *groupAcc, total int) Group {
	out := Group{Key: g.key, Count: g.count}

	var v float64
	switch a.spec.Func {
	case FuncCount:
		v = float64(g.count)
		if a.spec.Field != "" {
			v = float64(g.values)
		}
	case FuncDistinctCount:
		v = float64(len(g.distinct))
	case FuncMean:
		if g.values == 0 {
			out.Undefined = true
			return out
		}
		v = g.sum / float64(g.values)
	case FuncMin, FuncMax:
		if g.values == 0 {
			out.Undefined = true
			return out
		}
		v = g.min
		if a.spec.Func == FuncMax {
			v = g.max
		}
	case FuncPercentage:
		if total == 0 {
			out.Undefined = true
			return out
		}
		v = float64(g.count) * 100 / float64(total)
	}
	out.Value = &v
	return out
}

// byValue orders by value descending, undefined last, then by key.
func byValue(a, b Group) bool {
	switch {
	case a.Value == nil && b.Value == nil:
		return lessKey(a.Key, b.Key)
	case a.Value == nil:
		return false
	case b.Value == nil:
		return true
	case *a.Value != *b.Value:
		return *a.Value > *b.Value
	}
	return lessKey(a.Key, b.Key)
}

// rank assigns ranks to value-ordered groups. Without keepTies ranks are
// dense and exactly top groups are kept; with keepTies ranks leave gaps
// after ties and every group ranked within top is kept.
func rank(groups []Group, top int, keepTies bool) []Group {
	for i := range groups {
		switch {
		case i == 0:
			groups[i].Rank = 1
		case sameValue(groups[i], groups[i-1]):
			groups[i].Rank = groups[i-1].Rank
		case keepTies:
			groups[i].Rank = i + 1
		default:
			groups[i].Rank = groups[i-1].Rank + 1
		}
	}

	if !keepTies {
		if len(groups) > top {
			groups = groups[:top]
		}
		return groups
	}

	n := 0
	for n < len(groups) && groups[n].Rank <= top {
		n++
	}
	return groups[:n]
}

func sameValue(a, b Group) bool {
	if a.Value == nil || b.Value == nil {
		return a.Value == nil && b.Value == nil
	}
	return *a.Value == *b.Value
}

func lessKey(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

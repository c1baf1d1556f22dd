package anonymize

import (
	"sort"
	"strings"
	"time"

	"github.com/Sternrassler/persons-etl/pkg/record"
)

// Strategy names an anonymization transformation.
type Strategy string

// Supported strategies.
const (
	// StrategyHash replaces the value with a salted HMAC digest in lowercase hex.
	StrategyHash Strategy = "hash"
	// StrategyRedact replaces the value with a fixed token.
	StrategyRedact Strategy = "redact"
	// StrategyBucket generalizes a birth date into an age band.
	StrategyBucket Strategy = "bucket"
	// StrategyEmailDomain keeps only the lowercased domain of an email address.
	StrategyEmailDomain Strategy = "email_domain"
	// StrategyPass leaves the value untouched (optionally renamed).
	StrategyPass Strategy = "pass"
)

// MissingPolicy decides what happens when a record lacks a policy field.
type MissingPolicy string

const (
	// MissingContinue substitutes a placeholder and records an Issue.
	MissingContinue MissingPolicy = "continue"
	// MissingAbort fails the whole anonymization.
	MissingAbort MissingPolicy = "abort"
)

// Hash algorithms.
const (
	HashSHA256  = "sha256"
	HashSHA3256 = "sha3-256"
)

const (
	// DefaultRedactToken is the replacement used by redact rules without a token.
	DefaultRedactToken = "****"

	// UnknownBucket is the total-mapping fallback for bucket and email_domain.
	UnknownBucket = "unknown"

	// DefaultBandWidth is the age band width in years.
	DefaultBandWidth = 10
)

// Rule is the anonymization rule for one field.
type Rule struct {
	Strategy Strategy
	// As renames the output field; the source field is dropped when set.
	As string
	// Token overrides DefaultRedactToken for redact, and the missing-value
	// placeholder for hash.
	Token string
	// Bands is the age band width in years for bucket rules (default 10).
	Bands int
}

// Output returns the name the rule writes to.
func (r Rule) Output(field string) string {
	if r.As != "" {
		return r.As
	}
	return field
}

func (r Rule) token() string {
	if r.Token != "" {
		return r.Token
	}
	return DefaultRedactToken
}

func (r Rule) bandWidth() int {
	if r.Bands > 0 {
		return r.Bands
	}
	return DefaultBandWidth
}

// Policy is the per-field anonymization configuration.
type Policy struct {
	Rules     map[string]Rule
	OnMissing MissingPolicy
	// HashSalt keys every hash rule. It must be fixed for the whole run.
	HashSalt      string
	HashAlgorithm string
	// Now is the reference date for age bands; zero means time.Now at Anonymize.
	Now time.Time
}

// DefaultPolicy returns the case-study policy: direct identifiers redacted,
// email reduced to its domain and birthday generalized to an age range.
func DefaultPolicy() Policy {
	rules := map[string]Rule{
		"email":    {Strategy: StrategyEmailDomain, As: "email_domain"},
		"birthday": {Strategy: StrategyBucket, As: "age_range"},
	}
	for _, f := range []string{
		"firstname",
		"lastname",
		"phone",
		"address.street",
		"address.streetName",
		"address.buildingNumber",
		"address.zipcode",
		"address.latitude",
		"address.longitude",
	} {
		rules[f] = Rule{Strategy: StrategyRedact}
	}
	return Policy{
		Rules:         rules,
		OnMissing:     MissingContinue,
		HashAlgorithm: HashSHA256,
	}
}

// Validate rejects unknown strategies, empty field names and colliding outputs.
func (p Policy) Validate() error {
	switch p.OnMissing {
	case "", MissingContinue, MissingAbort:
	default:
		return invalidPolicy("unknown on_missing %q", p.OnMissing)
	}
	switch p.HashAlgorithm {
	case "", HashSHA256, HashSHA3256:
	default:
		return invalidPolicy("unknown hash algorithm %q", p.HashAlgorithm)
	}

	outputs := make(map[string]string, len(p.Rules))
	for _, field := range p.fields() {
		rule := p.Rules[field]
		if field == "" {
			return invalidPolicy("empty field name")
		}
		switch rule.Strategy {
		case StrategyHash, StrategyRedact, StrategyBucket, StrategyEmailDomain, StrategyPass:
		default:
			return invalidPolicy("field %q: unknown strategy %q", field, rule.Strategy)
		}
		if rule.Bands < 0 {
			return invalidPolicy("field %q: negative band width %d", field, rule.Bands)
		}

		out := rule.Output(field)
		if prev, ok := outputs[out]; ok {
			return invalidPolicy("fields %q and %q both write %q", prev, field, out)
		}
		outputs[out] = field
	}

	return nil
}

// ValidateSchema rejects rules whose renamed output would overwrite a field
// of schema that no rule owns.
func (p Policy) ValidateSchema(schema record.Schema) error {
	for _, field := range p.fields() {
		out := p.Rules[field].As
		if out == "" {
			continue
		}
		for _, known := range schema.Fields() {
			if p.owner(known) != "" {
				continue
			}
			if known == out || strings.HasPrefix(known, out+".") || strings.HasPrefix(out, known+".") {
				return invalidPolicy("field %q: output %q overwrites field %q", field, out, known)
			}
		}
	}
	return nil
}

// OutputFields returns the field set records have after anonymization, given
// the fields they have before it.
func (p Policy) OutputFields(schema record.Schema) record.Schema {
	out := record.NewSchema(schema.Fields())
	covered := make(map[string]bool, len(p.Rules))
	for _, key := range schema.Fields() {
		field := p.owner(key)
		if field == "" {
			continue
		}
		covered[field] = true
		if rule := p.Rules[field]; rule.As != "" {
			out.Remove(key)
			out.Add(rule.As + key[len(field):])
		}
	}
	for field, rule := range p.Rules {
		if !covered[field] {
			out.Add(rule.Output(field))
		}
	}
	return out
}

// owner returns the most specific rule field covering key: the field
// itself or a parent object of it. Empty when no rule applies.
func (p Policy) owner(key string) string {
	best := ""
	for field := range p.Rules {
		if len(field) <= len(best) {
			continue
		}
		if key == field || strings.HasPrefix(key, field+".") {
			best = field
		}
	}
	return best
}

func (p Policy) fields() []string {
	fields := make([]string, 0, len(p.Rules))
	for f := range p.Rules {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

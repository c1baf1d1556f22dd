// Package anonymize applies a field policy to raw person records.
//
// Every transformation is deterministic for a given Policy: equal inputs
// produce equal outputs within a run, so grouping and reporting over the
// anonymized set stays meaningful. Fields not named in the policy are never
// altered.
package anonymize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"
	"time"

	"github.com/Sternrassler/persons-etl/pkg/record"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/sha3"
)

var (
	recordsAnonymized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "persons_etl_records_anonymized_total",
		Help: "Total records passed through the field policy",
	})

	anonymizationIssues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "persons_etl_anonymization_issues_total",
		Help: "Total per-record anonymization issues by field",
	}, []string{"field"})
)

// Anonymize applies policy to every record of set, preserving order. Under
// MissingContinue a missing field is substituted and reported in Issues;
// under MissingAbort the first *FieldMissingError is returned.
func Anonymize(set *record.RecordSet, policy Policy) (*record.AnonymizedSet, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	a := newAnonymizer(policy)

	out := &record.AnonymizedSet{Records: make([]record.AnonymizedRecord, 0, set.Len())}
	if set == nil {
		return out, nil
	}

	for _, raw := range set.Records {
		rec, issues, err := a.apply(raw)
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, rec)
		out.Issues = append(out.Issues, issues...)
	}
	recordsAnonymized.Add(float64(len(out.Records)))
	return out, nil
}

type anonymizer struct {
	policy Policy
	fields []string
	mac    hash.Hash
	now    time.Time
}

func newAnonymizer(policy Policy) *anonymizer {
	newHash := sha256.New
	if policy.HashAlgorithm == HashSHA3256 {
		newHash = func() hash.Hash { return sha3.New256() }
	}
	now := policy.Now
	if now.IsZero() {
		now = time.Now()
	}
	return &anonymizer{
		policy: policy,
		fields: policy.fields(),
		mac:    hmac.New(newHash, []byte(policy.HashSalt)),
		now:    now,
	}
}

// apply transforms one record. Rules run in field order so output is
// independent of map iteration. A rule owns its field and, for a nested
// object, every flattened key below it; the most specific rule wins.
func (a *anonymizer) apply(raw record.RawRecord) (record.AnonymizedRecord, []record.Issue, error) {
	fields := make(map[string]any, len(raw.Fields))
	owned := make(map[string][]string, len(a.fields))
	for k, v := range raw.Fields {
		f := a.policy.owner(k)
		if f == "" {
			fields[k] = v
			continue
		}
		owned[f] = append(owned[f], k)
		if a.policy.Rules[f].As == "" {
			fields[k] = v
		}
	}

	var issues []record.Issue
	for _, field := range a.fields {
		rule := a.policy.Rules[field]
		keys := owned[field]
		sort.Strings(keys)
		if len(keys) == 0 {
			keys = []string{field}
		}

		for _, key := range keys {
			out := rule.Output(field) + key[len(field):]
			if a.conflicts(raw, out) {
				anonymizationIssues.WithLabelValues(key).Inc()
				issues = append(issues, record.Issue{RecordID: raw.ID, Field: key, Reason: ReasonOutputConflict})
				continue
			}

			value, ok := raw.Fields[key]
			if !ok || value == nil {
				missing := &FieldMissingError{RecordID: raw.ID, Field: key}
				if a.policy.OnMissing == MissingAbort {
					return record.AnonymizedRecord{}, nil, missing
				}
				anonymizationIssues.WithLabelValues(key).Inc()
				issues = append(issues, record.Issue{RecordID: raw.ID, Field: key, Reason: ReasonMissing})
				if sub, keep := substitute(rule); keep {
					fields[out] = sub
				}
				continue
			}

			fields[out] = a.transform(rule, value)
		}
	}

	return record.AnonymizedRecord{ID: raw.ID, Fields: fields}, issues, nil
}

// conflicts reports whether writing out would clobber a field of raw that
// no rule owns.
func (a *anonymizer) conflicts(raw record.RawRecord, out string) bool {
	if _, ok := raw.Fields[out]; ok && a.policy.owner(out) == "" {
		return true
	}
	return false
}

func (a *anonymizer) transform(rule Rule, value any) any {
	switch rule.Strategy {
	case StrategyHash:
		return a.digest(record.String(value))
	case StrategyRedact:
		return rule.token()
	case StrategyBucket:
		return AgeBand(record.String(value), a.now, rule.bandWidth())
	case StrategyEmailDomain:
		return EmailDomain(record.String(value))
	default:
		return value
	}
}

func (a *anonymizer) digest(value string) string {
	a.mac.Reset()
	a.mac.Write([]byte(value))
	return hex.EncodeToString(a.mac.Sum(nil))
}

// substitute returns the placeholder for a missing field and whether to write it.
func substitute(rule Rule) (any, bool) {
	switch rule.Strategy {
	case StrategyHash, StrategyRedact:
		return rule.token(), true
	case StrategyBucket, StrategyEmailDomain:
		return UnknownBucket, true
	default:
		return nil, false
	}
}

// EmailDomain returns the lowercased domain of an address, or UnknownBucket.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return UnknownBucket
	}
	domain := strings.ToLower(strings.TrimSpace(email[at+1:]))
	if domain == "" {
		return UnknownBucket
	}
	return domain
}

var dateLayouts = []string{"2006-01-02", time.RFC3339}

// AgeBand maps a birth date to an age band of the given width relative to
// now: the first band is [01-width] and also holds age 0, and an age that
// is a multiple of width closes its band ([51-60] holds 60). Unparsable,
// empty and future dates map to UnknownBucket.
func AgeBand(birthday string, now time.Time, width int) string {
	if width <= 0 {
		width = DefaultBandWidth
	}
	dob, ok := parseDate(strings.TrimSpace(birthday))
	if !ok {
		return UnknownBucket
	}

	age, ok := ageAt(dob, now)
	if !ok {
		return UnknownBucket
	}

	var upper int
	switch {
	case age == 0:
		upper = width
	case age%width == 0:
		upper = age
	default:
		upper = (age/width + 1) * width
	}
	return fmt.Sprintf("[%02d-%02d]", upper-width+1, upper)
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ageAt returns completed years between dob and now; false for future dates.
func ageAt(dob, now time.Time) (int, bool) {
	age := now.Year() - dob.Year()
	if now.Month() < dob.Month() || (now.Month() == dob.Month() && now.Day() < dob.Day()) {
		age--
	}
	if age < 0 {
		return 0, false
	}
	return age, true
}

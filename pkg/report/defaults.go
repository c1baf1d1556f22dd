package report

// Default metric names.
const (
	MetricGermanGmailPct     = "german_gmail_users_pct"
	MetricTopGmailCountries  = "top_gmail_countries_rank"
	MetricGmailCountriesTop3 = "top_gmail_countries_count"
	MetricGmailOver60        = "gmail_users_over_60"
	MetricPeopleOver60       = "people_over_60"
)

var (
	gmailUsers = Condition{Field: "email_domain", Op: OpPrefix, Value: "gmail.", FoldCase: true}
	over60     = Condition{Field: "age_range", Op: OpGt, Value: "60"}
)

// DefaultMetrics returns the case-study analyses over anonymized persons.
func DefaultMetrics() []MetricSpec {
	return []MetricSpec{
		{
			Name: MetricGermanGmailPct,
			Func: FuncPercentage,
			Where: []Condition{
				{Field: "address.country", Op: OpEq, Value: "germany", FoldCase: true},
				gmailUsers,
			},
		},
		{
			Name:     MetricTopGmailCountries,
			Func:     FuncCount,
			GroupBy:  []string{"address.country"},
			Where:    []Condition{gmailUsers},
			FoldCase: true,
			Top:      3,
			KeepTies: true,
		},
		{
			Name:     MetricGmailCountriesTop3,
			Func:     FuncCount,
			GroupBy:  []string{"address.country"},
			Where:    []Condition{gmailUsers},
			FoldCase: true,
			Top:      3,
		},
		{
			Name: MetricGmailOver60,
			Func: FuncCount,
			Where: []Condition{
				gmailUsers,
				over60,
			},
		},
		{
			Name:  MetricPeopleOver60,
			Func:  FuncCount,
			Where: []Condition{over60},
		},
	}
}

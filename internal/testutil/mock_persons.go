// Package testutil provides testing utilities for the persons ETL.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// PersonsPath is the path the mock serves pages on.
const PersonsPath = "/api/v1/persons"

// Failure makes the mock answer a page with StatusCode for the first Times requests.
type Failure struct {
	StatusCode int
	Times      int
	Headers    map[string]string
}

// MockPersons is a configurable mock person data service for testing.
type MockPersons struct {
	server *httptest.Server
	mu     sync.Mutex

	people []map[string]any

	// DeclaredTotal overrides the "total" reported in every envelope when >= 0.
	DeclaredTotal int

	// OmitTotalPages drops "total_pages" so clients must derive it.
	OmitTotalPages bool

	// Delay is added before every response.
	Delay time.Duration

	failures map[int]*Failure
	overlay  map[int][]map[string]any
	raw      map[int]string

	requestCount int
	pageRequests map[int]int
	lastQuery    map[string]string
}

// NewMockPersons creates a mock service holding count generated persons with ids 1..count.
func NewMockPersons(count int) *MockPersons {
	people := make([]map[string]any, 0, count)
	for i := 1; i <= count; i++ {
		people = append(people, Person(i))
	}
	return NewMockPersonsWith(people)
}

// NewMockPersonsWith creates a mock service serving the given persons in order.
func NewMockPersonsWith(people []map[string]any) *MockPersons {
	mock := &MockPersons{
		people:        people,
		DeclaredTotal: -1,
		failures:      make(map[int]*Failure),
		overlay:       make(map[int][]map[string]any),
		raw:           make(map[int]string),
		pageRequests:  make(map[int]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server base URL.
func (m *MockPersons) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockPersons) Close() {
	m.server.Close()
}

// FailPage makes the given page fail.
func (m *MockPersons) FailPage(page int, f Failure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[page] = &f
}

// AppendToPage adds extra persons to a page, e.g. to inject duplicates.
func (m *MockPersons) AppendToPage(page int, people ...map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overlay[page] = append(m.overlay[page], people...)
}

// SetRawPage serves body verbatim with 200 for the page.
func (m *MockPersons) SetRawPage(page int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw[page] = body
}

// RequestCount returns the number of requests received.
func (m *MockPersons) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// PageRequests returns how often a page was requested.
func (m *MockPersons) PageRequests(page int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageRequests[page]
}

// LastQuery returns the query parameters of the most recent request.
func (m *MockPersons) LastQuery() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.lastQuery))
	for k, v := range m.lastQuery {
		out[k] = v
	}
	return out
}

func (m *MockPersons) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != PersonsPath {
		http.NotFound(w, r)
		return
	}
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-r.Context().Done():
			return
		}
	}

	page, err := strconv.Atoi(r.URL.Query().Get("_page"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err := strconv.Atoi(r.URL.Query().Get("_quantity"))
	if err != nil || size < 1 {
		size = 10
	}

	m.mu.Lock()
	m.requestCount++
	m.pageRequests[page]++
	m.lastQuery = make(map[string]string)
	for k := range r.URL.Query() {
		m.lastQuery[k] = r.URL.Query().Get(k)
	}
	failure := m.failures[page]
	var fail *Failure
	if failure != nil && failure.Times > 0 {
		failure.Times--
		fail = failure
	}
	raw, hasRaw := m.raw[page]
	extra := m.overlay[page]
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if fail != nil {
		for k, v := range fail.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(fail.StatusCode)
		fmt.Fprintf(w, `{"status":"error","code":%d}`, fail.StatusCode)
		return
	}

	if hasRaw {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(raw))
		return
	}

	total := len(m.people)
	declared := total
	if m.DeclaredTotal >= 0 {
		declared = m.DeclaredTotal
	}
	pages := (total + size - 1) / size

	start := (page - 1) * size
	end := start + size
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	data := make([]map[string]any, 0, end-start+len(extra))
	data = append(data, m.people[start:end]...)
	data = append(data, extra...)

	env := map[string]any{
		"status": "OK",
		"code":   200,
		"locale": r.URL.Query().Get("_locale"),
		"seed":   r.URL.Query().Get("_seed"),
		"total":  declared,
		"page":   page,
		"data":   data,
	}
	if !m.OmitTotalPages {
		env["total_pages"] = pages
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(env)
}

// Person returns a deterministic synthetic person with the given id.
func Person(id int) map[string]any {
	countries := []string{"Germany", "France", "Spain", "Italy", "Poland"}
	domains := []string{"gmail.com", "yahoo.com", "gmail.de", "outlook.com"}
	genders := []string{"male", "female"}

	return map[string]any{
		"id":        id,
		"firstname": fmt.Sprintf("First%d", id),
		"lastname":  fmt.Sprintf("Last%d", id),
		"email":     fmt.Sprintf("user%d@%s", id, domains[id%len(domains)]),
		"phone":     fmt.Sprintf("+49151%07d", id),
		"birthday":  fmt.Sprintf("%d-06-15", 1940+(id*7)%70),
		"gender":    genders[id%len(genders)],
		"website":   "http://example.com",
		"address": map[string]any{
			"id":             id,
			"street":         fmt.Sprintf("%d Main Street", id),
			"streetName":     "Main Street",
			"buildingNumber": strconv.Itoa(id),
			"city":           "Berlin",
			"zipcode":        fmt.Sprintf("%05d", id),
			"country":        countries[id%len(countries)],
			"country_code":   "DE",
			"latitude":       52.52,
			"longitude":      13.40,
		},
	}
}

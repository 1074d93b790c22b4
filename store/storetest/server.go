// Package storetest provides an in-memory fake of the datastore REST API
// for tests. It speaks the same dialect the store client emits: equality
// filters, order/limit, merge-duplicate upserts, exact counts, and rpc
// calls. State lives in plain maps and is inspectable from specs.
package storetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Row is one stored record.
type Row = map[string]any

// Server is a fake datastore backed by httptest.
type Server struct {
	HTTP *httptest.Server

	mu     sync.Mutex
	tables map[string][]Row
	rpcs   []RPCCall
	// FailTables makes every request touching the named table return 500,
	// for fail-closed tests.
	failTables map[string]bool
}

// RPCCall records one procedure invocation.
type RPCCall struct {
	Name string
	Args Row
}

// New starts a fake datastore. Callers must Close it.
func New() *Server {
	s := &Server{
		tables:     make(map[string][]Row),
		failTables: make(map[string]bool),
	}
	s.HTTP = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the base URL to hand to store.NewClient.
func (s *Server) URL() string { return s.HTTP.URL }

// Close shuts the server down.
func (s *Server) Close() { s.HTTP.Close() }

// Seed replaces the contents of a table.
func (s *Server) Seed(table string, rows ...Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append([]Row(nil), rows...)
}

// Rows returns a copy of a table's contents.
func (s *Server) Rows(table string) []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Row(nil), s.tables[table]...)
}

// RPCCalls returns all recorded procedure invocations.
func (s *Server) RPCCalls() []RPCCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RPCCall(nil), s.rpcs...)
}

// FailTable makes requests on table fail with status 500 until restored
// with RecoverTable.
func (s *Server) FailTable(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTables[table] = true
}

// RecoverTable undoes FailTable.
func (s *Server) RecoverTable(table string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failTables, table)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/rest/v1/")
	if path == r.URL.Path {
		http.NotFound(w, r)
		return
	}

	if strings.HasPrefix(path, "rpc/") {
		s.handleRPC(w, r, strings.TrimPrefix(path, "rpc/"))
		return
	}

	table := path
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failTables[table] {
		http.Error(w, `{"message":"injected failure"}`, http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleSelect(w, r, table)
	case http.MethodHead:
		s.handleCount(w, r, table)
	case http.MethodPost:
		s.handleInsert(w, r, table)
	case http.MethodDelete:
		s.handleDelete(w, r, table)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request, name string) {
	var args Row
	_ = json.NewDecoder(r.Body).Decode(&args)
	s.mu.Lock()
	s.rpcs = append(s.rpcs, RPCCall{Name: name, Args: args})
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("null"))
}

// filters extracts eq predicates from the query string.
func filters(r *http.Request) map[string]string {
	out := make(map[string]string)
	for k, vals := range r.URL.Query() {
		if k == "order" || k == "limit" || k == "on_conflict" {
			continue
		}
		for _, v := range vals {
			if strings.HasPrefix(v, "eq.") {
				out[k] = strings.TrimPrefix(v, "eq.")
			}
		}
	}
	return out
}

// matches compares a stored value with a filter string the way PostgREST
// would: textual equality on the value's canonical form.
func matches(row Row, f map[string]string) bool {
	for col, want := range f {
		got, ok := row[col]
		if !ok {
			return false
		}
		if canonical(got) != want {
			return false
		}
	}
	return true
}

func canonical(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		// JSON numbers decode as float64; render integers without a dot.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, table string) {
	f := filters(r)
	var out []Row
	for _, row := range s.tables[table] {
		if matches(row, f) {
			out = append(out, row)
		}
	}

	if order := r.URL.Query().Get("order"); order != "" {
		col := order
		desc := false
		if strings.HasSuffix(order, ".desc") {
			col = strings.TrimSuffix(order, ".desc")
			desc = true
		} else {
			col = strings.TrimSuffix(order, ".asc")
		}
		sort.SliceStable(out, func(i, j int) bool {
			less := canonical(out[i][col]) < canonical(out[j][col])
			if desc {
				return !less
			}
			return less
		})
	}

	if lim := r.URL.Query().Get("limit"); lim != "" {
		if n, err := strconv.Atoi(lim); err == nil && n < len(out) {
			out = out[:n]
		}
	}

	if out == nil {
		out = []Row{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request, table string) {
	f := filters(r)
	n := 0
	for _, row := range s.tables[table] {
		if matches(row, f) {
			n++
		}
	}
	w.Header().Set("Content-Range", fmt.Sprintf("0-0/%d", n))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request, table string) {
	var row Row
	if err := json.NewDecoder(r.Body).Decode(&row); err != nil {
		http.Error(w, `{"message":"bad body"}`, http.StatusBadRequest)
		return
	}

	conflict := r.URL.Query().Get("on_conflict")
	merge := strings.Contains(r.Header.Get("Prefer"), "merge-duplicates")
	if conflict != "" && merge {
		keys := strings.Split(conflict, ",")
		for i, existing := range s.tables[table] {
			same := true
			for _, k := range keys {
				if canonical(existing[k]) != canonical(row[k]) {
					same = false
					break
				}
			}
			if same {
				s.tables[table][i] = row
				w.WriteHeader(http.StatusCreated)
				return
			}
		}
	}
	s.tables[table] = append(s.tables[table], row)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, table string) {
	f := filters(r)
	kept := s.tables[table][:0]
	for _, row := range s.tables[table] {
		if !matches(row, f) {
			kept = append(kept, row)
		}
	}
	s.tables[table] = kept
	w.WriteHeader(http.StatusNoContent)
}

// Package remotetest serves an in-memory stand-in for the annotation handler
// so clients and the persistence engine can be exercised end to end.
package remotetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/annotation"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/remote"
)

type Server struct {
	srv *httptest.Server

	mu          sync.Mutex
	records     map[string]map[string]annotation.Record
	saves       []remote.SaveRequest
	loads       int
	failures    []failure
	csrfToken   string
	hold        chan struct{}
	release     func()
	inFlight    int
	maxInFlight int
	entered     chan struct{}
}

type failure struct {
	status  int
	message string
}

func NewServer() *Server {
	s := &Server{
		records: map[string]map[string]annotation.Record{},
		entered: make(chan struct{}, 64),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) URL() string {
	return s.srv.URL + "/handler/annotations"
}

func (s *Server) Client() *http.Client {
	return s.srv.Client()
}

func (s *Server) Close() {
	s.mu.Lock()
	release := s.release
	s.mu.Unlock()
	if release != nil {
		release()
	}
	s.srv.Close()
}

// Seed stores records as if an earlier session had saved them.
func (s *Server) Seed(userID, blockID string, records ...annotation.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scope := s.scopeLocked(userID, blockID)
	for _, r := range records {
		scope[r.ID] = r.Clone()
	}
}

func (s *Server) Records(userID, blockID string) []annotation.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []annotation.Record{}
	for _, r := range s.records[userID+":"+blockID] {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) Saves() []remote.SaveRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.SaveRequest(nil), s.saves...)
}

func (s *Server) SaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *Server) LoadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

// MaxConcurrentSaves is the highest number of save requests the server has
// seen in flight at once.
func (s *Server) MaxConcurrentSaves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// FailNext answers the next n requests with status. Status 200 produces a
// {"result":"error"} body instead of a transport-level failure.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, failure{status: status, message: "injected failure"})
	}
}

func (s *Server) RequireCSRF(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrfToken = token
}

// HoldSaves parks every save request until the returned release func runs.
func (s *Server) HoldSaves() (release func()) {
	hold := make(chan struct{})
	var once sync.Once
	release = func() {
		once.Do(func() { close(hold) })
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = hold
	s.release = release
	return release
}

// SaveEntered receives once per save request as soon as it reaches the
// server, before any hold applies.
func (s *Server) SaveEntered() <-chan struct{} {
	return s.entered
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleLoad(w, r)
	case http.MethodPost:
		s.handleSave(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if query.Get("action") != "load" {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown action")
		return
	}
	s.mu.Lock()
	s.loads++
	if f, ok := s.nextFailureLocked(); ok {
		s.mu.Unlock()
		if f.status == http.StatusOK {
			writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": f.message})
			return
		}
		writeError(w, f.status, "injected", f.message)
		return
	}
	grouped := annotation.Grouped{}
	for _, rec := range s.records[query.Get("userId")+":"+query.Get("blockId")] {
		grouped.Add(rec.Clone())
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": grouped})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req remote.SaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Action != "save" {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown action")
		return
	}

	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	hold := s.hold
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	select {
	case s.entered <- struct{}{}:
	default:
	}
	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, req)
	if s.csrfToken != "" && r.Header.Get(remote.DefaultCSRFHeader) != s.csrfToken {
		writeError(w, http.StatusForbidden, "csrf_failed", "CSRF verification failed")
		return
	}
	if f, ok := s.nextFailureLocked(); ok {
		if f.status == http.StatusOK {
			writeJSON(w, http.StatusOK, map[string]any{"result": "error", "message": f.message})
			return
		}
		writeError(w, f.status, "injected", f.message)
		return
	}

	scope := s.scopeLocked(req.UserID, req.BlockID)
	savedTypes := map[string]struct{}{}
	if !req.Data.DeletionOnly {
		for _, rec := range req.Data.Grouped.Flatten() {
			scope[rec.ID] = rec.Clone()
			savedTypes[string(rec.Type)] = struct{}{}
		}
	}
	deletions := append(append([]annotation.Deletion(nil), req.Data.Deletions...), req.Deletions...)
	for _, d := range deletions {
		delete(scope, d.ID)
	}
	types := make([]string, 0, len(savedTypes))
	for typ := range savedTypes {
		types = append(types, typ)
	}
	sort.Strings(types)
	writeJSON(w, http.StatusOK, map[string]any{
		"result":      "success",
		"message":     "Annotations saved successfully",
		"saved_types": types,
	})
}

func (s *Server) nextFailureLocked() (failure, bool) {
	if len(s.failures) == 0 {
		return failure{}, false
	}
	f := s.failures[0]
	s.failures = s.failures[1:]
	return f, true
}

func (s *Server) scopeLocked(userID, blockID string) map[string]annotation.Record {
	key := userID + ":" + blockID
	scope, ok := s.records[key]
	if !ok {
		scope = map[string]annotation.Record{}
		s.records[key] = scope
	}
	return scope
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

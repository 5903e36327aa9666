package remote

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// StoredIssue is an issue as recorded by MockServer.
type StoredIssue struct {
	ID      string
	Payload IssuePayload
}

// MockServer provides a fake backend API for testing
type MockServer struct {
	*httptest.Server
	mu sync.RWMutex

	issues      []StoredIssue
	byKey       map[string]string // idempotency key -> issue id
	images      map[string]string // idempotency key -> url
	imageCount  int
	users       map[string]*User // token -> user
	failNext    []int            // status codes returned before handling
	delay       time.Duration
	createCalls int
	uploadCalls int
}

// NewMockServer creates a mock backend API server
func NewMockServer() *MockServer {
	m := &MockServer{
		byKey:  make(map[string]string),
		images: make(map[string]string),
		users:  make(map[string]*User),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(healthPath, func(w http.ResponseWriter, r *http.Request) {
		if m.intercept(w) {
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(issuesPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m.mu.Lock()
		m.createCalls++
		m.mu.Unlock()
		if m.intercept(w) {
			return
		}
		m.handleCreateIssue(w, r)
	})
	mux.HandleFunc(imagesPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m.mu.Lock()
		m.uploadCalls++
		m.mu.Unlock()
		if m.intercept(w) {
			return
		}
		m.handleUploadImage(w, r)
	})
	mux.HandleFunc(userPath, func(w http.ResponseWriter, r *http.Request) {
		if m.intercept(w) {
			return
		}
		m.handleGetUser(w, r)
	})

	m.Server = httptest.NewServer(mux)
	return m
}

// AddUser makes token authenticate as user.
func (m *MockServer) AddUser(token string, user *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[token] = user
}

// FailNext makes the next len(codes) requests answer with the given status
// codes, in order, without being processed.
func (m *MockServer) FailNext(codes ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, codes...)
}

// SetDelay delays every response by d.
func (m *MockServer) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Issues returns the issues created so far (for test assertions)
func (m *MockServer) Issues() []StoredIssue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StoredIssue, len(m.issues))
	copy(out, m.issues)
	return out
}

// CreateCalls returns how many create requests reached the server.
func (m *MockServer) CreateCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.createCalls
}

// UploadCalls returns how many upload requests reached the server.
func (m *MockServer) UploadCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uploadCalls
}

// Reset clears all recorded state
func (m *MockServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues = nil
	m.byKey = make(map[string]string)
	m.images = make(map[string]string)
	m.imageCount = 0
	m.failNext = nil
	m.createCalls = 0
	m.uploadCalls = 0
}

// intercept applies the configured delay and injected failures. It returns
// true when the response has already been written.
func (m *MockServer) intercept(w http.ResponseWriter) bool {
	m.mu.Lock()
	delay := m.delay
	code := 0
	if len(m.failNext) > 0 {
		code = m.failNext[0]
		m.failNext = m.failNext[1:]
	}
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if code != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"message": http.StatusText(code)})
		return true
	}
	return false
}

func (m *MockServer) userFor(r *http.Request) *User {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[token]
}

func (m *MockServer) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	var payload IssuePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, `{"message":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if payload.Title == "" || payload.UserID == "" {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]string{"message": "title and user_id are required"})
		return
	}

	key := r.Header.Get("Idempotency-Key")
	payload.IdempotencyKey = key

	m.mu.Lock()
	defer m.mu.Unlock()

	id, seen := m.byKey[key]
	if key == "" || !seen {
		id = fmt.Sprintf("issue-%d", len(m.issues)+1)
		m.issues = append(m.issues, StoredIssue{ID: id, Payload: payload})
		if key != "" {
			m.byKey[key] = id
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreatedIssue{ID: id})
}

func (m *MockServer) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `{"message":"missing file"}`, http.StatusBadRequest)
		return
	}
	defer file.Close()
	if _, err := io.Copy(io.Discard, file); err != nil {
		http.Error(w, `{"message":"read failed"}`, http.StatusBadRequest)
		return
	}

	key := r.Header.Get("Idempotency-Key")

	m.mu.Lock()
	url, seen := m.images[key]
	if key == "" || !seen {
		m.imageCount++
		url = fmt.Sprintf("%s/images/%d-%s", m.URL, m.imageCount, header.Filename)
		if key != "" {
			m.images[key] = url
		}
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"url": url})
}

func (m *MockServer) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user := m.userFor(r)
	if user == nil {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"message": "invalid token"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user)
}

package testutils

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SSE stream names served by FakeBackend
const (
	StreamConnection    = "connection"
	StreamNotifications = "notifications"
)

// RecordedRequest is a request observed by FakeBackend
type RecordedRequest struct {
	Method    string
	Path      string
	Body      string
	RequestID string
	Auth      string
}

// FakeAdult is a bound device as stored by FakeBackend
type FakeAdult struct {
	AdultID    int
	PhysicalID string
	Name       string
	BirthDate  string
	Address    string
	Battery    int
}

type fakeShared struct {
	adult    FakeAdult
	sharedBy int
	group    string
}

type fakeFailure struct {
	status int
	body   string
}

type sseClient struct {
	events chan string
	drop   chan struct{}
}

// FakeBackend is an in-process caregiver API: device endpoints plus the two SSE streams.
type FakeBackend struct {
	Server *httptest.Server
	Token  string

	mu          sync.Mutex
	owned       []FakeAdult
	shared      []fakeShared
	status      map[string]bool
	exists      map[string][2]bool
	failures    map[string][]fakeFailure
	requests    []RecordedRequest
	nextAdultID int

	streams       map[string]map[*sseClient]struct{}
	streamOpens   map[string]int
	streamRejects map[string]int
}

// NewFakeBackend starts a fake API accepting token; it is closed with the test.
func NewFakeBackend(t testing.TB, token string) *FakeBackend {
	f := &FakeBackend{
		Token:         token,
		status:        map[string]bool{},
		exists:        map[string][2]bool{},
		failures:      map[string][]fakeFailure{},
		nextAdultID:   100,
		streams:       map[string]map[*sseClient]struct{}{},
		streamOpens:   map[string]int{},
		streamRejects: map[string]int{},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(f.record)
	r.Use(f.injectFailures)

	r.Group(func(r chi.Router) {
		r.Use(f.requireBearer)
		r.Post("/device/vincular", f.handleBind)
		r.Get("/device/check-exists/{id}", f.handleCheckExists)
		r.Get("/device/mis-dispositivos", f.handleListMine)
		r.Get("/shared-group/my-shared-devices/{userId}", f.handleListShared)
		r.Get("/devices/status", f.handleStatus)
		r.Post("/device/stop-monitoring/{adultId}", f.handleStopMonitoring)
		r.Patch("/device/adulto-mayor/{id}", f.handleUpdateAdult)
	})
	r.Get("/device/events/connection", f.handleStream(StreamConnection))
	r.Get("/device/events/notifications", f.handleStream(StreamNotifications))

	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Close)
	return f
}

// URL is the API base URL
func (f *FakeBackend) URL() string {
	return f.Server.URL
}

// Close drops every stream and stops the server.
func (f *FakeBackend) Close() {
	f.DropStreams()
	f.Server.Close()
}

// AddOwned registers a device bound by the caller.
func (f *FakeBackend) AddOwned(a FakeAdult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owned = append(f.owned, a)
	f.exists[a.PhysicalID] = [2]bool{true, true}
}

// AddShared registers a device another caregiver shared with the caller.
func (f *FakeBackend) AddShared(a FakeAdult, sharedBy int, group string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shared = append(f.shared, fakeShared{adult: a, sharedBy: sharedBy, group: group})
}

// SetOnline sets the status reported by /devices/status.
func (f *FakeBackend) SetOnline(physicalID string, online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[physicalID] = online
}

// SetExists overrides the check-exists answer for physicalID.
func (f *FakeBackend) SetExists(physicalID string, exists, bound bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exists[physicalID] = [2]bool{exists, bound}
}

// FailNext makes the next request matching "METHOD /path" answer with status and body.
// The path is matched by prefix so ids can be left out.
func (f *FakeBackend) FailNext(route string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[route] = append(f.failures[route], fakeFailure{status: status, body: body})
}

// Owned returns the devices bound by the caller
func (f *FakeBackend) Owned() []FakeAdult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeAdult(nil), f.owned...)
}

// Requests returns every request seen so far, streams included.
func (f *FakeBackend) Requests() []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecordedRequest(nil), f.requests...)
}

// RequestsTo returns the requests for "METHOD /path" (prefix match).
func (f *FakeBackend) RequestsTo(route string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range f.Requests() {
		if strings.HasPrefix(r.Method+" "+r.Path, route) {
			out = append(out, r)
		}
	}
	return out
}

func (f *FakeBackend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		f.mu.Lock()
		f.requests = append(f.requests, RecordedRequest{
			Method:    r.Method,
			Path:      r.URL.Path,
			Body:      string(body),
			RequestID: middleware.GetReqID(r.Context()),
			Auth:      r.Header.Get("Authorization"),
		})
		f.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (f *FakeBackend) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		f.mu.Lock()
		var failure *fakeFailure
		for route, queue := range f.failures {
			if len(queue) > 0 && strings.HasPrefix(key, route) {
				failure = &queue[0]
				f.failures[route] = queue[1:]
				break
			}
		}
		f.mu.Unlock()

		if failure != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(failure.status)
			_, _ = io.WriteString(w, failure.body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *FakeBackend) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+f.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Unauthorized", "statusCode": 401})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func adultJSON(a FakeAdult) map[string]any {
	return map[string]any{
		"id_adulto":        a.AdultID,
		"nombre":           a.Name,
		"fecha_nacimiento": a.BirthDate,
		"direccion":        a.Address,
		"dispositivo": map[string]any{
			"id_dispositivo": a.AdultID + 1000,
			"bateria":        a.Battery,
			"mac_address":    a.PhysicalID,
		},
	}
}

func (f *FakeBackend) handleBind(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MAC       string `json:"mac_address"`
		Battery   int    `json:"bateria"`
		Name      string `json:"nombre_adulto"`
		BirthDate string `json:"fecha_nacimiento"`
		Address   string `json:"direccion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MAC == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": []string{"mac_address should not be empty"}})
		return
	}

	f.mu.Lock()
	if f.exists[body.MAC][1] {
		f.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]any{"message": "El dispositivo ya está vinculado"})
		return
	}
	f.nextAdultID++
	a := FakeAdult{
		AdultID:    f.nextAdultID,
		PhysicalID: body.MAC,
		Name:       body.Name,
		BirthDate:  body.BirthDate,
		Address:    body.Address,
		Battery:    body.Battery,
	}
	f.owned = append(f.owned, a)
	f.exists[body.MAC] = [2]bool{true, true}
	f.mu.Unlock()

	writeJSON(w, http.StatusCreated, adultJSON(a))
}

func (f *FakeBackend) handleCheckExists(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f.mu.Lock()
	ans, ok := f.exists[id]
	f.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Dispositivo no encontrado"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exists": ans[0], "vinculado": ans[1]})
}

func (f *FakeBackend) handleListMine(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	out := make([]map[string]any, 0, len(f.owned))
	for _, a := range f.owned {
		out = append(out, adultJSON(a))
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (f *FakeBackend) handleListShared(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	out := make([]map[string]any, 0, len(f.shared))
	for _, s := range f.shared {
		out = append(out, map[string]any{
			"adulto_id": s.adult.AdultID,
			"shared_by": s.sharedBy,
			"groupName": s.group,
			"groupCode": "G-" + strconv.Itoa(s.sharedBy),
			"adulto":    adultJSON(s.adult),
		})
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (f *FakeBackend) handleStatus(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	out := make([]map[string]any, 0, len(f.status))
	for id, online := range f.status {
		out = append(out, map[string]any{"deviceId": id, "online": online})
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (f *FakeBackend) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "adultId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "Validation failed (numeric string is expected)"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, a := range f.owned {
		if a.AdultID == id {
			f.owned = append(f.owned[:i], f.owned[i+1:]...)
			delete(f.exists, a.PhysicalID)
			writeJSON(w, http.StatusOK, map[string]any{"message": "Monitoreo detenido"})
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"message": "Adulto mayor no encontrado"})
}

func (f *FakeBackend) handleUpdateAdult(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(chi.URLParam(r, "id"))
	var body struct {
		Name      string `json:"nombre"`
		BirthDate string `json:"fecha_nacimiento"`
		Address   string `json:"direccion"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.owned {
		if f.owned[i].AdultID == id {
			f.owned[i].Name = body.Name
			f.owned[i].BirthDate = body.BirthDate
			f.owned[i].Address = body.Address
			writeJSON(w, http.StatusOK, adultJSON(f.owned[i]))
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"message": "Adulto mayor no encontrado"})
}

// RejectStreams makes the next n connections to stream answer 503.
func (f *FakeBackend) RejectStreams(stream string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamRejects[stream] = n
}

// StreamOpens counts accepted connections to stream.
func (f *FakeBackend) StreamOpens(stream string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamOpens[stream]
}

// Subscribers counts live connections to stream.
func (f *FakeBackend) Subscribers(stream string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[stream])
}

// WaitSubscribers waits until stream has n live connections.
func (f *FakeBackend) WaitSubscribers(stream string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if f.Subscribers(stream) >= n {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

// Push sends one SSE frame to every live connection of stream and returns how many got it.
// payload is sent as data lines; a value that is not a string is JSON encoded.
func (f *FakeBackend) Push(stream string, payload any) int {
	data, ok := payload.(string)
	if !ok {
		data = MustJSON(payload)
	}

	var frame strings.Builder
	for _, line := range strings.Split(data, "\n") {
		frame.WriteString("data: ")
		frame.WriteString(line)
		frame.WriteString("\n")
	}
	frame.WriteString("\n")
	return f.PushRaw(stream, frame.String())
}

// PushRaw writes text verbatim to every live connection of stream.
func (f *FakeBackend) PushRaw(stream, text string) int {
	f.mu.Lock()
	clients := make([]*sseClient, 0, len(f.streams[stream]))
	for c := range f.streams[stream] {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		select {
		case c.events <- text:
		case <-c.drop:
		}
	}
	return len(clients)
}

// DropStreams ends every live SSE connection, as a proxy timeout would.
func (f *FakeBackend) DropStreams() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, clients := range f.streams {
		for c := range clients {
			close(c.drop)
			delete(clients, c)
		}
	}
}

func (f *FakeBackend) handleStream(stream string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != f.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Unauthorized"})
			return
		}

		f.mu.Lock()
		if f.streamRejects[stream] > 0 {
			f.streamRejects[stream]--
			f.mu.Unlock()
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c := &sseClient{events: make(chan string), drop: make(chan struct{})}
		if f.streams[stream] == nil {
			f.streams[stream] = map[*sseClient]struct{}{}
		}
		f.streams[stream][c] = struct{}{}
		f.streamOpens[stream]++
		f.mu.Unlock()

		defer func() {
			f.mu.Lock()
			if _, ok := f.streams[stream][c]; ok {
				delete(f.streams[stream], c)
			}
			f.mu.Unlock()
		}()

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-c.drop:
				return
			case text := <-c.events:
				_, _ = io.WriteString(w, text)
				flusher.Flush()
			}
		}
	}
}

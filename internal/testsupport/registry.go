package testsupport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// RegistryReply scripts one response of the fake registry.
type RegistryReply struct {
	// Status defaults to 200.
	Status int
	// RetryAfter is sent as the Retry-After header when non-empty.
	RetryAfter string
	// Chosen lists organization ids returned with chosen=true.
	Chosen []string
	// Others lists organization ids returned with chosen=false.
	Others []string
	// Delay holds the response for this long before answering.
	Delay time.Duration
	// Body overrides the JSON body verbatim.
	Body string
}

// RegistryCall records one request received by the fake registry.
type RegistryCall struct {
	Affiliation string
	Quoted      bool
	Single      bool
}

// FakeRegistry is an httptest server speaking the ROR v2 affiliation
// matching API. Replies are scripted per affiliation text (without quotes);
// each request consumes the next scripted reply and the last one repeats.
type FakeRegistry struct {
	URL string

	server   *httptest.Server
	mu       sync.Mutex
	replies  map[string][]RegistryReply
	fallback RegistryReply
	calls    []RegistryCall
	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewFakeRegistry starts a fake registry and closes it at test cleanup.
// Unscripted affiliations receive an empty item list.
func NewFakeRegistry(t testing.TB) *FakeRegistry {
	t.Helper()
	fr := &FakeRegistry{replies: make(map[string][]RegistryReply)}
	fr.server = httptest.NewServer(http.HandlerFunc(fr.handle))
	fr.URL = fr.server.URL
	t.Cleanup(fr.server.Close)
	return fr
}

// Script queues replies for an affiliation text.
func (fr *FakeRegistry) Script(affiliation string, replies ...RegistryReply) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.replies[affiliation] = append(fr.replies[affiliation], replies...)
}

// SetDefault sets the reply used for unscripted affiliations.
func (fr *FakeRegistry) SetDefault(reply RegistryReply) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.fallback = reply
}

// Calls returns a copy of every request received so far.
func (fr *FakeRegistry) Calls() []RegistryCall {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return append([]RegistryCall(nil), fr.calls...)
}

// CallsFor counts requests for one affiliation text.
func (fr *FakeRegistry) CallsFor(affiliation string) int {
	n := 0
	for _, c := range fr.Calls() {
		if c.Affiliation == affiliation {
			n++
		}
	}
	return n
}

// PeakInFlight reports the largest number of concurrently served requests.
func (fr *FakeRegistry) PeakInFlight() int64 {
	return fr.peak.Load()
}

func (fr *FakeRegistry) next(call RegistryCall) RegistryReply {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.calls = append(fr.calls, call)
	queue := fr.replies[call.Affiliation]
	if len(queue) == 0 {
		return fr.fallback
	}
	reply := queue[0]
	if len(queue) > 1 {
		fr.replies[call.Affiliation] = queue[1:]
	}
	return reply
}

func (fr *FakeRegistry) handle(w http.ResponseWriter, r *http.Request) {
	current := fr.inFlight.Add(1)
	defer fr.inFlight.Add(-1)
	for {
		peak := fr.peak.Load()
		if current <= peak || fr.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	if r.URL.Path != "/v2/organizations" {
		http.NotFound(w, r)
		return
	}
	query := r.URL.Query()
	raw := query.Get("affiliation")
	quoted := len(raw) >= 2 && strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`)
	text := raw
	if quoted {
		text = raw[1 : len(raw)-1]
	}
	reply := fr.next(RegistryCall{Affiliation: text, Quoted: quoted, Single: query.Has("single_search")})

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-r.Context().Done():
			return
		}
	}
	if reply.RetryAfter != "" {
		w.Header().Set("Retry-After", reply.RetryAfter)
	}
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if reply.Body != "" {
		_, _ = w.Write([]byte(reply.Body))
		return
	}
	if status != http.StatusOK {
		_, _ = w.Write([]byte(`{"errors":["scripted failure"]}`))
		return
	}
	_ = json.NewEncoder(w).Encode(registryBody(reply))
}

func registryBody(reply RegistryReply) map[string]any {
	items := make([]map[string]any, 0, len(reply.Chosen)+len(reply.Others))
	add := func(id string, chosen bool) {
		items = append(items, map[string]any{
			"chosen":        chosen,
			"score":         0.9,
			"matching_type": "PHRASE",
			"organization": map[string]any{
				"id": id,
				"names": []map[string]any{
					{"value": "Org " + id, "types": []string{"ror_display", "label"}},
				},
			},
		})
	}
	for _, id := range reply.Chosen {
		add(id, true)
	}
	for _, id := range reply.Others {
		add(id, false)
	}
	return map[string]any{"number_of_results": len(items), "items": items}
}

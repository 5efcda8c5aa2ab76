package registry_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"affilink/internal/registry"
	"affilink/internal/testsupport"
)

func newClient(t *testing.T, baseURL string) *registry.Client {
	t.Helper()
	client, err := registry.New(registry.Config{BaseURL: baseURL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return client
}

func TestLookupSingleBuildsQueryAndParsesResponse(t *testing.T) {
	var gotPath, gotQuery, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"number_of_results":2,"items":[
			{"chosen":true,"score":1.0,"matching_type":"EXACT","organization":{"id":"https://ror.org/042nb2s44","names":[{"value":"MIT","types":["acronym"]},{"value":"Massachusetts Institute of Technology","types":["ror_display","label"]}]}},
			{"chosen":false,"score":0.4,"matching_type":"FUZZY","organization":{"id":"https://ror.org/00f54p054","names":[{"value":"Stanford University","types":["label"]}]}}
		]}`))
	}))
	defer srv.Close()

	client, err := registry.New(registry.Config{BaseURL: srv.URL + "/", UserAgent: "affilink-test"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	candidates, err := client.Lookup(context.Background(), "  Massachusetts\tInstitute of Technology ", registry.ModeSingle)
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}

	if gotPath != "/v2/organizations" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotQuery != "affiliation=%22Massachusetts+Institute+of+Technology%22&single_search" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if gotUA != "affilink-test" {
		t.Fatalf("unexpected user agent %q", gotUA)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Name != "Massachusetts Institute of Technology" || !candidates[0].Chosen {
		t.Fatalf("unexpected first candidate: %+v", candidates[0])
	}
	if candidates[1].Name != "Stanford University" || candidates[1].Chosen {
		t.Fatalf("unexpected second candidate: %+v", candidates[1])
	}
	chosen := candidates.Chosen()
	if len(chosen) != 1 || chosen[0] != "https://ror.org/042nb2s44" {
		t.Fatalf("unexpected chosen ids: %v", chosen)
	}
}

func TestLookupSingleRetriesUnquotedOnServerError(t *testing.T) {
	fr := testsupport.NewFakeRegistry(t)
	fr.Script("Example University",
		testsupport.RegistryReply{Status: http.StatusInternalServerError},
		testsupport.RegistryReply{Chosen: []string{"https://ror.org/05abc1234"}},
	)
	client := newClient(t, fr.URL)

	candidates, err := client.Lookup(context.Background(), "Example University", registry.ModeSingle)
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if ids := candidates.Chosen(); len(ids) != 1 || ids[0] != "https://ror.org/05abc1234" {
		t.Fatalf("unexpected chosen ids: %v", ids)
	}
	calls := fr.Calls()
	if len(calls) != 2 || !calls[0].Quoted || calls[1].Quoted || !calls[1].Single {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestLookupSingleDoesNotRetryClientError(t *testing.T) {
	fr := testsupport.NewFakeRegistry(t)
	fr.Script("Bad", testsupport.RegistryReply{Status: http.StatusBadRequest})
	client := newClient(t, fr.URL)

	_, err := client.Lookup(context.Background(), "Bad", registry.ModeSingle)
	if registry.Classify(err) != registry.ReasonClientError {
		t.Fatalf("expected client error, got %v", err)
	}
	if registry.Retriable(err) {
		t.Fatal("client errors are not retriable")
	}
	if fr.CallsFor("Bad") != 1 {
		t.Fatalf("expected a single call, got %d", fr.CallsFor("Bad"))
	}
}

func TestLookupMultiRetriesUnquotedOnAnyError(t *testing.T) {
	fr := testsupport.NewFakeRegistry(t)
	fr.Script("Dept of X",
		testsupport.RegistryReply{Status: http.StatusBadRequest},
		testsupport.RegistryReply{Chosen: []string{"ror.org/01xyz9876"}},
	)
	client := newClient(t, fr.URL)

	candidates, err := client.Lookup(context.Background(), "Dept of X", registry.ModeMulti)
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if ids := candidates.Chosen(); len(ids) != 1 || ids[0] != "https://ror.org/01xyz9876" {
		t.Fatalf("unexpected chosen ids: %v", ids)
	}
	for _, call := range fr.Calls() {
		if call.Single {
			t.Fatalf("multi mode must not send single_search: %+v", call)
		}
	}
}

func TestLookupSurfacesRetryAfter(t *testing.T) {
	fr := testsupport.NewFakeRegistry(t)
	fr.Script("Busy", testsupport.RegistryReply{Status: http.StatusTooManyRequests, RetryAfter: "7"})
	client := newClient(t, fr.URL)

	_, err := client.Lookup(context.Background(), "Busy", registry.ModeSingle)
	var rateLimited *registry.RateLimitError
	if !errors.As(err, &rateLimited) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rateLimited.RetryAfter != 7*time.Second {
		t.Fatalf("unexpected retry after %s", rateLimited.RetryAfter)
	}
	if wait, ok := registry.RetryAfter(err); !ok || wait != 7*time.Second {
		t.Fatalf("RetryAfter = %s, %v", wait, ok)
	}
	if registry.Classify(err) != registry.ReasonRateLimited || !registry.Retriable(err) {
		t.Fatalf("unexpected classification for %v", err)
	}
	if fr.CallsFor("Busy") != 1 {
		t.Fatalf("rate limited lookups must not fall back, got %d calls", fr.CallsFor("Busy"))
	}
}

func TestLookupDecodeError(t *testing.T) {
	fr := testsupport.NewFakeRegistry(t)
	fr.Script("Garbled", testsupport.RegistryReply{Body: "<html>"})
	client := newClient(t, fr.URL)

	_, err := client.Lookup(context.Background(), "Garbled", registry.ModeSingle)
	if registry.Classify(err) != registry.ReasonDecode {
		t.Fatalf("expected decode failure, got %v", err)
	}
}

func TestLookupTimeout(t *testing.T) {
	fr := testsupport.NewFakeRegistry(t)
	fr.SetDefault(testsupport.RegistryReply{Delay: time.Second})
	client := newClient(t, fr.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := client.Lookup(ctx, "Slow", registry.ModeSingle)
	if registry.Classify(err) != registry.ReasonTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !registry.Retriable(err) {
		t.Fatal("timeouts are retriable")
	}
}

func TestLookupBlankTextSkipsRequest(t *testing.T) {
	fr := testsupport.NewFakeRegistry(t)
	client := newClient(t, fr.URL)

	candidates, err := client.Lookup(context.Background(), " \t ", registry.ModeSingle)
	if err != nil || len(candidates) != 0 {
		t.Fatalf("expected empty result, got %v %v", candidates, err)
	}
	if len(fr.Calls()) != 0 {
		t.Fatal("blank text should not reach the registry")
	}
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://example", "://bad"} {
		if _, err := registry.New(registry.Config{BaseURL: raw}); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

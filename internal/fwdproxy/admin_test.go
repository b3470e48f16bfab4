package fwdproxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminAPI(t *testing.T) {
	o := newFakeOrigin(t, staticOrigin(okWithETag))
	s := newTestService(t, nil)
	get(s, o.url("/one"))
	s.stats.Observe(OutcomeMiss, len(okWithETag))

	srv := httptest.NewServer(s.AdminHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/cache")
	if err != nil {
		t.Fatal(err)
	}
	var entries []adminEntry
	err = json.NewDecoder(resp.Body).Decode(&entries)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].URL != o.url("/one") || entries[0].ETag != `"v1"` {
		t.Fatalf("entries %+v", entries)
	}

	resp, err = http.Get(srv.URL + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	var ss StatsSnapshot
	err = json.NewDecoder(resp.Body).Decode(&ss)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if ss.CachedEntries != 1 || ss.Outcomes[OutcomeMiss] != 1 {
		t.Fatalf("stats %+v", ss)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/cache", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE /cache: %d", resp.StatusCode)
	}
	if s.store.Len() != 0 {
		t.Fatal("cache not cleared")
	}

	resp, err = http.Post(srv.URL+"/stats", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("POST /stats: %d", resp.StatusCode)
	}
}

package metadata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func metadataHandler(t *testing.T, hits *int) http.HandlerFunc {
	t.Helper()
	values := map[string]string{
		"/computeMetadata/v1/instance/id":   "1234567890",
		"/computeMetadata/v1/instance/name": "r1",
		"/computeMetadata/v1/instance/zone": "projects/42/zones/us-central1-a",
		"/computeMetadata/v1/instance/network-interfaces/":          "0/\n1/\n",
		"/computeMetadata/v1/instance/network-interfaces/0/ip":      "10.128.0.2",
		"/computeMetadata/v1/instance/network-interfaces/0/gateway": "10.128.0.1",
		"/computeMetadata/v1/instance/network-interfaces/1/ip":      "192.168.10.2",
		"/computeMetadata/v1/instance/network-interfaces/1/gateway": "192.168.10.1",
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Metadata-Flavor") != "Google" {
			t.Errorf("missing Metadata-Flavor header on %s", r.URL.Path)
		}
		*hits++
		v, ok := values[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Metadata-Flavor", "Google")
		_, _ = w.Write([]byte(v))
	}
}

func TestInstance_ReadsIdentityAndNICs(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(metadataHandler(t, &hits))
	defer srv.Close()
	t.Setenv("GCE_METADATA_HOST", strings.TrimPrefix(srv.URL, "http://"))

	c := NewClient()
	inst, err := c.Instance(context.Background())
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	if inst.ID != "1234567890" || inst.Name != "r1" {
		t.Fatalf("identity: %+v", inst)
	}
	if inst.Zone != "us-central1-a" {
		t.Fatalf("zone=%q", inst.Zone)
	}
	if len(inst.NICs) != 2 {
		t.Fatalf("nics=%v", inst.NICs)
	}
	if inst.NICs[1].IP != "192.168.10.2" || inst.NICs[1].Gateway != "192.168.10.1" {
		t.Fatalf("nic1=%+v", inst.NICs[1])
	}

	// Cached: a second call must not hit the server again.
	before := hits
	if _, err := c.Instance(context.Background()); err != nil {
		t.Fatalf("second Instance: %v", err)
	}
	if hits != before {
		t.Fatalf("expected cached identity, got %d extra hits", hits-before)
	}
}

func TestInstance_NamingHelpers(t *testing.T) {
	inst := Instance{ID: "123", Name: "r1", Zone: "us-central1-a"}

	if got := inst.RouteName(0); got != "r1-123-0" {
		t.Fatalf("RouteName=%q", got)
	}
	if got := inst.OwnedPrefix(); got != "r1-123-" {
		t.Fatalf("OwnedPrefix=%q", got)
	}
	if got := inst.RoutePrefix(); got != "r1-" {
		t.Fatalf("RoutePrefix=%q", got)
	}
	want := "https://www.googleapis.com/compute/v1/projects/app-prj/zones/us-central1-a/instances/r1"
	if got := inst.SelfLink("app-prj"); got != want {
		t.Fatalf("SelfLink=%q", got)
	}
}

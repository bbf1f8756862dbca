package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/teapotnet/overlay/internal/identity"
)

func TestPublishSendsFormFields(t *testing.T) {
	var gotAddresses, gotPort, gotID string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotAddresses = r.Form.Get("addresses")
		gotPort = r.Form.Get("port")
		gotID = r.URL.Query().Get("id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL)
	var id identity.ID
	id[0] = 0xAB

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.Publish(ctx, id, []string{"10.0.0.1:9000", "10.0.0.2:9001"}, 9000); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if gotAddresses != "10.0.0.1:9000,10.0.0.2:9001" {
		t.Fatalf("unexpected addresses field: %q", gotAddresses)
	}
	if gotPort != "9000" {
		t.Fatalf("unexpected port field: %q", gotPort)
	}
	if gotID != id.String() {
		t.Fatalf("unexpected id query param: %q", gotID)
	}
}

func TestBootstrapParsesNodeMap(t *testing.T) {
	var other identity.ID
	other[0] = 0xCD

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string][]string{
			other.String(): {"198.51.100.1:9000"},
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	}))
	defer srv.Close()

	c := New(srv.URL)
	var self identity.ID
	self[0] = 0x01

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	nodes, err := c.Bootstrap(ctx, self)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	addrs, ok := nodes[other]
	if !ok {
		t.Fatalf("expected entry for %s in %v", other, nodes)
	}
	if len(addrs) != 1 || addrs[0] != "198.51.100.1:9000" {
		t.Fatalf("unexpected addresses: %v", addrs)
	}
}

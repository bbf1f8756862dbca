package store

import (
	"os"
	"testing"
)

func setupStoreDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "store")
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestPutAndGetBlock(t *testing.T) {
	dir := setupStoreDir(t)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	block := []byte("hello, overlay")
	digest, err := s.PutBlock(block)
	if err != nil {
		t.Fatal(err)
	}

	if !s.HasBlock(digest) {
		t.Fatal("expected block to be known after PutBlock")
	}

	got, err := s.GetBlock(digest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(block) {
		t.Fatalf("got %q, want %q", got, block)
	}
}

func TestGetBlockUnavailable(t *testing.T) {
	dir := setupStoreDir(t)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.GetBlock(Digest{}); err == nil {
		t.Fatal("expected error for unknown digest")
	}
}

func TestStoreAndRetrieveValue(t *testing.T) {
	dir := setupStoreDir(t)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	key := []byte("key-a")
	if err := s.StoreValue(key, []byte("v1"), Distributed); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreValue(key, []byte("v2"), Permanent); err != nil {
		t.Fatal(err)
	}

	values, err := s.RetrieveValue(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(values))
	}
}

func TestDeleteExpiredValues(t *testing.T) {
	dir := setupStoreDir(t)
	defer os.RemoveAll(dir)

	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	key := []byte("key-b")
	if err := s.StoreValue(key, []byte("fresh"), Distributed); err != nil {
		t.Fatal(err)
	}

	s.DeleteExpiredValues()

	values, err := s.RetrieveValue(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 1 {
		t.Fatalf("expected value to survive before TTL elapses, got %d", len(values))
	}
}

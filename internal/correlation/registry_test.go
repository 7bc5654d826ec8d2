package correlation

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry[string]()

	if err := r.Register("a", "first"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register("a", "second"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate Register = %v, want ErrDuplicate", err)
	}
	if !r.Contains("a") || r.Len() != 1 {
		t.Fatalf("registry should track a")
	}

	v, ok := r.Resolve("a")
	if !ok || v != "first" {
		t.Fatalf("Resolve = %q, %v", v, ok)
	}
	if _, ok := r.Resolve("a"); ok {
		t.Fatal("second Resolve should find nothing")
	}
	if r.Forget("a") {
		t.Fatal("Forget after Resolve should report false")
	}
}

func TestRegistryForgetWhere(t *testing.T) {
	r := NewRegistry[int]()
	for i := 0; i < 5; i++ {
		_ = r.Register(fmt.Sprintf("id-%d", i), i)
	}
	removed := r.ForgetWhere(func(_ string, v int) bool { return v%2 == 0 })
	if len(removed) != 3 {
		t.Fatalf("removed %v, want 3 ids", removed)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
}

func TestRegistryConcurrentResolveSettlesOnce(t *testing.T) {
	r := NewRegistry[struct{}]()
	_ = r.Register("r1", struct{}{})

	var wg sync.WaitGroup
	var mu sync.Mutex
	settled := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Resolve("r1"); ok {
				mu.Lock()
				settled++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if settled != 1 {
		t.Fatalf("settled %d times, want exactly once", settled)
	}
}

func TestRegistryResolveIf(t *testing.T) {
	r := NewRegistry[string]()
	if err := r.Register("r1", "connect"); err != nil {
		t.Fatal(err)
	}

	if _, ok := r.ResolveIf("r1", func(v string) bool { return v == "process" }); ok {
		t.Fatal("ResolveIf() accepted a non-matching entry")
	}
	if !r.Contains("r1") {
		t.Fatal("rejected entry should stay tracked")
	}
	v, ok := r.ResolveIf("r1", func(v string) bool { return v == "connect" })
	if !ok || v != "connect" {
		t.Fatalf("ResolveIf() = %q, %v", v, ok)
	}
	if _, ok := r.ResolveIf("r1", func(string) bool { return true }); ok {
		t.Fatal("ResolveIf() settled an id twice")
	}
}

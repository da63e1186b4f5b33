package model

import (
	"strings"
	"testing"
)

func TestNewConstructsRegisteredModel(t *testing.T) {
	m, err := New("conv1x1", Config{ImgChannels: 3, OutputChannels: 1})
	if err != nil {
		t.Fatalf("New(conv1x1) failed: %v", err)
	}
	if m == nil {
		t.Fatal("New(conv1x1) returned nil model")
	}
	if !m.IsTraining() {
		t.Error("fresh model should start in training mode")
	}
}

func TestNewReturnsFreshInstances(t *testing.T) {
	a, err := New("conv1x1", Config{ImgChannels: 3, OutputChannels: 1})
	if err != nil {
		t.Fatalf("first New failed: %v", err)
	}
	b, err := New("conv1x1", Config{ImgChannels: 3, OutputChannels: 1})
	if err != nil {
		t.Fatalf("second New failed: %v", err)
	}

	// Mutating one instance must not leak into the other.
	a.Parameters()[0].Value.Data[0] = 42
	if b.Parameters()[0].Value.Data[0] == 42 {
		t.Error("two instances share parameter storage")
	}
}

func TestNewUnknownTypeListsRegistered(t *testing.T) {
	_, err := New("no-such-model", Config{ImgChannels: 3, OutputChannels: 1})
	if err == nil {
		t.Fatal("expected error for unknown model type")
	}
	if !strings.Contains(err.Error(), "conv1x1") {
		t.Errorf("error %q does not name the registered types", err)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate Register did not panic")
		}
	}()
	Register("conv1x1", func(cfg Config) (Model, error) {
		return NewConv1x1(cfg)
	})
}

func TestRegisteredIncludesBuiltin(t *testing.T) {
	names := Registered()
	for _, name := range names {
		if name == "conv1x1" {
			return
		}
	}
	t.Errorf("Registered() = %v, missing conv1x1", names)
}

package logging

import "testing"

func TestInitializeAndGet(t *testing.T) {
	if err := Initialize(Options{Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	l := Get(CategoryStore)
	if l == nil {
		t.Fatal("Get returned nil")
	}
	if !l.enabled {
		t.Error("category should be enabled when no filter is configured")
	}

	// Same category returns the same logger.
	if Get(CategoryStore) != l {
		t.Error("Get should return cached logger for repeated category")
	}
}

func TestCategoryFilter(t *testing.T) {
	err := Initialize(Options{
		Level:      "info",
		Categories: map[string]bool{"store": true},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if !Get(CategoryStore).enabled {
		t.Error("store category should be enabled")
	}
	if Get(CategorySched).enabled {
		t.Error("sched category should be disabled by filter")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"", false},
		{"debug", false},
		{"INFO", false},
		{"warn", false},
		{"warning", false},
		{"error", false},
		{"loud", true},
	}

	for _, tt := range tests {
		_, err := parseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}

package agentregistry

import "testing"

func TestResponseTimeFromHealthData(t *testing.T) {
	cases := []struct {
		name string
		data map[string]any
		want int64
	}{
		{"missing key", map[string]any{}, 0},
		{"int64 value", map[string]any{"responseTimeMs": int64(42)}, 42},
		{"float64 value", map[string]any{"responseTimeMs": float64(17)}, 17},
		{"unrecognized type", map[string]any{"responseTimeMs": "fast"}, 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := responseTimeFromHealthData(c.data); got != c.want {
				t.Errorf("responseTimeFromHealthData(%v) = %d, want %d", c.data, got, c.want)
			}
		})
	}
}

func TestPendingCountFromMetadata(t *testing.T) {
	cases := []struct {
		name     string
		metadata map[string]string
		want     int64
	}{
		{"missing key", map[string]string{}, 0},
		{"numeric string", map[string]string{"pendingMessagesCount": "123"}, 123},
		{"non-numeric string", map[string]string{"pendingMessagesCount": "nope"}, 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := pendingCountFromMetadata(c.metadata); got != c.want {
				t.Errorf("pendingCountFromMetadata(%v) = %d, want %d", c.metadata, got, c.want)
			}
		})
	}
}

func TestContainsString(t *testing.T) {
	haystack := []string{"orders", "billing", "fraud"}

	if !containsString(haystack, "billing") {
		t.Error("expected containsString to find \"billing\"")
	}
	if containsString(haystack, "missing") {
		t.Error("expected containsString to not find \"missing\"")
	}
	if containsString(nil, "anything") {
		t.Error("expected containsString on nil slice to return false")
	}
}

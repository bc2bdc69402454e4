package config

import (
	"testing"
	"time"
)

func TestGetEnv_FallsBackToDefault(t *testing.T) {
	if got := getEnv("OUTBOXRELAY_UNSET_VAR", "fallback"); got != "fallback" {
		t.Errorf("getEnv() = %q, want %q", got, "fallback")
	}

	t.Setenv("OUTBOXRELAY_TEST_VAR", "value")
	if got := getEnv("OUTBOXRELAY_TEST_VAR", "fallback"); got != "value" {
		t.Errorf("getEnv() = %q, want %q", got, "value")
	}
}

func TestGetEnvInt_ParsesOrFallsBack(t *testing.T) {
	if got := getEnvInt("OUTBOXRELAY_UNSET_INT", 7); got != 7 {
		t.Errorf("getEnvInt() = %d, want 7", got)
	}

	t.Setenv("OUTBOXRELAY_TEST_INT", "42")
	if got := getEnvInt("OUTBOXRELAY_TEST_INT", 7); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}

	t.Setenv("OUTBOXRELAY_TEST_INT", "not-an-int")
	if got := getEnvInt("OUTBOXRELAY_TEST_INT", 7); got != 7 {
		t.Errorf("getEnvInt() with malformed value = %d, want fallback 7", got)
	}
}

func TestGetEnvFloat_ParsesOrFallsBack(t *testing.T) {
	t.Setenv("OUTBOXRELAY_TEST_FLOAT", "1.5")
	if got := getEnvFloat("OUTBOXRELAY_TEST_FLOAT", 0.1); got != 1.5 {
		t.Errorf("getEnvFloat() = %v, want 1.5", got)
	}

	if got := getEnvFloat("OUTBOXRELAY_UNSET_FLOAT", 0.1); got != 0.1 {
		t.Errorf("getEnvFloat() = %v, want 0.1", got)
	}
}

func TestGetEnvBool_ParsesOrFallsBack(t *testing.T) {
	t.Setenv("OUTBOXRELAY_TEST_BOOL", "true")
	if got := getEnvBool("OUTBOXRELAY_TEST_BOOL", false); !got {
		t.Error("getEnvBool() = false, want true")
	}

	if got := getEnvBool("OUTBOXRELAY_UNSET_BOOL", true); !got {
		t.Error("getEnvBool() = false, want fallback true")
	}
}

func TestGetEnvDuration_ParsesOrFallsBack(t *testing.T) {
	t.Setenv("OUTBOXRELAY_TEST_DURATION", "5s")
	if got := getEnvDuration("OUTBOXRELAY_TEST_DURATION", time.Second); got != 5*time.Second {
		t.Errorf("getEnvDuration() = %v, want 5s", got)
	}

	if got := getEnvDuration("OUTBOXRELAY_UNSET_DURATION", time.Second); got != time.Second {
		t.Errorf("getEnvDuration() = %v, want fallback 1s", got)
	}
}

func TestGetEnvSlice_SplitsOnComma(t *testing.T) {
	t.Setenv("OUTBOXRELAY_TEST_SLICE", "a,b,c")
	got := getEnvSlice("OUTBOXRELAY_TEST_SLICE", nil)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("getEnvSlice() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("getEnvSlice()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadIdentity_FallsBackToRoleAndHostname(t *testing.T) {
	id := loadIdentity("producer")
	if id.ServiceID == "" {
		t.Error("expected a non-empty generated ServiceID")
	}
	if id.InstanceID == "" {
		t.Error("expected a non-empty generated InstanceID")
	}
}

func TestLoadIdentity_HonorsRoleScopedServiceID(t *testing.T) {
	t.Setenv("PRODUCER_SERVICE_ID", "svc-explicit")
	t.Setenv("INSTANCE_ID", "inst-explicit")

	id := loadIdentity("producer")
	if id.ServiceID != "svc-explicit" {
		t.Errorf("ServiceID = %q, want %q", id.ServiceID, "svc-explicit")
	}
	if id.InstanceID != "inst-explicit" {
		t.Errorf("InstanceID = %q, want %q", id.InstanceID, "inst-explicit")
	}
}

func TestRandomHex32_ProducesDistinctHexStrings(t *testing.T) {
	a := randomHex32()
	b := randomHex32()
	if len(a) != 32 {
		t.Errorf("randomHex32() length = %d, want 32", len(a))
	}
	if a == b {
		t.Error("expected two successive calls to produce distinct values")
	}
}

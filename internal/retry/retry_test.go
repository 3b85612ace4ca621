package retry

import (
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{Base: 5 * time.Second, Factor: 2, MaxAttempts: 5}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
	if got := p.Delay(0); got != 5*time.Second {
		t.Errorf("Delay(0) = %s, want base", got)
	}
}

func TestPolicyMaxDelay(t *testing.T) {
	p := Policy{Base: time.Minute, Factor: 10, MaxDelay: 5 * time.Minute}
	if got := p.Delay(3); got != 5*time.Minute {
		t.Errorf("Delay(3) = %s, want capped 5m", got)
	}
}

func TestPolicyAllows(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	if !p.Allows(2) {
		t.Error("expected third attempt to be allowed")
	}
	if p.Allows(3) {
		t.Error("expected ceiling to stop the fourth attempt")
	}
}

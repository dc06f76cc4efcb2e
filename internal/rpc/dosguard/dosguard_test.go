package dosguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWhitelistBypassesAdmissionControl(t *testing.T) {
	g := New(Config{SweepInterval: time.Second, MaxFetches: 1, MaxBytes: 1, Whitelist: []string{"10.0.0.1"}})
	for i := 0; i < 10; i++ {
		assert.True(t, g.Allow("10.0.0.1", 1000))
	}
}

func TestByteBudgetRejectsOverLimit(t *testing.T) {
	g := New(Config{SweepInterval: time.Second, MaxFetches: 100, MaxBytes: 100})
	assert.True(t, g.Allow("1.2.3.4", 60))
	assert.False(t, g.Allow("1.2.3.4", 60))
}

func TestSweepResetsByteBudget(t *testing.T) {
	g := New(Config{SweepInterval: time.Second, MaxFetches: 100, MaxBytes: 100})
	assert.True(t, g.Allow("1.2.3.4", 90))
	assert.False(t, g.Allow("1.2.3.4", 50))
	g.Sweep()
	assert.True(t, g.Allow("1.2.3.4", 50))
}

func TestFetchRateLimitRejectsBurstOverMax(t *testing.T) {
	g := New(Config{SweepInterval: time.Second, MaxFetches: 2, MaxBytes: 1 << 20})
	assert.True(t, g.Allow("5.5.5.5", 1))
	assert.True(t, g.Allow("5.5.5.5", 1))
	assert.False(t, g.Allow("5.5.5.5", 1))
}

package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdmissionPerAddrCap(t *testing.T) {
	a := NewAdmission(2, 1000)

	assert.True(t, a.Allow("1.2.3.4:1"))
	assert.True(t, a.Allow("1.2.3.4:2"))
	assert.False(t, a.Allow("1.2.3.4:3"), "third connection from the same address should be rejected")

	a.Release("1.2.3.4:1")
	assert.True(t, a.Allow("1.2.3.4:4"), "releasing a slot should free capacity for a new connection")
}

func TestAdmissionPerAddrIndependent(t *testing.T) {
	a := NewAdmission(1, 1000)

	assert.True(t, a.Allow("1.1.1.1:1"))
	assert.True(t, a.Allow("2.2.2.2:1"), "distinct addresses have independent quotas")
}

func TestAdmissionConnectRate(t *testing.T) {
	a := NewAdmission(100, 1)

	assert.True(t, a.Allow("1.2.3.4:1"))
	assert.False(t, a.Allow("5.6.7.8:1"), "second connect within the same instant should exceed the process-wide rate limit")
}

func TestAdmissionDefaults(t *testing.T) {
	a := NewAdmission(0, 0)
	assert.Equal(t, DefaultMaxPerSourceAddr, a.maxPerAddr)
}

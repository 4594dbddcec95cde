package ratelimiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyOf_SameIdentityCollapsesToSameKey(t *testing.T) {
	a := newFakeCaller("https://api.example.com", "secret-1", "gpt-4")
	b := newFakeCaller("https://api.example.com", "secret-1", "gpt-4")
	assert.Equal(t, keyOf(a), keyOf(b))
}

func TestKeyOf_DifferentCredentialsNeverCollide(t *testing.T) {
	a := newFakeCaller("https://api.example.com", "secret-1", "gpt-4")
	b := newFakeCaller("https://api.example.com", "secret-2", "gpt-4")
	assert.NotEqual(t, keyOf(a), keyOf(b))
}

func TestKeyOf_DifferentModelsNeverCollide(t *testing.T) {
	a := newFakeCaller("https://api.example.com", "secret-1", "gpt-4")
	b := newFakeCaller("https://api.example.com", "secret-1", "gpt-3.5")
	assert.NotEqual(t, keyOf(a), keyOf(b))
}

func TestKeyOf_EndpointNormalization(t *testing.T) {
	a := newFakeCaller("HTTPS://API.Example.com/", "secret-1", "gpt-4")
	b := newFakeCaller("https://api.example.com", "secret-1", "gpt-4")
	assert.Equal(t, keyOf(a), keyOf(b))
}

func TestKeyOf_NeverContainsRawCredential(t *testing.T) {
	c := newFakeCaller("https://api.example.com", "super-secret-token", "gpt-4")
	key := string(keyOf(c))
	assert.NotContains(t, key, "super-secret-token")
}

func TestKeyOf_DifferentEndpointsNeverCollide(t *testing.T) {
	a := newFakeCaller("https://one.example.com", "secret-1", "gpt-4")
	b := newFakeCaller("https://two.example.com", "secret-1", "gpt-4")
	assert.NotEqual(t, keyOf(a), keyOf(b))
}

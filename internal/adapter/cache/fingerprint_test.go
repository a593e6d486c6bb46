package cache

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintIgnoresParameterOrder(t *testing.T) {
	a, _ := url.ParseQuery("b=2&a=1&c=3")
	b, _ := url.ParseQuery("c=3&a=1&b=2")
	assert.Equal(t, Fingerprint("/tasks/42", a), Fingerprint("/tasks/42", b))
}

func TestFingerprintIgnoresRepeatedValueOrder(t *testing.T) {
	a, _ := url.ParseQuery("tag=x&tag=y")
	b, _ := url.ParseQuery("tag=y&tag=x")
	assert.Equal(t, Fingerprint("/p", a), Fingerprint("/p", b))
}

func TestFingerprintDistinguishesPathAndParams(t *testing.T) {
	q, _ := url.ParseQuery("a=1")
	other, _ := url.ParseQuery("a=2")
	assert.NotEqual(t, Fingerprint("/x", q), Fingerprint("/y", q))
	assert.NotEqual(t, Fingerprint("/x", q), Fingerprint("/x", other))
	assert.NotEqual(t, Fingerprint("/x", q), Fingerprint("/x", nil))
}

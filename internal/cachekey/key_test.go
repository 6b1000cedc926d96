package cachekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveIsDeterministic(t *testing.T) {
	a := Derive("GET", "https://example.com/a.bin", nil)
	b := Derive("GET", "https://example.com/a.bin", nil)
	assert.Equal(t, a, b)
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestDeriveNormalizesURL(t *testing.T) {
	a := Derive("GET", "HTTPS://Example.COM:443/a.bin", nil)
	b := Derive("get", "https://example.com/a.bin", nil)
	assert.Equal(t, a, b)
}

func TestDeriveDistinguishesMethodAndPath(t *testing.T) {
	get := Derive("GET", "https://example.com/a.bin", nil)
	head := Derive("HEAD", "https://example.com/a.bin", nil)
	other := Derive("GET", "https://example.com/b.bin", nil)
	assert.NotEqual(t, get, head)
	assert.NotEqual(t, get, other)
}

func TestDeriveVariantHeaderOrderIrrelevant(t *testing.T) {
	a := Derive("GET", "https://example.com/a", map[string]string{
		"Accept-Encoding": "gzip",
		"Accept-Language": "en",
	})
	b := Derive("GET", "https://example.com/a", map[string]string{
		"accept-language": "en",
		"accept-encoding": "gzip",
	})
	assert.Equal(t, a, b)

	c := Derive("GET", "https://example.com/a", map[string]string{
		"Accept-Encoding": "br",
		"Accept-Language": "en",
	})
	assert.NotEqual(t, a, c)
}

func TestHashIsFilesystemSafe(t *testing.T) {
	h := Derive("GET", "https://example.com/some/deep/path?q=1", nil).Hash()
	assert.Len(t, h, 64)
	assert.NotContains(t, h, "/")
}

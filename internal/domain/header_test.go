package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeadersPreserveOrderAndRepeats(t *testing.T) {
	h := NewHeaders()
	h.Add("Set-Cookie", "a")
	h.Add("Content-Type", "text/plain")
	h.Add("set-cookie", "b")

	assert.Equal(t, []string{"a", "b"}, h.Values("SET-COOKIE"))
	assert.Equal(t, "text/plain", h.Get("content-type"))
	assert.Equal(t, []Header{
		{"Set-Cookie", "a"},
		{"Content-Type", "text/plain"},
		{"set-cookie", "b"},
	}, h.All())
}

func TestHeadersSetAndDel(t *testing.T) {
	testCases := []struct {
		name string
		run  func(h *Headers)
		want []Header
	}{
		{
			"Set replaces in place",
			func(h *Headers) { h.Set("x-foo", "3") },
			[]Header{{"x-foo", "3"}, {"Host", "example.com"}},
		},
		{
			"Set appends when missing",
			func(h *Headers) { h.Set("X-Bar", "1") },
			[]Header{{"X-Foo", "1"}, {"Host", "example.com"}, {"X-Foo", "2"}, {"X-Bar", "1"}},
		},
		{
			"Del removes all",
			func(h *Headers) { h.Del("X-FOO") },
			[]Header{{"Host", "example.com"}},
		},
		{
			"Clear empties",
			func(h *Headers) { h.Clear() },
			[]Header{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHeaders()
			h.Add("X-Foo", "1")
			h.Add("Host", "example.com")
			h.Add("X-Foo", "2")
			tc.run(h)
			assert.Equal(t, tc.want, h.All())
		})
	}
}

func TestHeadersSealed(t *testing.T) {
	h := NewHeaders()
	h.Add("A", "1")
	h.Seal()

	assert.True(t, h.Sealed())
	assert.PanicsWithValue(t, ErrCommitted, func() { h.Add("B", "2") })
	assert.PanicsWithValue(t, ErrCommitted, func() { h.Del("A") })
	assert.Equal(t, "1", h.Get("a"))
}

func TestEmptyHeaders(t *testing.T) {
	h := NewHeaders()
	assert.Equal(t, "", h.Get("missing"))
	assert.Nil(t, h.Values("missing"))
	assert.False(t, h.Has("missing"))
	assert.Equal(t, 0, h.Len())
}

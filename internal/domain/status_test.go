package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusBands(t *testing.T) {
	testCases := []struct {
		code                                         int
		info, success, redirect, client, server, err bool
	}{
		{100, true, false, false, false, false, false},
		{200, false, true, false, false, false, false},
		{302, false, false, true, false, false, false},
		{404, false, false, false, true, false, true},
		{503, false, false, false, false, true, true},
	}

	for _, tc := range testCases {
		t.Run(NewStatus(tc.code).String(), func(t *testing.T) {
			s := NewStatus(tc.code)
			assert.Equal(t, tc.info, s.IsInformational())
			assert.Equal(t, tc.success, s.IsSuccess())
			assert.Equal(t, tc.redirect, s.IsRedirection())
			assert.Equal(t, tc.client, s.IsClientError())
			assert.Equal(t, tc.server, s.IsServerError())
			assert.Equal(t, tc.err, s.IsError())
		})
	}
}

func TestStatusReason(t *testing.T) {
	assert.Equal(t, "405 Method Not Allowed", StatusMethodNotAllowed.String())
	assert.Equal(t, "Client Error", ReasonPhrase(499))
	assert.Equal(t, "599 Server Error", Status{Code: 599}.String())
	assert.False(t, Status{}.IsSet())
	assert.False(t, NewStatus(204).HasBody())
	assert.False(t, NewStatus(304).HasBody())
	assert.True(t, StatusOK.HasBody())
}

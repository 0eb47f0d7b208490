package storageerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAndIs(t *testing.T) {
	cause := errors.New("disk full")
	err := New(Transient, "bodystore.Store", cause)

	assert.True(t, Is(err, Transient))
	assert.False(t, Is(err, Integrity))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "bodystore.Store")
	assert.Contains(t, err.Error(), "transient")
}

func TestIsRejectsPlainErrors(t *testing.T) {
	assert.False(t, Is(errors.New("plain"), Transient))
}

func TestKindStrings(t *testing.T) {
	cases := map[Kind]string{
		Transient:       "transient",
		Integrity:       "integrity",
		Startup:         "startup",
		ProgrammerError: "programmer-error",
	}
	for k, want := range cases {
		assert.Equal(t, want, k.String())
	}
}

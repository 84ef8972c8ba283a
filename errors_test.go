package jshost

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultKind_MarkerRoundTrip(t *testing.T) {
	for k := FaultUseAfterDispose; k <= FaultInterrupted; k++ {
		got, ok := faultKindFromMarker(k.marker())
		require.True(t, ok, k.String())
		assert.Equal(t, k, got)
	}
	_, ok := faultKindFromMarker("fault:bogus")
	assert.False(t, ok)
	assert.Equal(t, "fault(99)", FaultKind(99).String())
}

func TestFault_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newFault(FaultUseAfterDispose, "GetString"))

	assert.ErrorIs(t, err, ErrUseAfterDispose)
	assert.NotErrorIs(t, err, ErrCrossContext)
	assert.Equal(t, "wrapped: jshost: GetString: use after dispose", err.Error())
	assert.Equal(t, "jshost: canceled", ErrCanceled.Error())
}

func TestGuestErrorShape(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		guest   string
		message string
		kind    string
	}{
		{"plain", errors.New("boom"), "Error", "boom", ""},
		{
			"guest error keeps its name",
			&GuestError{Name: "RangeError", Message: "too big", Kind: KindException},
			"RangeError", "too big", "",
		},
		{
			"interrupted guest error keeps its kind",
			&GuestError{Name: "InternalError", Message: "interrupted", Kind: KindInterrupted},
			"InternalError", "interrupted", "interrupted",
		},
		{
			"module load",
			&ModuleLoadError{Specifier: "x", Err: ErrModuleNotFound},
			"ModuleLoadError", `could not load module "x": module not found`, "module-load",
		},
		{
			"fault",
			newFault(FaultCrossContext, "Call"),
			"InternalError", "jshost: Call: cross-context use", "fault:cross-context-use",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, message, kind := guestErrorShape(tt.err)
			assert.Equal(t, tt.guest, name)
			assert.Equal(t, tt.message, message)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestErrorInfo_Translate(t *testing.T) {
	str := func(s string) *string { return &s }

	ge := (&errorInfo{IsError: true, Name: str("TypeError"), Message: str("bad"), Stack: "at x"}).translate()
	assert.Equal(t, "TypeError: bad", ge.Error())
	assert.Equal(t, KindException, ge.Kind)
	assert.Equal(t, "at x", ge.Stack)
	assert.NoError(t, ge.Unwrap())

	ge = (&errorInfo{Kind: "interrupted", Message: str("interrupted")}).translate()
	assert.True(t, ge.Interrupted())
	assert.ErrorIs(t, ge, ErrInterrupted)

	ge = (&errorInfo{Kind: "module-load", Name: str("ModuleLoadError")}).translate()
	assert.Equal(t, KindModuleLoad, ge.Kind)
	assert.Equal(t, "ModuleLoadError", ge.Error())

	ge = (&errorInfo{Kind: FaultCanceled.marker()}).translate()
	assert.Equal(t, KindHostFault, ge.Kind)
	assert.ErrorIs(t, ge, ErrCanceled)

	ge = (&errorInfo{Message: str("7"), Value: "7"}).translate()
	assert.Equal(t, "7", ge.Error())
	assert.Equal(t, "7", ge.Value)
}

func TestModuleLoadError_Unwrap(t *testing.T) {
	err := fmt.Errorf("outer: %w", &ModuleLoadError{Specifier: "lib", Err: ErrModuleNotFound})
	assert.ErrorIs(t, err, ErrModuleNotFound)

	var mle *ModuleLoadError
	require.ErrorAs(t, err, &mle)
	assert.Equal(t, "lib", mle.Specifier)
}

package merrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesCode(t *testing.T) {
	err := New(ErrCodeNotFound, "device not found")
	assert.Equal(t, ErrCodeNotFound, err.Code)
	assert.Equal(t, "device not found", err.Error())
}

func TestNewfFormats(t *testing.T) {
	err := Newf(ErrCodeInvalidInput, "bad interval: %d", -5)
	assert.Equal(t, "bad interval: -5", err.Error())
	assert.Equal(t, ErrCodeInvalidInput, GetCode(err))
}

func TestWrapPreservesChain(t *testing.T) {
	base := errors.New("disk full")
	err := Wrap(base, ErrCodeInternal, "persisting policy")

	require.NotNil(t, err)
	assert.Equal(t, "persisting policy: disk full", err.Error())
	assert.True(t, errors.Is(err, base))
	assert.Equal(t, ErrCodeInternal, GetCode(err))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrCodeInternal, "should vanish"))
	assert.Nil(t, Wrapf(nil, ErrCodeInternal, "should vanish %d", 1))
}

func TestGetCodeThroughFmtWrapping(t *testing.T) {
	inner := New(ErrCodeAlreadyExists, "duplicate domain")
	outer := fmt.Errorf("updating blacklist: %w", inner)
	assert.Equal(t, ErrCodeAlreadyExists, GetCode(outer))
}

func TestGetCodeUnknown(t *testing.T) {
	assert.Equal(t, ErrCodeUnknown, GetCode(nil))
	assert.Equal(t, ErrCodeUnknown, GetCode(errors.New("plain")))
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(ErrCodeNotFound, "one")
	b := New(ErrCodeNotFound, "another")
	c := New(ErrCodeInternal, "different")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestHandlerReportsCodedErrors(t *testing.T) {
	var got *MdmError
	h := &ErrorHandler{OnError: func(err *MdmError) { got = err }}

	h.Handle(New(ErrCodeUnavailable, "gateway down"))
	require.NotNil(t, got)
	assert.Equal(t, ErrCodeUnavailable, got.Code)

	got = nil
	h.Handle(nil)
	assert.Nil(t, got)
}

func TestHandlerClassifiesPlainErrors(t *testing.T) {
	var got *MdmError
	h := &ErrorHandler{OnError: func(err *MdmError) { got = err }}

	h.Handle(errors.New("surprise"))
	require.NotNil(t, got)
	assert.Equal(t, ErrCodeUnknown, got.Code)
}

func TestHandlePanicRecovers(t *testing.T) {
	var got *MdmError
	h := &ErrorHandler{OnError: func(err *MdmError) { got = err }}

	func() {
		defer h.HandlePanic()
		panic("boom")
	}()

	require.NotNil(t, got)
	assert.Equal(t, ErrCodeInternal, got.Code)
	assert.Contains(t, got.Message, "boom")
}

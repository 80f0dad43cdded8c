package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryAndSeverity(t *testing.T) {
	tests := []struct {
		code     string
		category Category
		severity Severity
		retry    bool
	}{
		{ErrCodeConfigInvalid, CategoryConfig, SeverityError, false},
		{ErrCodeCorruptIndex, CategoryIO, SeverityFatal, false},
		{ErrCodeEmbedService, CategoryService, SeverityError, true},
		{ErrCodeDimensionMismatch, CategoryValidation, SeverityError, false},
		{ErrCodeExtractionParse, CategoryInternal, SeverityWarning, false},
		{ErrCodeInternal, CategoryInternal, SeverityError, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "message", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retry, err.Retryable)
		})
	}
}

func TestError_FormatsCodeAndMessage(t *testing.T) {
	err := New(ErrCodeNotFound, "document missing", nil)
	assert.Equal(t, "[ERR_404_NOT_FOUND] document missing", err.Error())
}

func TestUnwrap_PreservesCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := New(ErrCodeStorage, "write failed", cause)
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.ErrorIs(t, err, cause)
}

func TestIs_MatchesByCode(t *testing.T) {
	a := New(ErrCodeNotFound, "first", nil)
	b := New(ErrCodeNotFound, "second", nil)
	c := New(ErrCodeStorage, "other", nil)

	assert.ErrorIs(t, a, b)
	assert.NotErrorIs(t, a, c)
}

func TestWrap_NilIsNil(t *testing.T) {
	require.Nil(t, Wrap(ErrCodeStorage, nil))
}

func TestWithDetailAndSuggestion(t *testing.T) {
	err := New(ErrCodeEmbeddingFailed, "failed", nil).
		WithDetail("model", "nomic-embed-text").
		WithDetail("cause", "service_error").
		WithSuggestion("check that Ollama is running")

	assert.Equal(t, "nomic-embed-text", err.Details["model"])
	assert.Equal(t, "service_error", err.Details["cause"])
	assert.Equal(t, "check that Ollama is running", err.Suggestion)
}

func TestIsCode(t *testing.T) {
	err := New(ErrCodeUnsupportedFormat, "bad ext", nil)
	assert.True(t, IsCode(err, ErrCodeUnsupportedFormat))
	assert.False(t, IsCode(err, ErrCodeNotFound))
	assert.False(t, IsCode(errors.New("plain"), ErrCodeNotFound))
	assert.False(t, IsCode(nil, ErrCodeNotFound))
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeInternal, GetCode(New(ErrCodeInternal, "x", nil)))
	assert.Empty(t, GetCode(errors.New("plain")))
}

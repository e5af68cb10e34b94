package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"campaignmailer/pkg/circuitbreaker"
)

func TestMissingPlaceholdersError(t *testing.T) {
	err := fmt.Errorf("open recipients: %w", &MissingPlaceholdersError{Missing: []string{"name", "city"}})

	assert.ErrorIs(t, err, ErrMissingPlaceholders)
	assert.True(t, IsIngestion(err))
	assert.Contains(t, err.Error(), "name, city")

	var mp *MissingPlaceholdersError
	assert.True(t, errors.As(err, &mp))
	assert.Equal(t, []string{"name", "city"}, mp.Missing)
}

func TestSendError_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := &SendError{Reason: "smtp data", Retryable: true, Err: cause}

	assert.ErrorIs(t, err, ErrSendTransport)
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsIngestion(err))
}

func TestAttachmentError(t *testing.T) {
	err := &AttachmentError{AttachmentID: "a1", Err: errors.New("NoSuchKey")}
	assert.ErrorIs(t, err, ErrAttachmentFetch)
	assert.Contains(t, err.Error(), "a1")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		errType   string
	}{
		{"nil", nil, false, ""},
		{"missing placeholders", &MissingPlaceholdersError{Missing: []string{"name"}}, false, "missing_placeholders"},
		{"empty file", fmt.Errorf("ingest: %w", ErrEmptyFile), false, "empty_file"},
		{"template", ErrTemplateNotFound, false, "template_not_found"},
		{"transport temporary", &SendError{Reason: "421", Retryable: true}, true, "transport_temporary"},
		{"transport rejected", &SendError{Reason: "550"}, false, "transport_rejected"},
		{"attachment missing", &AttachmentError{AttachmentID: "a", Err: ErrAttachmentNotFound}, false, "attachment_not_found"},
		{"attachment timeout", &AttachmentError{AttachmentID: "a", Err: context.DeadlineExceeded}, true, "attachment_fetch_error"},
		{"breaker open", circuitbreaker.ErrCircuitBreakerOpen, true, "circuit_open"},
		{"infrastructure", fmt.Errorf("open: %w", context.DeadlineExceeded), true, "timeout"},
		{"unknown", errors.New("boom"), false, "unknown_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retryable, errType := Classify(tc.err)
			assert.Equal(t, tc.retryable, retryable)
			assert.Equal(t, tc.errType, errType)
		})
	}
}

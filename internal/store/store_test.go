package store

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genqueue/internal/models"
)

func TestEnqueueParamsValidate(t *testing.T) {
	p := EnqueueParams{JobType: "  doc.build ", Priority: 0, Parameters: json.RawMessage(`{"x":1}`)}
	require.NoError(t, p.Validate())
	assert.Equal(t, "doc.build", p.JobType)

	p = EnqueueParams{JobType: "doc.build", Priority: 9, Parameters: json.RawMessage(` null `)}
	assert.ErrorIs(t, p.Validate(), ErrValidation)
}

func TestTerminalFields(t *testing.T) {
	res, msg, err := TerminalFields(models.StatusCompleted, nil, "ignored")
	require.NoError(t, err)
	assert.Equal(t, "null", string(res))
	assert.Nil(t, msg)

	res, msg, err = TerminalFields(models.StatusErrored, json.RawMessage(`{"partial":true}`), "")
	require.NoError(t, err)
	assert.Nil(t, res)
	require.NotNil(t, msg)
	assert.Equal(t, "unknown error", *msg)

	_, _, err = TerminalFields(models.StatusInProgress, nil, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionError(t *testing.T) {
	var err error = &TransitionError{ID: "j1", Current: "completed", Target: "errored"}
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Contains(t, err.Error(), "completed -> errored")

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "j1", te.ID)
}

func TestCancelMessage(t *testing.T) {
	assert.Equal(t, "cancelled: duplicate", CancelMessage(" duplicate "))
	assert.Equal(t, "cancelled: requested", CancelMessage(""))
}

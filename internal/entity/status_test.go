package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidTransition_Table(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusProcessing}:    true,
		{StatusPending, StatusFailed}:        true,
		{StatusPending, StatusCancelled}:     true,
		{StatusProcessing, StatusShipped}:    true,
		{StatusProcessing, StatusCancelled}:  true,
		{StatusShipped, StatusDelivered}:     true,
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := allowed[[2]Status{from, to}]
			assert.Equalf(t, want, IsValidTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestIsValidTransition_TerminalStates(t *testing.T) {
	for _, terminal := range []Status{StatusDelivered, StatusCancelled, StatusFailed} {
		assert.True(t, terminal.IsTerminal(), terminal.String())
		assert.False(t, terminal.Cancellable(), terminal.String())
		for _, to := range AllStatuses {
			assert.False(t, IsValidTransition(terminal, to), "%s -> %s", terminal, to)
		}
	}
}

func TestIsValidTransition_ZeroStatus(t *testing.T) {
	assert.False(t, IsValidTransition(Status{}, StatusPending))
	assert.False(t, IsValidTransition(StatusPending, Status{}))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" shipped ")
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, s)

	_, err = ParseStatus("LOST")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStatus_JSON(t *testing.T) {
	raw, err := json.Marshal(struct {
		Status Status `json:"status"`
	}{StatusProcessing})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"PROCESSING"}`, string(raw))

	var out struct {
		Status Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"status":"delivered"}`), &out))
	assert.Equal(t, StatusDelivered, out.Status)

	assert.Error(t, json.Unmarshal([]byte(`{"status":"NOPE"}`), &out))
}

func TestStatus_Scan(t *testing.T) {
	var s Status
	require.NoError(t, s.Scan([]byte("CANCELLED")))
	assert.Equal(t, StatusCancelled, s)
	assert.Error(t, s.Scan(42))

	v, err := StatusFailed.Value()
	require.NoError(t, err)
	assert.Equal(t, "FAILED", v)
}

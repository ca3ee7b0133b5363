package ir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	a := Args{"zeta": "1", "alpha": "2", "mid": "3"}
	assert.Equal(t, `{"alpha":"2","mid":"3","zeta":"1"}`, string(MarshalCanonical(a)))
}

func TestMarshalCanonical_Empty(t *testing.T) {
	assert.Equal(t, `{}`, string(MarshalCanonical(nil)))
	assert.Equal(t, `{}`, string(MarshalCanonical(Args{})))
}

func TestMarshalCanonical_NoHTMLEscape(t *testing.T) {
	a := Args{"payload": "<a & b>"}
	assert.Equal(t, `{"payload":"<a & b>"}`, string(MarshalCanonical(a)))
}

func TestMarshalCanonical_EscapesControls(t *testing.T) {
	a := Args{"p": "line\n\"q\"\\\x01"}
	assert.Equal(t, `{"p":"line\n\"q\"\\\u0001"}`, string(MarshalCanonical(a)))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	// "e" + combining acute accent normalizes to precomposed U+00E9
	decomposed := Args{"p": "e\u0301"}
	composed := Args{"p": "\u00e9"}
	assert.Equal(t, MarshalCanonical(composed), MarshalCanonical(decomposed))
}

func TestMarshalCanonical_UTF16Order(t *testing.T) {
	// U+1F600 encodes as surrogate 0xD83D which sorts before U+FF61 in UTF-16
	// but after it in UTF-8 byte order.
	a := Args{"\uFF61": "a", "\U0001F600": "b"}
	assert.Equal(t, []string{"\U0001F600", "\uFF61"}, a.SortedKeys())
}

func TestArgs_JSONRoundTrip(t *testing.T) {
	a := Args{"payload": "hello"}
	data, err := json.Marshal(a)
	require.NoError(t, err)

	var got Args
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, a, got)
}

func TestParseArgs_Empty(t *testing.T) {
	got, err := ParseArgs("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTimerID_StableAndDistinct(t *testing.T) {
	fireAt := time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC)
	base := ScheduledTimer{
		FireAt:           fireAt,
		Key:              "k1",
		Operation:        OpHealthCheck,
		CreatedByKey:     "k1",
		CreatedByVersion: 3,
	}

	assert.Equal(t, TimerID(base), TimerID(base))
	assert.Len(t, TimerID(base), 64)

	other := base
	other.CreatedByVersion = 4
	assert.NotEqual(t, TimerID(base), TimerID(other))

	local := base
	local.FireAt = fireAt.In(time.FixedZone("x", 3600))
	assert.Equal(t, TimerID(base), TimerID(local), "fire time is normalized to UTC")
}

func TestSnapshot_Validate(t *testing.T) {
	s := NewSnapshot("k1")
	require.NoError(t, s.Validate())

	s.Status = Connected
	assert.Error(t, s.Validate(), "status without initialization")

	now := time.Now()
	s.InitializedAt = &now
	assert.NoError(t, s.Validate())

	assert.Error(t, NewSnapshot("").Validate())
}

func TestConnectionStatus_TextRoundTrip(t *testing.T) {
	for _, s := range []ConnectionStatus{NotConnected, AwaitingConnectionEstablish, Connected} {
		text, err := s.MarshalText()
		require.NoError(t, err)

		var got ConnectionStatus
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}

	_, err := ParseConnectionStatus("Bogus")
	assert.Error(t, err)
}

func TestOperationName_Known(t *testing.T) {
	assert.True(t, OpHealthCheck.Known())
	assert.False(t, OperationName("Reboot").Known())
}

package api_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/pkg/api"
)

func TestMoneyFromString(t *testing.T) {
	m, err := api.MoneyFromString("0.015", "USD")
	require.NoError(t, err)
	assert.Equal(t, "0.015 USD", m.String())

	_, err = api.MoneyFromString("0.015", "")
	assert.ErrorIs(t, err, api.ErrCurrencyEmpty)

	_, err = api.MoneyFromString("one dollar", "USD")
	assert.ErrorIs(t, err, api.ErrInvalidAmount)
}

func TestMoneyAddPreservesExactness(t *testing.T) {
	// 0.1 + 0.2 drifts under binary floats; decimal amounts must not
	a, err := api.MoneyFromString("0.1", "USD")
	require.NoError(t, err)
	b, err := api.MoneyFromString("0.2", "USD")
	require.NoError(t, err)

	sum, err := a.Add(b)
	require.NoError(t, err)

	expected, err := api.MoneyFromString("0.3", "USD")
	require.NoError(t, err)
	assert.True(t, sum.Equal(expected))
}

func TestMoneyAddCurrencyRules(t *testing.T) {
	usd, err := api.MoneyFromString("1.50", "USD")
	require.NoError(t, err)
	eur, err := api.MoneyFromString("1.50", "EUR")
	require.NoError(t, err)

	_, err = usd.Add(eur)
	assert.ErrorIs(t, err, api.ErrCurrencyMismatch)

	// A zero value with no currency adopts the other side
	sum, err := api.Money{}.Add(usd)
	require.NoError(t, err)
	assert.True(t, sum.Equal(usd))

	sum, err = usd.Add(api.Money{})
	require.NoError(t, err)
	assert.True(t, sum.Equal(usd))
}

func TestMoneyJSONRoundTrip(t *testing.T) {
	m, err := api.MoneyFromString("123.456789", "USD")
	require.NoError(t, err)

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded api.Money
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, m.Equal(decoded))
}

func TestTokenUsage(t *testing.T) {
	u := api.TokenUsage{Input: 100, Output: 40}
	assert.Equal(t, int64(140), u.Total())

	sum := u.Add(api.TokenUsage{Input: 10, Output: 5})
	assert.Equal(t, api.TokenUsage{Input: 110, Output: 45}, sum)
}

func TestSecondsDuration(t *testing.T) {
	assert.Equal(t, "1m30s", api.Seconds(90).Duration().String())
}

package processor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSimulatedDeterminism tests that outcomes repeat for the same DNI
func TestSimulatedDeterminism(t *testing.T) {
	p := NewSimulated("sunedu")

	first, err := p.Process(context.Background(), NullDriver{}, "12345678")
	require.NoError(t, err)
	second, err := p.Process(context.Background(), NullDriver{}, "12345678")
	require.NoError(t, err)

	assert.Equal(t, first.Found, second.Found)
	assert.Equal(t, first.Payload, second.Payload)
}

// TestSimulatedPayloadFields tests the per-stage payload shapes
func TestSimulatedPayloadFields(t *testing.T) {
	// Find a DNI each stage reports as a hit.
	hit := func(p *Simulated) Result {
		for _, dni := range []string{
			"00000000", "00000001", "00000002", "00000003",
			"00000004", "00000005", "00000006", "00000007",
			"11111111", "22222222", "33333333", "44444444",
			"55555555", "66666666", "77777777", "88888888",
		} {
			r, err := p.Process(context.Background(), NullDriver{}, dni)
			require.NoError(t, err)
			if r.Found {
				return r
			}
		}
		t.Fatal("no hit found in probe set")
		return Result{}
	}

	sunedu := hit(NewSimulated("sunedu"))
	assert.Contains(t, sunedu.Payload, "name")
	assert.Contains(t, sunedu.Payload, "grade")
	assert.Contains(t, sunedu.Payload, "institution")
	assert.Contains(t, sunedu.Payload, "diploma_date")
	assert.NotContains(t, sunedu.Payload, "title")

	minedu := hit(NewSimulated("minedu"))
	assert.Contains(t, minedu.Payload, "name")
	assert.Contains(t, minedu.Payload, "title")
	assert.Contains(t, minedu.Payload, "institution")
	assert.Contains(t, minedu.Payload, "issue_date")
	assert.NotContains(t, minedu.Payload, "grade")
}

// TestSimulatedCanceled tests context propagation
func TestSimulatedCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSimulated("sunedu").Process(ctx, NullDriver{}, "12345678")
	assert.ErrorIs(t, err, context.Canceled)
}

// TestExhaustedError tests the terminal retry error
func TestExhaustedError(t *testing.T) {
	err := Exhausted("captcha rejected 5 times")

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "captcha rejected 5 times", exhausted.Reason)
	assert.Contains(t, err.Error(), "retries exhausted")
}

// TestNullDriverFactory tests the no-op driver lifecycle
func TestNullDriverFactory(t *testing.T) {
	driver, err := NullDriverFactory{}.Acquire(context.Background())
	require.NoError(t, err)
	assert.NoError(t, driver.Release())
}

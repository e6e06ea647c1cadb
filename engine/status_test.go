package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/registration-engine/engine"
)

func TestStatus_Evaluate(t *testing.T) {
	env := newTestEnv(t)
	started := series("s", intp(10), "100")
	started.FirstOccurrence = t0.AddDate(0, 0, -3)
	started.LastOccurrence = t0.AddDate(0, 0, 25)

	ended := series("e", intp(10), "100")
	ended.FirstOccurrence = t0.AddDate(0, 0, -30)
	ended.LastOccurrence = t0.AddDate(0, 0, -1)

	tests := []struct {
		name    string
		item    engine.InventoryItem
		status  engine.RegistrationStatus
		close   *int
		open    bool
		visible bool
	}{
		{"enabled without dates", series("n", nil, "1"), engine.RegEnabled, nil, true, true},
		{"enabled within close window", started, engine.RegEnabled, intp(7), true, true},
		{"enabled past close window", started, engine.RegEnabled, intp(2), false, true},
		{"enabled after last occurrence", ended, engine.RegEnabled, nil, false, true},
		{"hidden stays open but invisible", started, engine.RegHidden, intp(7), true, false},
		{"held open ignores dates", ended, engine.RegHeldOpen, nil, true, true},
		{"held closed ignores dates", started, engine.RegHeldClosed, intp(7), false, true},
		{"disabled", started, engine.RegDisabled, nil, false, false},
		{"hidden closed", started, engine.RegHiddenClosed, nil, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := tt.item
			item.Status = tt.status
			item.CloseAfterDays = tt.close

			v := env.status.Evaluate(item, t0)
			assert.Equal(t, tt.open, v.IsOpen)
			assert.Equal(t, tt.visible, v.Visible)
			assert.Equal(t, tt.open, env.status.IsOpen(item, t0))
		})
	}
}

func TestStatus_ReopensWhenOccurrencesAdded(t *testing.T) {
	// GIVEN: An enabled item whose last occurrence has passed
	// WHEN: A new occurrence is added next week
	// THEN: Registration is open again

	env := newTestEnv(t)
	item := series("x", intp(10), "100")
	item.FirstOccurrence = t0.AddDate(0, 0, -14)
	item.LastOccurrence = t0.AddDate(0, 0, -1)
	assert.False(t, env.status.IsOpen(item, t0))

	item.LastOccurrence = t0.AddDate(0, 0, 7)
	assert.True(t, env.status.IsOpen(item, t0))
}

func TestStatus_Transition_Audited(t *testing.T) {
	env := newTestEnv(t)
	env.saveItem(t, series("x", intp(10), "100"))
	ctx := context.Background()

	item, err := env.status.Transition(ctx, "x", engine.RegHeldClosed, "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, engine.RegHeldClosed, item.Status)

	entries, err := env.store.ListAudit(ctx, "x")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, engine.AuditStatusChanged, entries[0].Action)
	assert.Equal(t, "enabled", entries[0].Details["from"])
	assert.Equal(t, "held_closed", entries[0].Details["to"])

	_, err = env.holds.OpenHold(ctx, engine.OpenHoldInput{
		Customer: customer("a@example.com"),
		Lines:    []engine.LineRequest{line("x", 1)},
	})
	assert.ErrorIs(t, err, engine.ErrRegistrationClosed)

	_, err = env.status.Transition(ctx, "x", "bogus", "admin@example.com")
	assert.ErrorIs(t, err, engine.ErrInvalidStatus)
}

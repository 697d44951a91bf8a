package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/habitledger/internal/domain"
)

const sampleCatalog = `
habit: run: {
	name:     "Run"
	type:     "formation"
	goal:     5
	unit:     "km"
	schedule: ["mon", "wed", "fri"]
}

habit: meditate: {
	name: "Meditate"
	type: "formation"
	goal: 1
}

habit: smoking: {
	name: "No smoking"
	type: "breaking"
	goal: 0
}
`

func TestLoadString(t *testing.T) {
	cat, err := LoadString(sampleCatalog)
	require.NoError(t, err)

	habits := cat.Habits()
	require.Len(t, habits, 3)

	run, err := cat.Habit(context.Background(), "run")
	require.NoError(t, err)
	assert.Equal(t, domain.Habit{
		ID: "run", Name: "Run", Type: domain.HabitFormation, Goal: 5, Unit: "km",
		Schedule: []time.Weekday{time.Monday, time.Wednesday, time.Friday},
	}, run)

	smoking, err := cat.Habit(context.Background(), "smoking")
	require.NoError(t, err)
	assert.Equal(t, domain.HabitBreaking, smoking.Type)
	assert.Empty(t, smoking.Schedule, "default schedule is daily")
}

func TestLoadString_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"bad type", `habit: x: { name: "X", type: "sometimes", goal: 1 }`},
		{"negative goal", `habit: x: { name: "X", type: "formation", goal: -1 }`},
		{"missing name", `habit: x: { type: "formation", goal: 1 }`},
		{"unknown field", `habit: x: { name: "X", type: "formation", goal: 1, colour: "red" }`},
		{"bad weekday", `habit: x: { name: "X", type: "formation", goal: 1, schedule: ["someday"] }`},
		{"syntax", `habit: x: {`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadString(tt.src)
			assert.Error(t, err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "habits.cue"), []byte(sampleCatalog), 0o644))

	cat, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, cat.Habits(), 3)
}

func TestLoadDir_Empty(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	assert.Error(t, err)

	_, err = LoadDir(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	cat := NewStatic(
		domain.Habit{ID: "run", Type: domain.HabitFormation, Goal: 5, Schedule: []time.Weekday{time.Friday}},
		domain.Habit{ID: "meditate", Type: domain.HabitFormation, Goal: 1},
	)

	// 2024-03-01 is a Friday.
	due, err := cat.Scheduled(ctx, "2024-03-01")
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "meditate", due[0].ID)
	assert.Equal(t, "run", due[1].ID)

	due, err = cat.Scheduled(ctx, "2024-03-02")
	require.NoError(t, err)
	require.Len(t, due, 1)

	cat.Remove("run")
	_, err = cat.Habit(ctx, "run")
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, domain.CodeUnknownHabit, domain.CodeOf(err))
}

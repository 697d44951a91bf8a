// Package catalog supplies habit definitions to the ledger.
//
// The catalog is an external collaborator. The ledger reads a habit's goal,
// type and schedule from it at recompute time and never stores habits itself.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/habitledger/internal/domain"
)

// Catalog looks up habits.
type Catalog interface {
	// Habit returns one habit, or a validation error with code
	// UNKNOWN_HABIT if no such habit exists.
	Habit(ctx context.Context, habitID string) (domain.Habit, error)

	// Scheduled returns the habits due on date, ordered by id.
	Scheduled(ctx context.Context, date domain.DateKey) ([]domain.Habit, error)
}

// ErrUnknownHabit builds the error returned for a missing habit.
func ErrUnknownHabit(habitID string) error {
	return &domain.Error{
		Kind:    domain.KindValidation,
		Code:    domain.CodeUnknownHabit,
		Message: fmt.Sprintf("habit %q is not in the catalog", habitID),
		Details: map[string]string{"habit_id": habitID},
	}
}

// Static is an in-memory catalog. Safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	habits map[string]domain.Habit
}

// NewStatic creates a catalog holding habits.
func NewStatic(habits ...domain.Habit) *Static {
	s := &Static{habits: make(map[string]domain.Habit, len(habits))}
	for _, h := range habits {
		s.habits[h.ID] = h
	}
	return s
}

// Put adds or replaces a habit.
func (s *Static) Put(h domain.Habit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.habits[h.ID] = h
}

// Remove deletes a habit.
func (s *Static) Remove(habitID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.habits, habitID)
}

// Habit implements Catalog.
func (s *Static) Habit(_ context.Context, habitID string) (domain.Habit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.habits[habitID]
	if !ok {
		return domain.Habit{}, ErrUnknownHabit(habitID)
	}
	return h, nil
}

// Scheduled implements Catalog.
func (s *Static) Scheduled(_ context.Context, date domain.DateKey) ([]domain.Habit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []domain.Habit
	for _, h := range s.habits {
		if h.ScheduledOn(date) {
			due = append(due, h)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

// Habits returns every habit ordered by id.
func (s *Static) Habits() []domain.Habit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]domain.Habit, 0, len(s.habits))
	for _, h := range s.habits {
		all = append(all, h)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

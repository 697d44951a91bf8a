package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/habitledger/internal/app"
	"github.com/roach88/habitledger/internal/catalog"
	"github.com/roach88/habitledger/internal/config"
	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/identity"
	"github.com/roach88/habitledger/internal/remote"
	"github.com/roach88/habitledger/internal/testutil"
)

// errRemoteDown is returned by every remote call while a scenario has the
// remote down.
var errRemoteDown = errors.New("remote unavailable")

// Result contains the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool

	// Errors lists the assertions that failed.
	Errors []string

	// Steps records what each step did.
	Steps []StepResult

	// Snapshot is the rendered final state, compared against golden files.
	Snapshot string
}

// StepResult records the outcome of one step.
type StepResult struct {
	Index  int
	Action string
	Device string
	Code   string // error code of an expected failure
}

// node is one running device.
type node struct {
	id       string
	service  *app.Service
	provider *identity.StaticProvider
}

// run holds the state of one scenario execution.
type run struct {
	scenario *Scenario
	clock    *testutil.FakeClock
	remote   *remote.Memory
	nodes    []*node
	byID     map[string]*node
	dates    map[domain.DateKey]bool
	users    map[string]bool
}

// Run executes a scenario and returns the result.
//
// Every device gets its own in-memory SQLite database. All devices share
// one in-memory remote and one fake clock, so the result is the same on
// every run.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	cat, err := catalog.LoadString(scenario.Catalog)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	start, err := domain.DateKey(scenario.Today).Time()
	if err != nil {
		return nil, fmt.Errorf("parse today: %w", err)
	}

	r := &run{
		scenario: scenario,
		clock:    testutil.NewFakeClock(start.Add(12 * time.Hour)),
		remote:   remote.NewMemory(),
		byID:     map[string]*node{},
		dates:    map[domain.DateKey]bool{},
		users:    map[string]bool{},
	}
	defer r.close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, d := range scenario.Devices {
		cfg := config.Default()
		cfg.Database = ":memory:"
		cfg.DeviceID = d.ID
		cfg.UserID = d.User
		cfg.Authenticated = d.User != ""

		provider := identity.NewStaticProvider(cfg.Identity())
		svc, err := app.New(ctx, cfg, app.Options{
			Remote:   r.remote,
			Catalog:  cat,
			Provider: provider,
			Clock:    r.clock,
			Logger:   logger.With("device_id", d.ID),
		})
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", d.ID, err)
		}
		n := &node{id: d.ID, service: svc, provider: provider}
		r.nodes = append(r.nodes, n)
		r.byID[d.ID] = n
		r.noteUser(d.User)
	}

	result := &Result{}
	for i, step := range scenario.Steps {
		sr, err := r.step(ctx, i, step)
		if err != nil {
			return nil, err
		}
		result.Steps = append(result.Steps, sr)
	}

	result.Errors = r.checkAssertions(ctx)
	result.Pass = len(result.Errors) == 0

	result.Snapshot, err = r.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("render snapshot: %w", err)
	}
	return result, nil
}

func (r *run) close() {
	for _, n := range r.nodes {
		_ = n.service.Close()
	}
}

func (r *run) noteUser(userID string) {
	if !domain.IsGuest(userID) {
		r.users[userID] = true
	}
}

// step executes one step. An error from the action fails the run unless
// the step expects that error code.
func (r *run) step(ctx context.Context, i int, step Step) (StepResult, error) {
	action := step.Action()
	sr := StepResult{Index: i, Action: action, Device: step.Device}

	err := r.apply(ctx, action, step)
	code := domain.CodeOf(err)
	switch {
	case step.ExpectError == "" && err != nil:
		return sr, fmt.Errorf("step %d (%s on %s): %w", i, action, step.Device, err)
	case step.ExpectError != "" && err == nil:
		return sr, fmt.Errorf("step %d (%s on %s): expected error %s, got success", i, action, step.Device, step.ExpectError)
	case step.ExpectError != "" && code != step.ExpectError:
		return sr, fmt.Errorf("step %d (%s on %s): expected error %s, got %v", i, action, step.Device, step.ExpectError, err)
	}
	sr.Code = code
	return sr, nil
}

func (r *run) apply(ctx context.Context, action string, step Step) error {
	switch action {
	case ActionAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		r.clock.Advance(d)
		return nil
	case ActionRemote:
		var hookErr error
		if step.Remote == "down" {
			hookErr = errRemoteDown
		}
		r.setRemote(hookErr)
		return nil
	}

	n, ok := r.byID[step.Device]
	if !ok {
		return fmt.Errorf("unknown device %q", step.Device)
	}
	svc := n.service

	switch action {
	case ActionRecord, ActionAdd, ActionSet:
		p := step.progress()
		date, err := domain.ParseDateKey(p.Date)
		if err != nil {
			return err
		}
		r.dates[date] = true
		id, err := n.provider.Current(ctx)
		if err != nil {
			return err
		}
		switch action {
		case ActionAdd:
			_, err = svc.AddProgress(ctx, id.UserID, p.Habit, date, p.Value)
		case ActionSet:
			_, err = svc.SetProgress(ctx, id.UserID, p.Habit, date, p.Value)
		default:
			_, err = svc.RecordProgress(ctx, id.UserID, p.Habit, date, p.Value)
		}
		return err
	case ActionSync:
		return svc.SyncOnce(ctx)
	case ActionResume:
		svc.ResumeSync()
		return nil
	case ActionCompact:
		_, err := svc.Compact(ctx)
		return err
	case ActionMigrate:
		id, err := n.provider.Current(ctx)
		if err != nil {
			return err
		}
		_, err = svc.MigrateGuestData(ctx, id.UserID)
		return err
	case ActionSignIn:
		n.provider.Set(domain.Identity{UserID: step.SignIn, Authenticated: true})
		r.noteUser(step.SignIn)
		return nil
	case ActionSignOut:
		n.provider.Set(domain.Identity{})
		return nil
	}
	return fmt.Errorf("unsupported action %q", action)
}

func (r *run) setRemote(err error) {
	if err == nil {
		r.remote.SetPutHook(nil)
		r.remote.SetQueryHook(nil)
		return
	}
	r.remote.SetPutHook(func(context.Context, string, string) error { return err })
	r.remote.SetQueryHook(func(context.Context, string) error { return err })
}

// sortedDates returns every day a progress step touched, ascending.
func (r *run) sortedDates() []domain.DateKey {
	dates := make([]domain.DateKey, 0, len(r.dates))
	for d := range r.dates {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })
	return dates
}

// sortedUsers returns every signed-in user seen, ascending.
func (r *run) sortedUsers() []string {
	users := make([]string, 0, len(r.users))
	for u := range r.users {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

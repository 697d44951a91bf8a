package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/habitledger/internal/domain"
)

// schemaSrc constrains catalog files. It is unified with the loaded value so
// a misspelled type or a negative goal fails at load time.
const schemaSrc = `
#Weekday: "sun" | "mon" | "tue" | "wed" | "thu" | "fri" | "sat"

#Habit: {
	name:      string
	type:      "formation" | "breaking"
	goal:      int & >=0
	unit?:     string
	schedule:  *"daily" | [...#Weekday]
}

habit: [string]: #Habit
`

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// CompileError describes an invalid habit definition.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadDir loads every .cue file in dir into a catalog.
//
// Files declare habits under the top-level habit field:
//
//	habit: run: {
//		name:     "Run"
//		type:     "formation"
//		goal:     5
//		unit:     "km"
//		schedule: ["mon", "wed", "fri"]
//	}
func LoadDir(dir string) (*Static, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("catalog directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog directory: not a directory: %s", dir)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, fmt.Errorf("scan catalog directory: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no CUE files found in %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	return compile(ctx, ctx.BuildInstance(inst))
}

// LoadString compiles catalog source held in memory.
func LoadString(src string) (*Static, error) {
	ctx := cuecontext.New()
	return compile(ctx, ctx.CompileString(src, cue.Filename("catalog.cue")))
}

func compile(ctx *cue.Context, value cue.Value) (*Static, error) {
	if err := value.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("catalog schema: %w", err)
	}

	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	habitsVal := unified.LookupPath(cue.ParsePath("habit"))
	cat := NewStatic()
	if !habitsVal.Exists() {
		return cat, nil
	}

	iter, err := habitsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		h, err := CompileHabit(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		cat.Put(h)
	}
	return cat, nil
}

// CompileHabit converts one validated CUE habit struct into a domain.Habit.
func CompileHabit(id string, v cue.Value) (domain.Habit, error) {
	h := domain.Habit{ID: id}
	if strings.TrimSpace(id) == "" {
		return h, &CompileError{Field: "habit", Message: "habit id must not be blank", Pos: v.Pos()}
	}

	name, err := v.LookupPath(cue.ParsePath("name")).String()
	if err != nil {
		return h, formatCUEError(err)
	}
	h.Name = name

	typ, err := v.LookupPath(cue.ParsePath("type")).String()
	if err != nil {
		return h, formatCUEError(err)
	}
	h.Type = domain.HabitType(typ)

	goal, err := v.LookupPath(cue.ParsePath("goal")).Int64()
	if err != nil {
		return h, formatCUEError(err)
	}
	h.Goal = goal

	if unitVal := v.LookupPath(cue.ParsePath("unit")); unitVal.Exists() {
		if h.Unit, err = unitVal.String(); err != nil {
			return h, formatCUEError(err)
		}
	}

	schedVal := v.LookupPath(cue.ParsePath("schedule"))
	if s, err := schedVal.String(); err == nil && s == "daily" {
		return h, nil
	}
	list, err := schedVal.List()
	if err != nil {
		return h, formatCUEError(err)
	}
	for list.Next() {
		day, err := list.Value().String()
		if err != nil {
			return h, formatCUEError(err)
		}
		wd, ok := weekdays[day]
		if !ok {
			return h, &CompileError{Field: "schedule", Message: fmt.Sprintf("unknown weekday %q", day), Pos: list.Value().Pos()}
		}
		h.Schedule = append(h.Schedule, wd)
	}
	return h, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}

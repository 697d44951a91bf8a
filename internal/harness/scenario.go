package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/habitledger/internal/domain"
)

// Scenario defines a multi-device scenario.
// A scenario declares devices sharing one in-memory remote, drives them
// through a list of steps, and asserts on the resulting local state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Catalog is the CUE source of the habit catalog every device uses.
	Catalog string `yaml:"catalog"`

	// Today is the day the clock starts on, at 12:00 UTC.
	Today string `yaml:"today"`

	// Devices are the installs taking part, in snapshot order.
	Devices []Device `yaml:"devices"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Device is one install of the app.
type Device struct {
	// ID is the device id. It is also the name steps refer to.
	ID string `yaml:"id"`

	// User is the signed-in user at start. Empty means guest.
	User string `yaml:"user,omitempty"`
}

// Step is one action. Exactly one action field must be set.
type Step struct {
	// Device names the device the action runs on. Not used by advance
	// and remote.
	Device string `yaml:"device,omitempty"`

	Record  *ProgressStep `yaml:"record,omitempty"`
	Add     *ProgressStep `yaml:"add,omitempty"`
	Set     *ProgressStep `yaml:"set,omitempty"`
	Sync    bool          `yaml:"sync,omitempty"`
	Resume  bool          `yaml:"resume,omitempty"`
	Compact bool          `yaml:"compact,omitempty"`
	Migrate bool          `yaml:"migrate,omitempty"`
	SignIn  string        `yaml:"sign_in,omitempty"`
	SignOut bool          `yaml:"sign_out,omitempty"`

	// Advance moves the shared clock forward by a Go duration ("48h").
	Advance string `yaml:"advance,omitempty"`

	// Remote takes the shared remote "down" or brings it back "up".
	Remote string `yaml:"remote,omitempty"`

	// ExpectError is the error code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// ProgressStep is the payload of record, add and set steps.
type ProgressStep struct {
	Habit string `yaml:"habit"`
	Date  string `yaml:"date"`
	Value int64  `yaml:"value"`
}

// Step action names.
const (
	ActionRecord  = "record"
	ActionAdd     = "add"
	ActionSet     = "set"
	ActionSync    = "sync"
	ActionResume  = "resume"
	ActionCompact = "compact"
	ActionMigrate = "migrate"
	ActionSignIn  = "sign_in"
	ActionSignOut = "sign_out"
	ActionAdvance = "advance"
	ActionRemote  = "remote"
)

// Action returns the name of the step's action, or "" when none or more
// than one is set.
func (s Step) Action() string {
	var set []string
	if s.Record != nil {
		set = append(set, ActionRecord)
	}
	if s.Add != nil {
		set = append(set, ActionAdd)
	}
	if s.Set != nil {
		set = append(set, ActionSet)
	}
	if s.Sync {
		set = append(set, ActionSync)
	}
	if s.Resume {
		set = append(set, ActionResume)
	}
	if s.Compact {
		set = append(set, ActionCompact)
	}
	if s.Migrate {
		set = append(set, ActionMigrate)
	}
	if s.SignIn != "" {
		set = append(set, ActionSignIn)
	}
	if s.SignOut {
		set = append(set, ActionSignOut)
	}
	if s.Advance != "" {
		set = append(set, ActionAdvance)
	}
	if s.Remote != "" {
		set = append(set, ActionRemote)
	}
	if len(set) != 1 {
		return ""
	}
	return set[0]
}

func (s Step) progress() *ProgressStep {
	switch {
	case s.Record != nil:
		return s.Record
	case s.Add != nil:
		return s.Add
	default:
		return s.Set
	}
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML held in memory.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and every step
// and assertion refers to a declared device.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Catalog == "" {
		return fmt.Errorf("catalog is required")
	}
	if _, err := domain.ParseDateKey(s.Today); err != nil {
		return fmt.Errorf("today: %w", err)
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}

	devices := map[string]bool{}
	for i, d := range s.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if devices[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		if err := domain.ValidateUserID(d.User); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		devices[d.ID] = true
	}

	for i, step := range s.Steps {
		action := step.Action()
		switch action {
		case "":
			return fmt.Errorf("steps[%d]: exactly one action is required", i)
		case ActionAdvance:
			if _, err := time.ParseDuration(step.Advance); err != nil {
				return fmt.Errorf("steps[%d]: advance: %w", i, err)
			}
			continue
		case ActionRemote:
			if step.Remote != "up" && step.Remote != "down" {
				return fmt.Errorf("steps[%d]: remote must be up or down, got %q", i, step.Remote)
			}
			continue
		case ActionRecord, ActionAdd, ActionSet:
			p := step.progress()
			if p.Habit == "" {
				return fmt.Errorf("steps[%d]: %s: habit is required", i, action)
			}
			if _, err := domain.ParseDateKey(p.Date); err != nil {
				return fmt.Errorf("steps[%d]: %s: %w", i, action, err)
			}
		}
		if !devices[step.Device] {
			return fmt.Errorf("steps[%d]: unknown device %q", i, step.Device)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a, devices); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

package flow

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Dialog is the in-memory context of one dialog.
type Dialog struct {
	Step string
	Data map[string]any
}

// Input is one user message for the active step.
type Input struct {
	Text string
	Skip bool
}

// Action is the side effect the engine must perform after a transition.
type Action int

const (
	// ActionPrompt persists the new dialog and prompts for its step.
	ActionPrompt Action = iota
	// ActionFinalize hands the data to the finalizer. The dialog stays on
	// the terminal step until the commit succeeds.
	ActionFinalize
	// ActionCancel clears the dialog.
	ActionCancel
)

// UniqueCheck is a uniqueness lookup the engine must clear before applying
// the outcome.
type UniqueCheck struct {
	Step    string
	Field   string
	Value   string
	Message string
}

// Outcome is the result of a transition.
type Outcome struct {
	Dialog Dialog
	Action Action
	Checks []UniqueCheck
}

var (
	yesAnswers = map[string]struct{}{"yes": {}, "y": {}, "confirm": {}, "save": {}, "ok": {}}
	noAnswers  = map[string]struct{}{"no": {}, "n": {}, "cancel": {}, "discard": {}}
)

// Transition maps (dialog, input) to the next dialog and the side effect to
// run. It performs no I/O. A *ValidationError means the dialog is unchanged.
func Transition(c *Catalog, d Dialog, in Input) (Outcome, error) {
	idx := c.index(d.Step)
	if idx < 0 {
		return Outcome{}, fmt.Errorf("%w: %s/%s", ErrUnknownStep, c.Kind, d.Step)
	}
	step := c.Steps[idx]
	if step.Terminal {
		return confirmTransition(c, d, step, in)
	}

	var (
		value  any
		checks []UniqueCheck
	)
	if in.Skip {
		if !step.Skippable {
			return Outcome{}, &ValidationError{Step: step.Name, Message: "This step can't be skipped."}
		}
	} else {
		text := strings.TrimSpace(in.Text)
		check, err := validate(step, text)
		if err != nil {
			return Outcome{}, err
		}
		if check != nil {
			checks = append(checks, *check)
		}
		value = text
	}

	if idx+1 >= len(c.Steps) {
		return Outcome{}, fmt.Errorf("%w: %s/%s", ErrNoNextStep, c.Kind, step.Name)
	}
	next := Dialog{Step: c.Steps[idx+1].Name, Data: copyData(d.Data)}
	next.Data[step.Field] = value
	return Outcome{Dialog: next, Action: ActionPrompt, Checks: checks}, nil
}

// confirmTransition handles the terminal step: yes finalizes, no cancels and
// field=value corrects a field without leaving the step.
func confirmTransition(c *Catalog, d Dialog, step StepDefinition, in Input) (Outcome, error) {
	if in.Skip {
		return Outcome{}, &ValidationError{Step: step.Name, Message: "This step can't be skipped. Reply yes or no."}
	}
	text := strings.TrimSpace(in.Text)
	answer := strings.ToLower(text)
	if _, ok := yesAnswers[answer]; ok {
		return Outcome{Dialog: Dialog{Step: step.Name, Data: copyData(d.Data)}, Action: ActionFinalize}, nil
	}
	if _, ok := noAnswers[answer]; ok {
		return Outcome{Dialog: d, Action: ActionCancel}, nil
	}

	field, raw, found := strings.Cut(text, "=")
	if !found {
		return Outcome{}, &ValidationError{Step: step.Name, Message: "Reply yes to save, no to discard, or field=value to correct a field."}
	}
	target, ok := c.stepForField(strings.TrimSpace(field))
	if !ok {
		return Outcome{}, &ValidationError{Step: step.Name, Message: fmt.Sprintf("There is no field called %q.", strings.TrimSpace(field))}
	}
	raw = strings.TrimSpace(raw)
	next := Dialog{Step: step.Name, Data: copyData(d.Data)}
	if raw == "" && target.Skippable {
		next.Data[target.Field] = nil
		return Outcome{Dialog: next, Action: ActionPrompt}, nil
	}
	check, err := validate(target, raw)
	var verr *ValidationError
	if errors.As(err, &verr) {
		return Outcome{}, &ValidationError{Step: step.Name, Message: verr.Message}
	}
	var checks []UniqueCheck
	if check != nil {
		check.Step = step.Name
		checks = append(checks, *check)
	}
	next.Data[target.Field] = raw
	return Outcome{Dialog: next, Action: ActionPrompt, Checks: checks}, nil
}

func validate(step StepDefinition, text string) (*UniqueCheck, error) {
	fail := func(r Rule, fallback string) error {
		msg := r.Message
		if msg == "" {
			msg = fallback
		}
		return &ValidationError{Step: step.Name, Message: msg}
	}
	var check *UniqueCheck
	n := utf8.RuneCountInString(text)
	for _, r := range step.Rules {
		switch r.Type {
		case RuleRequired:
			if text == "" {
				return nil, fail(r, "A value is required.")
			}
		case RuleMinLength:
			if n < r.Value {
				return nil, fail(r, fmt.Sprintf("Please enter at least %d characters.", r.Value))
			}
		case RuleMaxLength:
			if r.Value > 0 && n > r.Value {
				return nil, fail(r, fmt.Sprintf("Please keep it under %d characters.", r.Value+1))
			}
		case RuleOneOf:
			if !containsFold(r.Values, text) {
				return nil, fail(r, "Please choose one of: "+strings.Join(r.Values, ", ")+".")
			}
		case RuleUnique:
			msg := r.Message
			if msg == "" {
				msg = "That value is already taken."
			}
			check = &UniqueCheck{Step: step.Name, Field: step.Field, Value: text, Message: msg}
		}
	}
	if text == "" {
		msg := "A value is required."
		if step.Skippable {
			msg = "Please send a value, or skip this step."
		}
		return nil, &ValidationError{Step: step.Name, Message: msg}
	}
	return check, nil
}

func containsFold(options []string, v string) bool {
	for _, o := range options {
		if strings.EqualFold(o, v) {
			return true
		}
	}
	return false
}

func copyData(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

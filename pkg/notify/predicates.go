package notify

import "github.com/opnlabs/dotmatrix/pkg/models"

// Facts are the immutable inputs a predicate looks at.
type Facts struct {
	Meta   models.RunMetadata
	Result models.PipelineResult
}

type Predicate func(Facts) bool

// OnStatus holds for "pass" when the run passed, for "fail" when it did
// not, and always for "always" or "".
func OnStatus(status string) Predicate {
	return func(f Facts) bool {
		switch status {
		case "", "always":
			return true
		case "pass":
			return f.Result.Status == models.StatusPass
		case "fail":
			return f.Result.Status != models.StatusPass && f.Result.Status != models.StatusSkipped
		}
		return false
	}
}

// OnBranch holds when the run's branch matches the glob pattern.
func OnBranch(pattern string) Predicate {
	return func(f Facts) bool {
		return matchBranch(pattern, f.Meta.Branch)
	}
}

func OnEvent(event string) Predicate {
	return func(f Facts) bool {
		return f.Meta.Event == event
	}
}

// OnInterpreter holds when a job for the interpreter ran and passed.
func OnInterpreter(interpreter string) Predicate {
	return func(f Facts) bool {
		for _, j := range f.Result.Jobs {
			if j.Interpreter == interpreter && j.Status == models.StatusPass {
				return true
			}
		}
		return false
	}
}

func Not(p Predicate) Predicate {
	return func(f Facts) bool {
		return !p(f)
	}
}

type Rule struct {
	Name       string
	Predicates []Predicate
	Targets    []models.Target
}

// Matches evaluates the predicates in order and stops at the first one that
// does not hold.
func (r Rule) Matches(f Facts) bool {
	for _, p := range r.Predicates {
		if !p(f) {
			return false
		}
	}
	return true
}

// RulesFromConfig turns the notification section of a pipeline into rules.
// Conditions are checked in the order status, branch, event, interpreter.
func RulesFromConfig(cfg []models.NotificationRule) []Rule {
	rules := make([]Rule, 0, len(cfg))
	for _, c := range cfg {
		r := Rule{Name: c.Name, Targets: c.Targets}
		if c.When.Status != "" {
			r.Predicates = append(r.Predicates, OnStatus(c.When.Status))
		}
		if c.When.Branch != "" {
			r.Predicates = append(r.Predicates, OnBranch(c.When.Branch))
		}
		if c.When.Event != "" {
			r.Predicates = append(r.Predicates, OnEvent(c.When.Event))
		}
		if c.When.Interpreter != "" {
			r.Predicates = append(r.Predicates, OnInterpreter(c.When.Interpreter))
		}
		rules = append(rules, r)
	}
	return rules
}

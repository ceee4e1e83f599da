package workflow

import "fmt"

// Structured-task results are validated beyond mere JSON well-formedness;
// a shape that unmarshals but fails these checks is a schema violation
// and earns the task one corrective retry.

// Validate checks the analysis result shape.
func (a *Analysis) Validate() error {
	if a.RoleTitle == "" {
		return fmt.Errorf("analysis: role_title is required")
	}
	if len(a.Skills) == 0 {
		return fmt.Errorf("analysis: at least one skill is required")
	}
	for i, s := range a.Skills {
		if s == "" {
			return fmt.Errorf("analysis: skills[%d] is empty", i)
		}
	}
	return nil
}

// Validate checks the fit score shape.
func (f *FitScore) Validate() error {
	if f.Overall < 0 || f.Overall > 100 {
		return fmt.Errorf("fit score: overall %d outside [0, 100]", f.Overall)
	}
	for i, s := range f.MissingSkills {
		if s == "" {
			return fmt.Errorf("fit score: missing_skills[%d] is empty", i)
		}
	}
	return nil
}

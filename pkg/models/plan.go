package models

// EvaluatorOutput is the structured result of the prompt-evaluation
// meta-call: the inferred intent plus memory search queries.
type EvaluatorOutput struct {
	Intent        string   `json:"intent"`
	MemoryQueries []string `json:"memory_queries"`
}

// RouterDecision is the structured result of the routing meta-call.
type RouterDecision struct {
	SelectedTools []string `json:"selected_tools"`
	Provider      string   `json:"provider"`
	ModelName     string   `json:"model_name"`
	Reasoning     string   `json:"reasoning"`
}

// PlanStep is one step of an execution plan.
type PlanStep struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	DependsOn      []string `json:"depends_on"`
	Parallelizable bool     `json:"parallelizable"`
	Priority       int      `json:"priority"`
}

// ExecutionPlan is the structured result of the planning meta-call.
type ExecutionPlan struct {
	Name  string     `json:"name"`
	Goal  string     `json:"goal"`
	Steps []PlanStep `json:"steps"`
}

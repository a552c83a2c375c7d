package agent

// defaultAgents is the built-in roster used when no agents.yaml is present.
// Every project needs at least a project manager for routing fallback and an
// executor for the execute phase.
func defaultAgents() []*Definition {
	return []*Definition{
		{
			ID:          "project-manager",
			Name:        "Project Manager",
			Description: "Coordinates work, answers questions about project state, and is the routing fallback.",
			Instructions: "You are the project manager. Track the state of the project, " +
				"answer questions about it, and summarize outcomes for the user.",
			PM: true,
		},
		{
			ID:          "planner",
			Name:        "Planner",
			Description: "Produces implementation plans before execution.",
			Instructions: "You are the planning agent. Break requests into concrete, " +
				"ordered steps before any code is written.",
		},
		{
			ID:          "executor",
			Name:        "Executor",
			Description: "Carries out approved work in the execute phase.",
			Instructions: "You are the execution agent. Apply the plan, make the changes, " +
				"and report exactly what you did.",
		},
	}
}

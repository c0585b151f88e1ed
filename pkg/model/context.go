package model

// Story is a parent grouping document in the ledger ("stories" collection).
type Story struct {
	ID       string `firestore:"-"`
	HumanRef string `firestore:"humanRef,omitempty"`
	Title    string `firestore:"title,omitempty"`
	Theme    string `firestore:"theme,omitempty"`
	GoalID   string `firestore:"goalId,omitempty"`
	SprintID string `firestore:"sprintId,omitempty"`
}

// Goal is a higher-level grouping document ("goals" collection). Its theme
// is the fallback when a story doesn't carry one.
type Goal struct {
	ID       string `firestore:"-"`
	HumanRef string `firestore:"humanRef,omitempty"`
	Title    string `firestore:"title,omitempty"`
	Theme    string `firestore:"theme,omitempty"`
}

// Sprint is a time-box document ("sprints" collection).
type Sprint struct {
	ID   string `firestore:"-"`
	Name string `firestore:"name,omitempty"`
}

// TaskContext is the denormalized join result for one task: everything the
// note codec needs to render the metadata block. Ephemeral, cached per
// reconciliation pass, never persisted.
type TaskContext struct {
	StoryRef   string
	StoryTitle string
	Theme      string
	GoalRef    string
	GoalTitle  string
	SprintID   string
	SprintName string
}

package app

// AppState represents the different views of the harvest UI.
type AppState int

const (
	Harvesting AppState = iota
	ShowSummary
	ShowError
	Exiting
)

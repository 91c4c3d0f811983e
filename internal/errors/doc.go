// Package errors provides the coded, user-facing errors printed by the
// sigsync command.
//
// Each error has a code (e.g., "E120") that maps to a short message, an
// optional explanation and a hint. Server Error messages received by the
// watch command are converted with FromMessage so they print the same way.
//
// # Error Codes
//
//   - E060-E079: protocol errors reported by the server
//   - E080-E099: connection errors
//   - E120-E139: configuration errors
//   - E140-E159: command-line errors
//
// # Usage
//
//	err := errors.New("E121").
//	    WithDetail("No sigsync.yaml in /srv/app").
//	    WithSuggestion("Create sigsync.yaml or pass --config")
//
//	errors.PrintError(err)
//	// Output:
//	// ERROR E121: Configuration file not found
//	//
//	//   No sigsync.yaml in /srv/app
//	//
//	//   Hint: Create sigsync.yaml or pass --config
package errors

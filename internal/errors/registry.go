package errors

import "sort"

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// Protocol errors reported by the server (E060-E079)

	"E060": {
		Category:   CategoryProtocol,
		Message:    "Server could not decode a frame",
		Detail:     "The server received a frame it could not parse. The client and server may disagree on the wire format.",
		Suggestion: "Pass the same --format to the client and the server",
	},
	"E061": {
		Category: CategoryProtocol,
		Message:  "Server rejected a message",
		Detail:   "The message was well-formed but not valid in this state, for example a patch for a signal the connection is not subscribed to.",
	},
	"E062": {
		Category:   CategoryProtocol,
		Message:    "Signal not found",
		Detail:     "The server has no signal with this name and the subscription did not declare a kind that may be created on demand.",
		Suggestion: "Declare the signal in sigsync.yaml or subscribe with --kind bidirectional|channel",
	},
	"E063": {
		Category: CategoryProtocol,
		Message:  "Signal kind mismatch",
		Detail:   "The signal exists with a different kind than the one requested.",
	},
	"E064": {
		Category: CategoryProtocol,
		Message:  "Signal is read-only",
		Detail:   "Server signals can only be changed by the server.",
	},
	"E065": {
		Category: CategoryProtocol,
		Message:  "Internal server error",
	},
	"E066": {
		Category: CategoryProtocol,
		Message:  "Unknown server error",
	},

	// Connection errors (E080-E099)

	"E080": {
		Category:   CategoryConnection,
		Message:    "Cannot connect to server",
		Suggestion: "Check that 'sigsync serve' is running and the URL is correct",
	},
	"E081": {
		Category: CategoryConnection,
		Message:  "Connection closed by server",
	},

	// Configuration errors (E120-E139)

	"E120": {
		Category:   CategoryConfig,
		Message:    "Invalid configuration file",
		Suggestion: "Check that sigsync.yaml is valid YAML or JSON",
	},
	"E121": {
		Category:   CategoryConfig,
		Message:    "Configuration file not found",
		Suggestion: "Create sigsync.yaml or pass --config",
	},
	"E122": {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
	},
	"E123": {
		Category: CategoryConfig,
		Message:  "Invalid signal declaration",
		Detail:   "Each signal needs a unique name, a kind of server, bidirectional or channel, and a valid JSON initial value.",
	},

	// CLI errors (E140-E159)

	"E140": {
		Category: CategoryCLI,
		Message:  "Invalid argument",
	},
	"E141": {
		Category: CategoryCLI,
		Message:  "Server failed",
	},
}

// GetAllCodes returns all registered error codes, sorted.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}

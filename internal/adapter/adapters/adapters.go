// Package adapters imports all compiled-in tool adapters to register them
// as builtins. Import this package to enable them all.
//
// Usage:
//
//	import (
//	    "github.com/usehatch/hatch/internal/adapter"
//	    _ "github.com/usehatch/hatch/internal/adapter/adapters" // Register all adapters
//	)
//
//	func main() {
//	    a, err := adapter.NewBuiltin("claude-code")
//	    // ...
//	}
package adapters

import (
	// Import adapters to trigger their init() registration.
	_ "github.com/usehatch/hatch/internal/adapter/claudecode"
	_ "github.com/usehatch/hatch/internal/adapter/geminicli"
)

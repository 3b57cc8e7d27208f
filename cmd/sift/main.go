// Command sift scores texts against an anchor, ranks them across categories
// and manages the labeled dataset.
//
// Usage:
//
//	sift [--config FILE] <command> [args]
//
// Commands:
//
//	serve       - serve the message API over websocket
//	score       - score texts against the anchor
//	rank        - rank a text across the active categories
//	feed        - score the RSS feed titles
//	labels      - list, add and delete labels
//	export      - write the triplet CSV
//	import      - merge a triplet CSV
//	categories  - list and check categories
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(defaultEnv()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Command cpu_features prints the host description that bench reports
// embed, as JSON. Useful for labelling benchmark results collected by hand.
package main

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"github.com/samcharles93/flashmha/internal/bench"
)

func main() {
	b, err := json.MarshalIndent(bench.SystemInfo(), "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}

// Command kubilitics-pricing serves guarded pricing recommendations.
//
// Subcommands:
//   - serve      HTTP API on :8090, event stream, gRPC health on :8091
//   - recommend  run one question through the pipeline locally
//   - token      issue an approver JWT
//   - version
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/kubilitics/kubilitics-pricing/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Command tiercache inspects and maintains a tiercache deployment.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/unkn0wn-root/tiercache/internal/cli"
)

func main() {
	if err := cli.New().Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

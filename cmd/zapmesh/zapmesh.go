package main

import (
	"fmt"
	"os"

	"github.com/zapmesh/zapmesh/cmd/zapmesh-cli"
)

func main() {
	app := zapmesh.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%+v\n", err)
		os.Exit(1)
	}
}

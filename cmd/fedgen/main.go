package main

import (
	"fmt"
	"os"

	fedgen "github.com/fedgen/fedgen/cmd/fedgen-cli"
)

func main() {
	app := fedgen.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%+v\n", err)
		os.Exit(1)
	}
}

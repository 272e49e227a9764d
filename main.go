package main

import (
	"fmt"
	"os"

	"ember/config"
	"ember/sandbox"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Println(version)
		os.Exit(0)
	}

	source := "console.log('hello from ember'); 1 + 1"
	if len(os.Args) > 1 {
		source = os.Args[1]
	}

	cfg := config.DefaultConfig()
	box := sandbox.New(sandbox.Options{Config: cfg, AllowBuiltins: true})
	defer box.Close()

	result := box.Run(source, sandbox.RunOptions{ConsoleMode: "inherit"})
	if result.Error != nil {
		fmt.Fprintf(os.Stderr, "ember: %s: %s\n", result.Error.Code, result.Error.Message)
		os.Exit(1)
	}
	fmt.Printf("%v\n", result.Value)
}

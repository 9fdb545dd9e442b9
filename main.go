package main

import "github.com/ptrus/dep-validator/cmd"

func main() {
	cmd.Execute()
}

package main

import "github.com/oshokin/lob-publisher/cmd/lob-publisher/cmd"

func main() {
	cmd.Execute()
}

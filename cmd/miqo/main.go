package main

import "miqo-core/internal/client/cmd"

func main() {
	cmd.Execute()
}

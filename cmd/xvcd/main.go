package main

import "github.com/anshi233/xvc-server-d2xx/cmd/xvcd/cmd"

func main() {
	cmd.Execute()
}

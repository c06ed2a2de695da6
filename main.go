package main

import "ruabot/cmd"

func main() {
	cmd.Execute()
}

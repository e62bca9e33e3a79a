package main

import "fitbot/cmd"

func main() {
	cmd.Execute()
}

package main

import "SceneGen/client/scenegen-cli/cmd"

func main() {
	cmd.Execute()
}

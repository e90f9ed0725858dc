package main

import "github.com/legacyguard/shield/cmd"

func main() {
	cmd.Execute()
}

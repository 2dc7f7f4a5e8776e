package main

import "github.com/joshcarp/compgen"

func main() {
	compgen.InitializeCommand()
}

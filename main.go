package main

import "github.com/ValentinKolb/dClaim/cmd"

func main() {
	cmd.Execute()
}

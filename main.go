package main

import "github.com/edgeflare/scoot/cmd/scoot"

func main() {
	scoot.Main()
}

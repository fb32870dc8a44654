package main

import (
	"flag"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
)

// Prints a bcrypt hash to use as server.cron_secret / CRON_SECRET.
func main() {
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost to use for hashing")
	flag.Parse()
	if flag.NArg() != 1 {
		log.Fatalf("usage: %s [--cost=<cost>] <secret>", flag.CommandLine.Name())
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(flag.Arg(0)), *cost)
	if err != nil {
		log.Fatalf("hash secret: %v", err)
	}

	fmt.Println(string(hash))
}

// Package main is the entry point for the video relay load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: connect N users that never press next and check the relay settles into pairs
//   - pair:     connect users, wait for matches, and exchange offer/answer/candidates
//
// The relay must run with TRUST_PROXY=true: every simulated user is given its
// own X-Forwarded-For address so the per-IP connect limit applies per user.
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "pair":
		runPair(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Saturation test: connects N users and checks pairs/waiting via /health")
	fmt.Println("  pair        Pairing and signaling test: users match and exchange offer/answer/candidates")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}

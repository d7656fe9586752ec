// Package main provides the wheelwright CLI for repairing Linux
// binary wheels.
package main

func main() {
	Execute()
}

// Command handoff compiles patterns, counts matches and transforms strings
// inside a callee reached across a WebAssembly boundary.
package main

func main() {
	Execute()
}

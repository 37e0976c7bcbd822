// Command grapevine runs and inspects degree-of-separation proof chains.
package main

func main() {
	Execute()
}

// Command tunnelnode runs a virtual network node.
package main

func main() {
	Execute()
}

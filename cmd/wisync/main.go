// Command wisync mirrors a remote work-item tracker into a local cache and
// keeps the two in step.
package main

func main() {
	Execute()
}

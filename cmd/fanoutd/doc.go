// Command fanoutd watches a source directory and replicates stable files to
// every configured destination with atomic commits and digest verification.
package main

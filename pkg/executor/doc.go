// See executor.go for Execute, the single-use Action Executor body AES
// spawns one goroutine of per dispatched action.
package executor

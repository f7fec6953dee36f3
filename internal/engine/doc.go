// Package engine implements the conditional-request cache state machine.
// It combines a cache.Store and a fetch.Fetcher to serve the four caller
// operations: a plain GET, a conditional GET, a conditional HEAD and a cache
// inspection that never touches the network. Outcomes are typed: a Result on
// success and an *Error carrying a Kind otherwise, where KindQuiet marks the
// benign "condition not met" answers that monitoring wrappers rely on.
// ExitCode maps both onto the 0/1/2/>=3 process contract.
package engine

// Package scanning provides the scan execution layer for portwatch.
//
// It defines the value types produced by a single host scan and the
// Executor abstraction the scheduler drives.
//
// # Main Components
//
//   - PortState and PortStatus: the observed state and service of one port
//   - Snapshot: all ports observed on one host at one point in time
//   - Result: the terminal outcome of one host scan within a cycle
//   - Executor: the blocking, cancellable scan contract
//   - NmapExecutor: the Executor backed by the nmap binary
//
// # Reachability
//
// An unresponsive host is reported as a Snapshot with Reachable set to
// false. Errors are reserved for backend failures: a missing binary, a
// crashed process, a timeout or a canceled context. Each of these comes
// back as an *errors.ScanError carrying the host and an error code.
//
// # Snapshot Contents
//
// Only ports nmap reports as open, filtered or in an unrecognised state
// are stored. Closed ports are absent from the map, which is how the
// tracker tells newly opened ports from ports it has already seen.
//
// # Testing
//
// A gomock implementation of Executor lives in the mocks subpackage and is
// regenerated with go generate.
package scanning

// Package failure is the closed failure-cause taxonomy shared by every
// service in the kernel. A Cause is attached to failed actions, failed
// jobs, and failed request/reply calls alike; nothing is ever silently
// dropped.
package failure

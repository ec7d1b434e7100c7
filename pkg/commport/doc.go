// See commport.go for the Hub/mailbox API and requestreply.go for the
// circuit-breaker-guarded Client built on top of it.
package commport

// See service.go for the Base lifecycle state machine and daemon loop
// every concrete service in the kernel embeds.
package service

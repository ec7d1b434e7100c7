// See platform.go for the Platform interface and the Simulated test double.
package platform

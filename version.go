// Package mediashrink holds build metadata for the mediashrink binary.
package mediashrink

// Version is the release version
const Version = "0.4.0"

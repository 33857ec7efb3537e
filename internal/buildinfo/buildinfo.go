package buildinfo

import "fmt"

// Name identifies the worker binary on the bus and in logs.
const Name = "remotelabz-worker"

// These values are overridden at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("%s version=%s commit=%s date=%s", Name, Version, Commit, Date)
}

// ClientName is the connection name announced to the message bus.
func ClientName(worker string) string {
	if worker == "" {
		return Name + "/" + Version
	}
	return Name + "/" + Version + "@" + worker
}

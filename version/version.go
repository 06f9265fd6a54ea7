package version

var (
	// GitCommit is the current HEAD set using ldflags.
	GitCommit string

	// Version is the built softwares version.
	Version = SSCoreSemVer
)

func init() {
	if GitCommit != "" {
		Version += "-" + GitCommit
	}
}

const (
	// SSCoreSemVer is the current version of swarmsync.
	// It's the Semantic Version of the software.
	SSCoreSemVer = "0.1.0"

	// StorageRPCVersion is the storage node RPC the client speaks.
	StorageRPCVersion = "v1"
)

// UserAgent identifies the client in requests to storage and seed nodes.
func UserAgent() string {
	return "swarmsync/" + Version
}

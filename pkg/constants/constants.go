package constants

const (
	// SidecarBaseDir is the working directory of the node agent inside its container
	SidecarBaseDir = "/node-agent"

	// DefaultSharedContainerRoot is the root shared by all containers of a node, the global transfer lock lives beneath it
	DefaultSharedContainerRoot = "/"
	// LockDir is the directory of the global transfer lock relative to the shared container root
	LockDir = "var/lock/node-agent"
	// LockFile is the name of the global transfer lock file
	LockFile = "global-transfer-lock"

	// DefaultDataDir is where the database keeps its keyspaces
	DefaultDataDir = "/var/lib/cassandra/data"

	// LocalProviderDir is where the local storage provider keeps objects if not configured otherwise
	LocalProviderDir = SidecarBaseDir + "/local-provider"

	// ManifestPrefix is the object key prefix of backup manifests
	ManifestPrefix = "manifests"

	// DefaultWorkers is the default number of operations executed in parallel
	DefaultWorkers = 4
	// DefaultQueueSize is the default number of operations waiting for a worker
	DefaultQueueSize = 64
)

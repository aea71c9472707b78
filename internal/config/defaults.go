package config

const (
	// SchemeSQLite selects the shared SQLite coordination store.
	SchemeSQLite = "sqlite://"
	// SchemeMemory selects the process-local coordination store.
	SchemeMemory = "mem://"

	defaultCoordConnect         = "sqlite://~/.local/share/accession/coord.db"
	defaultCoordRoot            = "/accession"
	defaultSessionTimeout       = 30
	defaultRetryAttempts        = 3
	defaultRetryBackoffMS       = 500
	defaultStateDir             = "~/.local/share/accession"
	defaultLogDir               = "~/.local/share/accession/logs"
	defaultStorageDir           = "~/.local/share/accession/storage"
	defaultHoldGlobal           = "global"
	defaultHoldCollections      = "collections"
	defaultShutdownGrace        = 30
	defaultErrorRetryInterval   = 10
	defaultPollInterval         = 5
	defaultWorkers              = 2
	defaultUnknownSizePenalty   = 10
	defaultHeadTimeout          = 15
	defaultMinFreeGiB           = 1
	defaultCleanupInterval      = 600
	defaultCompletedRetention   = 86400
	defaultFailedGrace          = 7 * 86400
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultLogRetentionDays     = 30
	defaultNotifyTimeout        = 10
	coordinationEnvOverride     = "ACCESSION_COORD"
	identityEnvOverride         = "ACCESSION_IDENTITY"
	stageBatchWatchPollInterval = 15
)

// Stage daemon names in pipeline order. Batch stages bracket the job stages.
const (
	StageBatchStart = "batch-start"
	StageInitialize = "initialize"
	StageEstimate   = "estimate"
	StageProcess    = "process"
	StageProvision  = "provision"
	StageNotify     = "notify"
	StageBatchWatch = "batch-watch"
	StageReport     = "report"
)

// StageNames lists every stage daemon accession knows how to run.
var StageNames = []string{
	StageBatchStart,
	StageInitialize,
	StageEstimate,
	StageProcess,
	StageProvision,
	StageNotify,
	StageBatchWatch,
	StageReport,
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	daemons := make(map[string]Daemon, len(StageNames))
	for _, name := range StageNames {
		daemons[name] = defaultDaemon(name)
	}
	return Config{
		Coord: Coord{
			Connect:        defaultCoordConnect,
			Root:           defaultCoordRoot,
			SessionTimeout: defaultSessionTimeout,
			RetryAttempts:  defaultRetryAttempts,
			RetryBackoffMS: defaultRetryBackoffMS,
		},
		Paths: Paths{
			StateDir:   defaultStateDir,
			LogDir:     defaultLogDir,
			StorageDir: defaultStorageDir,
		},
		Holds: Holds{
			Global:      defaultHoldGlobal,
			Collections: defaultHoldCollections,
		},
		Workflow: Workflow{
			ShutdownGrace:      defaultShutdownGrace,
			ErrorRetryInterval: defaultErrorRetryInterval,
		},
		Daemons: daemons,
		Estimate: Estimate{
			UnknownSizePenalty: defaultUnknownSizePenalty,
			HeadTimeout:        defaultHeadTimeout,
			MinFreeGiB:         defaultMinFreeGiB,
		},
		Cleanup: Cleanup{
			Enabled:            true,
			Interval:           defaultCleanupInterval,
			CompletedRetention: defaultCompletedRetention,
			FailedGrace:        defaultFailedGrace,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
	}
}

func defaultDaemon(name string) Daemon {
	d := Daemon{
		Enabled:      true,
		PollInterval: defaultPollInterval,
		Workers:      defaultWorkers,
	}
	switch name {
	case StageBatchStart, StageBatchWatch, StageReport:
		d.Workers = 1
	}
	if name == StageBatchWatch {
		d.PollInterval = stageBatchWatchPollInterval
	}
	return d
}

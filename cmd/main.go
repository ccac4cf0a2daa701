package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	v1 "github.com/metal-stack/node-agent/api/v1"
	"github.com/metal-stack/node-agent/cmd/internal/database/nodetool"
	"github.com/metal-stack/node-agent/cmd/internal/encryption"
	"github.com/metal-stack/node-agent/cmd/internal/metrics"
	"github.com/metal-stack/node-agent/cmd/internal/operations"
	"github.com/metal-stack/node-agent/cmd/internal/operations/backup"
	"github.com/metal-stack/node-agent/cmd/internal/operations/cleanup"
	"github.com/metal-stack/node-agent/cmd/internal/operations/decommission"
	"github.com/metal-stack/node-agent/cmd/internal/operations/restore"
	"github.com/metal-stack/node-agent/cmd/internal/probe"
	"github.com/metal-stack/node-agent/cmd/internal/schedule"
	"github.com/metal-stack/node-agent/cmd/internal/server"
	"github.com/metal-stack/node-agent/cmd/internal/storage"
	"github.com/metal-stack/node-agent/cmd/internal/storage/azure"
	"github.com/metal-stack/node-agent/cmd/internal/storage/gcp"
	"github.com/metal-stack/node-agent/cmd/internal/storage/local"
	"github.com/metal-stack/node-agent/cmd/internal/storage/s3"
	"github.com/metal-stack/node-agent/cmd/internal/utils"
	"github.com/metal-stack/node-agent/cmd/internal/wait"
	"github.com/metal-stack/node-agent/pkg/client"
	"github.com/metal-stack/node-agent/pkg/constants"
	"github.com/metal-stack/v"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
	"sigs.k8s.io/yaml"
)

const (
	moduleName  = "node-agent"
	cfgFileType = "yaml"

	// Flags
	logLevelFlg   = "log-level"
	configFileFlg = "config"

	serverAddrFlg = "agent-endpoint"

	bindAddrFlg = "bind-addr"
	portFlg     = "port"

	clusterIDFlg = "cluster-id"
	nodeIDFlg    = "node-id"
	dataDirFlg   = "data-directory"

	jmxHostFlg         = "jmx-host"
	jmxPortFlg         = "jmx-port"
	jmxUserFlg         = "jmx-user"
	jmxPasswordFileFlg = "jmx-password-file"

	sharedContainerRootFlg = "shared-container-root"
	workersFlg             = "workers"
	queueSizeFlg           = "queue-size"
	waitForTransferLockFlg = "wait-for-transfer-lock"

	//nolint
	encryptionKeyFlg = "encryption-key"

	backupFullScheduleFlg        = "backup-full-schedule"
	backupIncrementalScheduleFlg = "backup-incremental-schedule"
	backupDestinationFlg         = "backup-destination"
	backupKeyspacesFlg           = "backup-keyspaces"

	localProviderPathFlg = "local-provider-path"

	gcpProjectFlg        = "gcp-project"
	gcpBucketLocationFlg = "gcp-bucket-location"
	gcpEndpointFlg       = "gcp-endpoint"

	s3RegionFlg    = "s3-region"
	s3EndpointFlg  = "s3-endpoint"
	s3AccessKeyFlg = "s3-access-key"
	//nolint
	s3SecretKeyFlg = "s3-secret-key"

	azureAccountFlg    = "azure-account"
	azureEndpointFlg   = "azure-endpoint"
	azureAccountKeyFlg = "azure-account-key"
	azureTenantIDFlg   = "azure-tenant-id"
	azureClientIDFlg   = "azure-client-id"
	//nolint
	azureClientSecretFlg = "azure-client-secret"

	requestFlg      = "request"
	requestFileFlg  = "file"
	awaitFlg        = "await"
	pollIntervalFlg = "poll-interval"
	timeoutFlg      = "timeout"
)

var (
	cfgFile string
	logger  *slog.Logger
	stop    context.Context
)

var rootCmd = &cobra.Command{
	Use:          moduleName,
	Short:        "a sidecar running administrative operations on a database node",
	Version:      v.V.String(),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initLogging(); err != nil {
			return err
		}
		return initConfig()
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "starts the sidecar",
	Long:  "the sidecar accepts operations like backup, restore, decommission and cleanup, executes them against the database node and reports their state. once the database node is available, backups are submitted periodically if a schedule is configured.",
	PreRun: func(cmd *cobra.Command, args []string) {
		initSignalHandlers()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := fmt.Sprintf("%s:%d", viper.GetString(bindAddrFlg), viper.GetInt(portFlg))

		logger.Info("starting node-agent", "version", v.V.String(), "bind-addr", addr)

		db := nodetool.New(
			logger.With("component", "nodetool"),
			nodetool.WithJMX(viper.GetString(jmxHostFlg), viper.GetInt(jmxPortFlg)),
			nodetool.WithCredentials(viper.GetString(jmxUserFlg), viper.GetString(jmxPasswordFileFlg)),
		)

		m := metrics.New()

		var enc *encryption.Encrypter
		if key := viper.GetString(encryptionKeyFlg); key != "" {
			var err error
			enc, err = encryption.New(logger.With("component", "encryption"), &encryption.EncrypterConfig{Key: key})
			if err != nil {
				return fmt.Errorf("unable to initialize encryption: %w", err)
			}
		}

		osFs := afero.NewOsFs()
		factory := storageFactory(logger.With("component", "storage"))

		kinds := map[string]operations.Kind{
			v1.KindBackup: backup.Kind(backup.Config{
				Log:       logger.With("component", "backup"),
				FS:        osFs,
				DataDir:   viper.GetString(dataDirFlg),
				ClusterID: viper.GetString(clusterIDFlg),
				NodeID:    viper.GetString(nodeIDFlg),
				Database:  db,
				Storage:   factory,
				Metrics:   m,
				Encrypter: enc,
			}),
			v1.KindRestore: restore.Kind(restore.Config{
				Log:       logger.With("component", "restore"),
				FS:        osFs,
				DataDir:   viper.GetString(dataDirFlg),
				Database:  db,
				Storage:   factory,
				Metrics:   m,
				Encrypter: enc,
			}),
			v1.KindDecommission: decommission.Kind(logger.With("component", "decommission"), db),
			v1.KindCleanup:      cleanup.Kind(logger.With("component", "cleanup"), db),
		}

		registry, err := operations.New(logger.With("component", "registry"), operations.Config{
			Workers:             viper.GetInt(workersFlg),
			QueueSize:           viper.GetInt(queueSizeFlg),
			SharedRoot:          viper.GetString(sharedContainerRootFlg),
			WaitForTransferLock: viper.GetBool(waitForTransferLockFlg),
		}, kinds, m)
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(stop)

		g.Go(func() error {
			return registry.Run(ctx)
		})

		g.Go(func() error {
			return server.New(logger.With("component", "server"), addr, registry, db, m).Start(ctx)
		})

		scheduleConfig := schedule.Config{
			FullSchedule:        viper.GetString(backupFullScheduleFlg),
			IncrementalSchedule: viper.GetString(backupIncrementalScheduleFlg),
			DestinationURI:      viper.GetString(backupDestinationFlg),
			Keyspaces:           viper.GetStringSlice(backupKeyspacesFlg),
		}
		if scheduleConfig.FullSchedule != "" || scheduleConfig.IncrementalSchedule != "" {
			g.Go(func() error {
				if err := probe.Start(ctx, logger.With("component", "probe"), db); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}

				logger.Info("database is now available, starting periodic backups")

				return schedule.Start(ctx, logger.With("component", "schedule"), scheduleConfig, registry)
			})
		}

		return g.Wait()
	},
}

var submitCmd = &cobra.Command{
	Use:       "submit <kind>",
	Short:     "submits an operation to the sidecar",
	Long:      "the request is read as json or yaml from --request or --file (- for stdin). with --await the command returns once the operation has finished.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{v1.KindBackup, v1.KindRestore, v1.KindDecommission, v1.KindCleanup},
	PreRunE: func(cmd *cobra.Command, args []string) error {
		initSignalHandlers()
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := readRequest(args[0], cmd.InOrStdin())
		if err != nil {
			return err
		}

		c := client.New(client.WithLogger(logger))
		addr := viper.GetString(serverAddrFlg)

		id, err := c.Submit(stop, addr, req)
		if err != nil {
			return fmt.Errorf("error submitting operation: %w", err)
		}

		if !viper.GetBool(awaitFlg) {
			return printYAML(cmd.OutOrStdout(), v1.SubmitResponse{ID: id})
		}

		return await(cmd.OutOrStdout(), c, addr, id)
	},
}

var awaitCmd = &cobra.Command{
	Use:   "await <id>",
	Short: "waits until an operation has finished",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		initSignalHandlers()
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return await(cmd.OutOrStdout(), client.New(client.WithLogger(logger)), viper.GetString(serverAddrFlg), args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "shows the state of an operation, or of the database node if no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(client.WithLogger(logger))
		addr := viper.GetString(serverAddrFlg)

		if len(args) == 0 {
			status, err := c.NodeStatus(context.Background(), addr)
			if err != nil {
				return fmt.Errorf("error retrieving node status: %w", err)
			}
			return printYAML(cmd.OutOrStdout(), status)
		}

		snapshot, err := c.Poll(context.Background(), addr, args[0])
		if err != nil {
			return fmt.Errorf("error retrieving operation: %w", err)
		}

		return printYAML(cmd.OutOrStdout(), snapshot)
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "lists the operations known to the sidecar",
	RunE: func(cmd *cobra.Command, args []string) error {
		ops, err := client.New(client.WithLogger(logger)).List(context.Background(), viper.GetString(serverAddrFlg))
		if err != nil {
			return fmt.Errorf("error listing operations: %w", err)
		}

		var data [][]string
		for _, op := range ops {
			completed := ""
			if op.CompletedAt != nil {
				completed = op.CompletedAt.Format(time.RFC3339)
			}
			errMsg := ""
			if op.Error != nil {
				errMsg = op.Error.Error()
			}
			data = append(data, []string{op.ID, op.Kind, string(op.State), op.CreatedAt.Format(time.RFC3339), completed, errMsg})
		}

		p := utils.NewTablePrinter(cmd.OutOrStdout())
		return p.Print([]string{"ID", "Kind", "State", "Created", "Completed", "Error"}, data)
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "waits until the database node of the sidecar is available",
	PreRun: func(cmd *cobra.Command, args []string) {
		initSignalHandlers()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return wait.Start(stop, logger.With("component", "wait"), viper.GetString(serverAddrFlg))
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if logger == nil {
			panic(err)
		}
		logger.Error("failed executing root command", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(startCmd, submitCmd, awaitCmd, statusCmd, listCmd, waitCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, configFileFlg, "", "path to a yaml config file, flags can be given there by their name")
	rootCmd.PersistentFlags().StringP(logLevelFlg, "", "info", "sets the application log level")
	rootCmd.PersistentFlags().StringP(serverAddrFlg, "", "http://127.0.0.1:8000/", "the url of the node agent (used by client commands)")

	err := viper.BindPFlags(rootCmd.PersistentFlags())
	if err != nil {
		fmt.Printf("unable to construct root command: %v", err)
		os.Exit(1)
	}

	startCmd.Flags().StringP(bindAddrFlg, "", "127.0.0.1", "the bind addr of the api server")
	startCmd.Flags().IntP(portFlg, "", 8000, "the port to serve on")

	startCmd.Flags().StringP(clusterIDFlg, "", "", "the id of the cluster the node belongs to, part of every remote object path")
	startCmd.Flags().StringP(nodeIDFlg, "", "", "the id of the node, part of every remote object path")
	startCmd.Flags().StringP(dataDirFlg, "", constants.DefaultDataDir, "the directory where the database keeps its keyspaces")

	startCmd.Flags().StringP(jmxHostFlg, "", "", "the jmx host nodetool connects to (nodetool default if empty)")
	startCmd.Flags().IntP(jmxPortFlg, "", 0, "the jmx port nodetool connects to (nodetool default if 0)")
	startCmd.Flags().StringP(jmxUserFlg, "", "", "the jmx user")
	startCmd.Flags().StringP(jmxPasswordFileFlg, "", "", "path of the jmx password file")

	startCmd.Flags().StringP(sharedContainerRootFlg, "", constants.DefaultSharedContainerRoot, "the root shared by all containers of the node, the transfer lock is created beneath it")
	startCmd.Flags().IntP(workersFlg, "", constants.DefaultWorkers, "the number of operations executed in parallel")
	startCmd.Flags().IntP(queueSizeFlg, "", constants.DefaultQueueSize, "the number of accepted operations waiting for a worker")
	startCmd.Flags().Bool(waitForTransferLockFlg, false, "transfers wait for a running transfer instead of failing")

	startCmd.Flags().StringP(encryptionKeyFlg, "", "", "if given, uploaded artifacts are encrypted with this key, must be 32 bytes long")

	startCmd.Flags().StringP(backupFullScheduleFlg, "", "", "cron schedule for taking full backups periodically, none are taken if empty")
	startCmd.Flags().StringP(backupIncrementalScheduleFlg, "", "", "cron schedule for taking incremental backups periodically, none are taken if empty")
	startCmd.Flags().StringP(backupDestinationFlg, "", "", "the destination of scheduled backups, e.g. s3://my-bucket")
	startCmd.Flags().StringSlice(backupKeyspacesFlg, nil, "the keyspaces of scheduled backups, all if empty")

	startCmd.Flags().StringP(localProviderPathFlg, "", constants.LocalProviderDir, "the directory of the local storage provider")

	startCmd.Flags().StringP(gcpProjectFlg, "", "", "the project id to place gcp buckets in")
	startCmd.Flags().StringP(gcpBucketLocationFlg, "", "", "the location of created gcp buckets")
	startCmd.Flags().StringP(gcpEndpointFlg, "", "", "the url of a gcs compatible endpoint, requests are not authenticated when set")

	startCmd.Flags().StringP(s3RegionFlg, "", "", "the region of s3 buckets")
	startCmd.Flags().StringP(s3EndpointFlg, "", "", "the url to the s3 endpoint")
	startCmd.Flags().StringP(s3AccessKeyFlg, "", "", "the s3 access-key-id")
	startCmd.Flags().StringP(s3SecretKeyFlg, "", "", "the s3 secret-key-id")

	startCmd.Flags().StringP(azureAccountFlg, "", "", "the azure storage account")
	startCmd.Flags().StringP(azureEndpointFlg, "", "", "the azure blob endpoint, derived from the account if empty")
	startCmd.Flags().StringP(azureAccountKeyFlg, "", "", "the shared key of the azure storage account")
	startCmd.Flags().StringP(azureTenantIDFlg, "", "", "the tenant of the azure service principal")
	startCmd.Flags().StringP(azureClientIDFlg, "", "", "the client id of the azure service principal")
	startCmd.Flags().StringP(azureClientSecretFlg, "", "", "the client secret of the azure service principal")

	err = viper.BindPFlags(startCmd.Flags())
	if err != nil {
		fmt.Printf("unable to construct start command: %v", err)
		os.Exit(1)
	}

	submitCmd.Flags().StringP(requestFlg, "", "", "the request as json or yaml")
	submitCmd.Flags().StringP(requestFileFlg, "f", "", "path of a file containing the request, - for stdin")
	submitCmd.Flags().Bool(awaitFlg, false, "wait until the submitted operation has finished")

	// both commands share flag names, they are bound to viper once the command runs
	for _, c := range []*cobra.Command{submitCmd, awaitCmd} {
		c.Flags().StringP(pollIntervalFlg, "", "5s", "the interval of polling the operation state")
		c.Flags().StringP(timeoutFlg, "", "1h", "the time to wait for the operation to finish, the operation is not affected by it")
	}
}

func initConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("unable to load .env file", "error", err)
	}

	viper.SetEnvPrefix("NODE_AGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetConfigType(cfgFileType)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("config file path set explicitly, but unreadable: %w", err)
		}
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath("/etc/" + moduleName)
		viper.AddConfigPath("$HOME/." + moduleName)
		viper.AddConfigPath(".")
		if err := viper.ReadInConfig(); err != nil {
			usedCfg := viper.ConfigFileUsed()
			if usedCfg != "" {
				return fmt.Errorf("config file %s unreadable: %w", usedCfg, err)
			}
		}
	}

	usedCfg := viper.ConfigFileUsed()
	if usedCfg != "" {
		logger.Info("read config file", "config-file", usedCfg)
	}

	return nil
}

func initLogging() error {
	level := slog.LevelInfo

	if viper.IsSet(logLevelFlg) {
		if err := level.UnmarshalText([]byte(viper.GetString(logLevelFlg))); err != nil {
			return fmt.Errorf("can't initialize logger: %w", err)
		}
	}

	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return nil
}

func initSignalHandlers() {
	// don't need to store
	stop, _ = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func storageFactory(log *slog.Logger) storage.Factory {
	return func(ctx context.Context, provider string, coords storage.Coordinates) (storage.Interactor, error) {
		log := log.With("provider", provider, "bucket", coords.Bucket)

		var (
			si  storage.Interactor
			err error
		)

		switch provider {
		case storage.ProviderS3:
			si, err = s3.New(ctx, log, coords, &s3.ConfigS3{
				Region:    viper.GetString(s3RegionFlg),
				Endpoint:  viper.GetString(s3EndpointFlg),
				AccessKey: viper.GetString(s3AccessKeyFlg),
				SecretKey: viper.GetString(s3SecretKeyFlg),
			})
		case storage.ProviderGCP:
			var opts []option.ClientOption
			if endpoint := viper.GetString(gcpEndpointFlg); endpoint != "" {
				opts = append(opts, option.WithEndpoint(endpoint), option.WithoutAuthentication())
			}
			si, err = gcp.New(ctx, log, coords, &gcp.ConfigGCP{
				ProjectID:      viper.GetString(gcpProjectFlg),
				BucketLocation: viper.GetString(gcpBucketLocationFlg),
				ClientOpts:     opts,
			})
		case storage.ProviderAzure:
			si, err = azure.New(log, coords, &azure.ConfigAzure{
				Account:      viper.GetString(azureAccountFlg),
				Endpoint:     viper.GetString(azureEndpointFlg),
				AccountKey:   viper.GetString(azureAccountKeyFlg),
				TenantID:     viper.GetString(azureTenantIDFlg),
				ClientID:     viper.GetString(azureClientIDFlg),
				ClientSecret: viper.GetString(azureClientSecretFlg),
			})
		case storage.ProviderLocal:
			si, err = local.New(log, coords, &local.ConfigLocal{
				BasePath: viper.GetString(localProviderPathFlg),
			})
		default:
			return nil, fmt.Errorf("unsupported storage provider: %s", provider)
		}
		if err != nil {
			return nil, fmt.Errorf("error initializing %s storage provider: %w", provider, err)
		}

		return si, nil
	}
}

func newRequest(kind string) (v1.Request, error) {
	switch kind {
	case v1.KindBackup:
		return &v1.BackupRequest{}, nil
	case v1.KindRestore:
		return &v1.RestoreRequest{}, nil
	case v1.KindDecommission:
		return &v1.DecommissionRequest{}, nil
	case v1.KindCleanup:
		return &v1.CleanupRequest{}, nil
	default:
		return nil, fmt.Errorf("unsupported operation kind: %s", kind)
	}
}

func readRequest(kind string, stdin io.Reader) (v1.Request, error) {
	req, err := newRequest(kind)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch path := viper.GetString(requestFileFlg); {
	case viper.GetString(requestFlg) != "":
		data = []byte(viper.GetString(requestFlg))
	case path == "-":
		data, err = io.ReadAll(stdin)
	case path != "":
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read request: %w", err)
	}

	if len(data) > 0 {
		if err := yaml.UnmarshalStrict(data, req); err != nil {
			return nil, fmt.Errorf("unable to parse %s request: %w", kind, err)
		}
	}

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s request: %w", kind, err)
	}

	return req, nil
}

func await(out io.Writer, c *client.Client, addr, id string) error {
	snapshot, err := c.AwaitTerminal(stop, addr, id,
		utils.MustParseTimeInterval(viper.GetString(pollIntervalFlg)),
		utils.MustParseTimeInterval(viper.GetString(timeoutFlg)),
	)
	if err != nil {
		return err
	}

	if err := printYAML(out, snapshot); err != nil {
		return err
	}

	if snapshot.State == v1.StateFailed {
		if snapshot.Error == nil {
			return fmt.Errorf("operation %s failed", id)
		}
		return fmt.Errorf("operation %s failed: %w", id, snapshot.Error)
	}

	return nil
}

func printYAML(out io.Writer, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

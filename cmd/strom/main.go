package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/strom-network/strom/consensus"
	"github.com/strom-network/strom/controller"
	"github.com/strom-network/strom/crypto"
	"github.com/strom-network/strom/lib"
	"github.com/strom-network/strom/metrics"
	"github.com/strom-network/strom/p2p"
)

var rootCmd = &cobra.Command{
	Use:   "strom",
	Short: "strom is a validator node clearing off-chain orders onto a settlement chain",
}

var (
	config  = lib.Config{}
	l       = lib.LoggerI(nil)
	dataDir = ""
	valKey  = (*crypto.ValidatorKey)(nil)
)

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", lib.DefaultDataDirPath(), "custom data directory location")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the validator node",
	Run: func(cmd *cobra.Command, args []string) {
		config, valKey = InitializeDataDirectory(dataDir, lib.NewDefaultLogger())
		l = lib.NewLogger(lib.LoggerConfig{Level: config.GetLogLevel()}, config.DataDirPath)
		Start()
	},
}

// Start() wires the collaborators into the controller and runs it until a shutdown signal
func Start() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// dial the settlement chain; it provides account state, head updates, and submission
	chain, err := controller.DialEthChain(ctx, config.ChainConfig, config.ChainId, valKey.ECDSA, l)
	if err != nil {
		l.Fatal(err.Error())
	}
	defer chain.Close()
	// the validator roster comes from the config file; leadership rotates round-robin
	schedule, err := controller.NewStaticSchedule(config.Validators)
	if err != nil {
		l.Fatal(err.Error())
	}
	// connect to the other roster validators
	transport := p2p.New(config, valKey, l)
	if err = transport.Start(); err != nil {
		l.Fatal(err.Error())
	}
	defer transport.Stop()
	// serve prometheus metrics when enabled
	metricsServer := metrics.NewMetricsServer(config, l)
	go func() {
		if serveErr := metricsServer.Start(); serveErr != nil && serveErr != http.ErrServerClosed {
			l.Errorf("Metrics server failed: %s", serveErr.Error())
		}
	}()
	defer func() { _ = metricsServer.Stop() }()
	c := controller.New(config, valKey, controller.Collaborators{
		Transport: transport,
		Chain:     chain,
		Submitter: chain,
		Engine:    abstainEngine{},
		Pools:     localPools{chain: chain},
		Schedule:  schedule,
		Gas:       chain,
	}, l)
	// run until a shutdown signal lands
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGABRT)
	go func() {
		s := <-stop
		l.Infof("Exit command %s received", s)
		cancel()
	}()
	if err := c.Start(ctx); err != nil {
		l.Error(err.Error())
	}
	os.Exit(0)
}

// InitializeDataDirectory() ensures the data directory holds a config file and a validator
// key, creating defaults on first start
func InitializeDataDirectory(dataDirPath string, log lib.LoggerI) (c lib.Config, key *crypto.ValidatorKey) {
	if err := os.MkdirAll(dataDirPath, os.ModePerm); err != nil {
		log.Fatal(err.Error())
	}
	// create the default config file if this is a first start
	configFilePath := filepath.Join(dataDirPath, lib.ConfigFilePath)
	if _, err := os.Stat(configFilePath); errors.Is(err, os.ErrNotExist) {
		log.Infof("Creating %s file", lib.ConfigFilePath)
		if err = lib.DefaultConfig().WriteToFile(configFilePath); err != nil {
			log.Fatal(err.Error())
		}
	}
	c, err := lib.NewConfigFromFile(configFilePath)
	if err != nil {
		log.Fatal(err.Error())
	}
	c.DataDirPath = dataDirPath
	// create a fresh validator key pair if this is a first start
	valKeyPath := filepath.Join(dataDirPath, lib.ValKeyPath)
	if _, err = os.Stat(valKeyPath); errors.Is(err, os.ErrNotExist) {
		log.Infof("Creating %s file", lib.ValKeyPath)
		key, err = crypto.NewValidatorKey()
		if err != nil {
			log.Fatal(err.Error())
		}
		if err = key.WriteToFile(valKeyPath); err != nil {
			log.Fatal(err.Error())
		}
		return
	}
	key, err = crypto.NewValidatorKeyFromFile(valKeyPath)
	if err != nil {
		log.Fatal(err.Error())
	}
	return
}

// abstainEngine is the built-in matching engine: it produces a valid no-trade solution per
// pool. Deployments with a real solver swap it out through controller.Collaborators
type abstainEngine struct{}

func (abstainEngine) Solve(_ context.Context, _ []*consensus.PreProposal, snapshots []*consensus.PoolSnapshot) (solutions []*consensus.PoolSolution, _ lib.ErrorI) {
	for _, snapshot := range snapshots {
		solutions = append(solutions, consensus.EmptySolution(snapshot.Pool))
	}
	return
}

// localPools captures pool snapshots through the settlement chain connection
type localPools struct {
	chain *controller.EthChain
}

func (p localPools) Snapshot(ctx context.Context, pool lib.PoolId) (*consensus.PoolSnapshot, lib.ErrorI) {
	return p.chain.PoolSnapshot(ctx, pool)
}

package lib

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/alecthomas/units"
)

/* This file implements logic for 'user controlled' global configurations of each module of the node */

const (
	// GLOBAL CONSTANTS
	UnknownChainId  = uint64(0) // the default 'unknown' chain id
	StromChainId    = uint64(1) // NOTE: 'default config/genesis' developer setups only
	StromNetworkId  = 1         // the identifier of the 'mainnet' of Strom
	MaxMessageBytes = 10 * units.MB
)

const (
	// FILE NAMES in the 'data directory'
	ConfigFilePath = "config.json"        // the file path for the node configuration
	ValKeyPath     = "validator_key.json" // the file path for the node's private key(s)
)

// Config is the structure of the user configuration options for a Strom node
type Config struct {
	MainConfig       // main options spanning over all modules
	ChainConfig      // settlement chain options
	P2PConfig        // peer transport options
	ConsensusConfig  // round state machine options
	PoolConfig       // order pool options
	ValidationConfig // order validation options
}

// DefaultConfig() returns a Config with developer set options
func DefaultConfig() Config {
	return Config{
		MainConfig:       DefaultMainConfig(),
		ChainConfig:      DefaultChainConfig(),
		P2PConfig:        DefaultP2PConfig(),
		ConsensusConfig:  DefaultConsensusConfig(),
		PoolConfig:       DefaultPoolConfig(),
		ValidationConfig: DefaultValidationConfig(),
	}
}

// MAIN CONFIG BELOW

type MainConfig struct {
	LogLevel       string `json:"logLevel"`       // any level includes the levels above it: debug < info < warning < error
	ChainId        uint64 `json:"chainId"`        // the identifier of this particular chain within a single 'network id'
	DataDirPath    string `json:"dataDirPath"`    // the directory where the node keeps its key and log files
	MetricsEnabled bool   `json:"metricsEnabled"` // whether the prometheus endpoint is served
	MetricsAddress string `json:"metricsAddress"` // host:port the prometheus endpoint listens on
}

// DefaultMainConfig() sets log level to 'info'
func DefaultMainConfig() MainConfig {
	return MainConfig{
		LogLevel:       "info",               // everything but debug is the default
		ChainId:        StromChainId,         // default chain id is 1
		DataDirPath:    DefaultDataDirPath(), // ~/.strom by default
		MetricsEnabled: true,                 // serve prometheus metrics
		MetricsAddress: ":9090",              // the default prometheus port
	}
}

// GetLogLevel() parses the log string in the config file into a LogLevel Enum
func (m *MainConfig) GetLogLevel() int32 {
	switch {
	case strings.Contains(strings.ToLower(m.LogLevel), "deb"):
		return DebugLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "inf"):
		return InfoLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "war"):
		return WarnLevel
	case strings.Contains(strings.ToLower(m.LogLevel), "err"):
		return ErrorLevel
	default:
		return DebugLevel
	}
}

// CHAIN CONFIG BELOW

// ValidatorConfig is one entry of the static validator roster
type ValidatorConfig struct {
	Address      string `json:"address"`      // the validator's ECDSA address, hex encoded
	BLSPublicKey string `json:"blsPublicKey"` // the validator's 48 byte BLS public key, hex encoded
	NetAddress   string `json:"netAddress"`   // host:port the validator's transport listens on
}

// ChainConfig points the node at the settlement chain and names the on-chain entities it trades against
type ChainConfig struct {
	RPCURL            string            `json:"rpcURL"`            // the settlement chain JSON-RPC endpoint
	SettlementAddress string            `json:"settlementAddress"` // the settlement contract that accepts bundle transactions
	Assets            []string          `json:"assets"`            // asset index -> token contract address, hex encoded
	Validators        []ValidatorConfig `json:"validators"`        // the static validator roster for round-robin leadership
	FinalityDepth     uint64            `json:"finalityDepth"`     // how many blocks behind the head proposed orders are held before committing
}

// DefaultChainConfig() points at a local devnet node
func DefaultChainConfig() ChainConfig {
	return ChainConfig{
		RPCURL:        "ws://localhost:8546", // local node, websocket for head subscriptions
		FinalityDepth: 2,                     // hold proposed orders for 2 blocks so a shallow unwind can recover them
	}
}

// P2P CONFIG BELOW

// P2PConfig is the user configuration of the peer transport
type P2PConfig struct {
	ListenAddress     string `json:"listenAddress"`     // host:port this node's transport listens on
	DialTimeoutMS     int    `json:"dialTimeoutMS"`     // how long (in milliseconds) a single dial attempt may take
	MaxRedialBackoffS int    `json:"maxRedialBackoffS"` // the backoff ceiling (in seconds) when re-dialing a dropped peer
}

// DefaultP2PConfig() listens on all interfaces at the developer chosen port
func DefaultP2PConfig() P2PConfig {
	return P2PConfig{
		ListenAddress:     "0.0.0.0:9001", // the default transport port
		DialTimeoutMS:     3000,           // 3 seconds per dial attempt
		MaxRedialBackoffS: 30,             // back off up to 30 seconds between re-dials
	}
}

// CONSENSUS CONFIG BELOW

// ConsensusConfig defines the round phase timeouts for pre-proposal aggregation synchronicity
// NOTES:
// - a round tracks a single target block; a reorg or a new block resets the round
// - async faults may lead to an extended round, hence the submit deadline is an upper bound
type ConsensusConfig struct {
	ValidatorCapacity      int `json:"validatorCapacity"`      // the maximum size of the validator set (bounds the signer bitmap)
	PreProposalGraceMS     int `json:"preProposalGraceMS"`     // how long (in milliseconds) the leader keeps aggregating after the first quorum forms
	SubmitDeadlineMS       int `json:"submitDeadlineMS"`       // how long (in milliseconds) after round start before the leader must submit or abort
	ReceiptPollIntervalMS  int `json:"receiptPollIntervalMS"`  // the initial backoff interval when awaiting the submission receipt
	ReceiptTimeoutMS       int `json:"receiptTimeoutMS"`       // how long (in milliseconds) to await a submission receipt before giving up
	SolutionBuildBudgetMS  int `json:"solutionBuildBudgetMS"`  // the deadline handed to the matching engine when building pool solutions
	PropagationIntervalMS  int `json:"propagationIntervalMS"`  // how often (in milliseconds) newly pooled orders are re-broadcast to peers
	SolutionParallelBuilds int `json:"solutionParallelBuilds"` // how many pool solutions the matching engine may build concurrently
}

// DefaultConsensusConfig() configures the round timing
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		ValidatorCapacity:      128,   // 128 validator slots in the signer bitmap
		PreProposalGraceMS:     500,   // half a second of extra aggregation
		SubmitDeadlineMS:       9000,  // 9 seconds to quorum + submit, else abort the round
		ReceiptPollIntervalMS:  250,   // start polling for the receipt every 1/4 second
		ReceiptTimeoutMS:       30000, // 30 seconds before a submission is considered lost
		SolutionBuildBudgetMS:  2000,  // 2 seconds for the matching engine
		PropagationIntervalMS:  1000,  // re-broadcast pooled orders every second
		SolutionParallelBuilds: 4,     // build 4 pool solutions at a time
	}
}

// POOL CONFIG BELOW

// PoolConfig is the user configuration of the unconfirmed order pool
type PoolConfig struct {
	MaxLimitOrders        int `json:"maxLimitOrders"`        // max live limit orders per pool (pending + parked)
	MaxSearcherOrdersPool int `json:"maxSearcherOrdersPool"` // max live searcher orders per pool
	MaxTotalOrders        int `json:"maxTotalOrders"`        // max live orders across all pools
}

// DefaultPoolConfig() returns the developer created order pool options
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxLimitOrders:        5000,  // 5000 max limit orders per pool
		MaxSearcherOrdersPool: 15,    // 15 max searcher orders per pool
		MaxTotalOrders:        50000, // 50k max orders node wide
	}
}

// VALIDATION CONFIG BELOW

// ValidationConfig is the user configuration of the order validation workers
type ValidationConfig struct {
	WorkerShards     int    `json:"workerShards"`     // the number of key-sharded validation workers
	MaxOrderBytes    uint32 `json:"maxOrderBytes"`    // max bytes of a single signed order
	GasHeadroomPct   int    `json:"gasHeadroomPct"`   // percentage added on top of the simulated gas estimate
	StateCacheBlocks int    `json:"stateCacheBlocks"` // how many block-pinned state fetch caches to retain
}

// DefaultValidationConfig() returns the developer created validation options
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		WorkerShards:     4,                          // 4 parallel validation shards
		MaxOrderBytes:    uint32(4 * units.Kilobyte), // 4 KB max individual order size
		GasHeadroomPct:   10,                         // pad the gas estimate by 10%
		StateCacheBlocks: 2,                          // keep caches for the last 2 blocks
	}
}

// WriteToFile() saves the Config object to a JSON file
func (c Config) WriteToFile(filePath string) error {
	// convert the config to indented 'pretty' json bytes
	jsonBytes, err := json.MarshalIndent(c, "", "  ")
	// if an error occurred during the conversion
	if err != nil {
		// exit with error
		return err
	}
	// write the config.json file to the data directory
	return os.WriteFile(filePath, jsonBytes, os.ModePerm)
}

// NewConfigFromFile() populates a Config object from a JSON file
func NewConfigFromFile(filePath string) (Config, error) {
	// read the file into bytes
	fileBytes, err := os.ReadFile(filePath)
	// if an error occurred
	if err != nil {
		// exit with error
		return Config{}, err
	}
	// define the default config to fill in any blanks in the file
	c := DefaultConfig()
	// populate the default config with the file bytes
	if err = json.Unmarshal(fileBytes, &c); err != nil {
		// exit with error
		return Config{}, err
	}
	// exit
	return c, nil
}

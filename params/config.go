package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Exchange struct {
	FeeAccount string   `yaml:"feeAccount"`
	FeePercent uint64   `yaml:"feePercent"` // parts per hundred, at most 100
	Custody    string   `yaml:"custody"`
	Tokens     []string `yaml:"tokens"`
}

type Node struct {
	DataDir string `yaml:"dataDir"` // empty keeps state in memory
	APIAddr string `yaml:"apiAddr"`
	LogFile string `yaml:"logFile"`
	Verbose bool   `yaml:"verbose"`
	// Devnet mints native value and tokens to DevAccounts on startup and
	// approves custody to pull them.
	Devnet      bool     `yaml:"devnet"`
	DevAccounts []string `yaml:"devAccounts"`
}

// Auth controls caller identity at the API edge. Unsigned requests are
// only allowed on devnet.
type Auth struct {
	RequireSignatures bool `yaml:"requireSignatures"`
}

// Kafka export is off when Brokers is empty.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// P2P gossip is off when ListenAddr is empty.
type P2P struct {
	ListenAddr string   `yaml:"listenAddr"`
	Bootstrap  []string `yaml:"bootstrap"`
	Topic      string   `yaml:"topic"`
}

type API struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
	RateLimit      float64  `yaml:"rateLimit"` // requests per second, 0 disables
	RateBurst      int      `yaml:"rateBurst"`
}

type Config struct {
	Exchange Exchange `yaml:"exchange"`
	Node     Node     `yaml:"node"`
	Auth     Auth     `yaml:"auth"`
	Kafka    Kafka    `yaml:"kafka"`
	P2P      P2P      `yaml:"p2p"`
	API      API      `yaml:"api"`
}

func Default() Config {
	return Config{
		Exchange: Exchange{
			FeeAccount: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			FeePercent: 10,
			Custody:    "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
			Tokens:     []string{"0x5FbDB2315678afecb367f032d93F642f64180aa3"},
		},
		Node: Node{
			DataDir: "data/exchange",
			APIAddr: ":8080",
			Devnet:  true,
			DevAccounts: []string{
				"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
				"0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
			},
		},
		Kafka: Kafka{Topic: "hyperexchange.events"},
		P2P:   P2P{Topic: "hyperexchange-events"},
		API: API{
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
			RateLimit:      50,
			RateBurst:      100,
		},
	}
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func LoadFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, then validates it.
// Priority: ENV > .env file > YAML file > defaults
func Load(path, envPath string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(cfg, path); err != nil {
			return cfg, err
		}
	}
	cfg = applyEnv(cfg, envPath)
	return cfg, cfg.Validate()
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	return applyEnv(Default(), envPath)
}

func applyEnv(cfg Config, envPath string) Config {
	// godotenv never overrides variables already set in the environment
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	setString(&cfg.Exchange.FeeAccount, "EXCHANGE_FEE_ACCOUNT")
	setString(&cfg.Exchange.Custody, "EXCHANGE_CUSTODY")
	setList(&cfg.Exchange.Tokens, "EXCHANGE_TOKENS")
	if v := os.Getenv("EXCHANGE_FEE_PERCENT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Exchange.FeePercent = n
		}
	}

	setString(&cfg.Node.DataDir, "NODE_DATA_DIR")
	setString(&cfg.Node.APIAddr, "NODE_API_ADDR")
	setString(&cfg.Node.LogFile, "NODE_LOG_FILE")
	setBool(&cfg.Node.Verbose, "NODE_VERBOSE")
	setBool(&cfg.Node.Devnet, "NODE_DEVNET")
	setList(&cfg.Node.DevAccounts, "NODE_DEV_ACCOUNTS")

	setBool(&cfg.Auth.RequireSignatures, "AUTH_REQUIRE_SIGNATURES")

	setList(&cfg.Kafka.Brokers, "KAFKA_BROKERS")
	setString(&cfg.Kafka.Topic, "KAFKA_TOPIC")

	setString(&cfg.P2P.ListenAddr, "P2P_LISTEN_ADDR")
	setList(&cfg.P2P.Bootstrap, "P2P_BOOTSTRAP")
	setString(&cfg.P2P.Topic, "P2P_TOPIC")

	setList(&cfg.API.AllowedOrigins, "API_ALLOWED_ORIGINS")
	if v := os.Getenv("API_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.API.RateLimit = f
		}
	}
	if v := os.Getenv("API_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.RateBurst = n
		}
	}
	return cfg
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// setList reads a comma-separated list, e.g. "0xabc,0xdef".
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func nonZeroAddress(field, s string) error {
	if !common.IsHexAddress(s) {
		return fmt.Errorf("%s: malformed address %q", field, s)
	}
	if common.HexToAddress(s) == (common.Address{}) {
		return fmt.Errorf("%s: zero address is reserved for the native asset", field)
	}
	return nil
}

// Validate reports every problem in the configuration at once.
func (c Config) Validate() error {
	var problems []error
	if c.Exchange.FeePercent > 100 {
		problems = append(problems, fmt.Errorf("exchange.feePercent: %d exceeds 100", c.Exchange.FeePercent))
	}
	if err := nonZeroAddress("exchange.feeAccount", c.Exchange.FeeAccount); err != nil {
		problems = append(problems, err)
	}
	if err := nonZeroAddress("exchange.custody", c.Exchange.Custody); err != nil {
		problems = append(problems, err)
	}
	for i, t := range c.Exchange.Tokens {
		if err := nonZeroAddress(fmt.Sprintf("exchange.tokens[%d]", i), t); err != nil {
			problems = append(problems, err)
		}
	}
	for i, a := range c.Node.DevAccounts {
		if err := nonZeroAddress(fmt.Sprintf("node.devAccounts[%d]", i), a); err != nil {
			problems = append(problems, err)
		}
	}
	if !c.Node.Devnet && !c.Auth.RequireSignatures {
		problems = append(problems, errors.New("auth.requireSignatures: must be true when node.devnet is false"))
	}
	if c.Node.APIAddr == "" {
		problems = append(problems, errors.New("node.apiAddr: required"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		problems = append(problems, errors.New("kafka.topic: required when brokers are set"))
	}
	if c.API.RateLimit < 0 {
		problems = append(problems, errors.New("api.rateLimit: negative"))
	}
	return errors.Join(problems...)
}

func (e Exchange) FeeAccountAddress() common.Address { return common.HexToAddress(e.FeeAccount) }

func (e Exchange) CustodyAddress() common.Address { return common.HexToAddress(e.Custody) }

func (e Exchange) TokenAddresses() []common.Address { return addresses(e.Tokens) }

func (n Node) DevAccountAddresses() []common.Address { return addresses(n.DevAccounts) }

func addresses(ss []string) []common.Address {
	out := make([]common.Address, len(ss))
	for i, s := range ss {
		out[i] = common.HexToAddress(s)
	}
	return out
}

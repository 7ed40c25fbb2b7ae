package config

import (
	"errors"
	"testing"
)

func validConfig() *Config {
	return &Config{
		RskRPCURL:             "http://localhost:4444",
		BridgeContractAddress: "0x0000000000000000000000000000000000000001",
		BitcoinNetwork:        "regtest",
		BitcoinRPCURL:         "http://localhost:18443",
		MasterKeyFile:         "/keys/master.key",
		FederationXpubs:       "xpub1,xpub2,xpub3",
		NumRequiredSigners:    2,
		ListenPort:            4445,
		MaxTransfersInBatch:   40,
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidate_BadNetwork(t *testing.T) {
	cfg := validConfig()
	cfg.BitcoinNetwork = "signet"

	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
	}
}

func TestValidate_BadPort(t *testing.T) {
	cfg := validConfig()
	cfg.ListenPort = 0

	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
	}
}

func TestValidate_TooFewXpubs(t *testing.T) {
	cfg := validConfig()
	cfg.FederationXpubs = "xpub1"
	cfg.NumRequiredSigners = 2

	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
	}
}

func TestValidate_ReplenisherNeedsXpubs(t *testing.T) {
	cfg := validConfig()
	cfg.ReplenisherEnabled = true

	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
	}

	cfg.ReplenisherXpubs = "xpubA,xpubB"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestListAccessors(t *testing.T) {
	cfg := validConfig()
	cfg.PeerEndpoints = " host1:4445 , host2:4445 ,"

	peers := cfg.Peers()
	if len(peers) != 2 || peers[0] != "host1:4445" || peers[1] != "host2:4445" {
		t.Errorf("Peers() = %v", peers)
	}

	if got := cfg.Xpubs(); len(got) != 3 {
		t.Errorf("Xpubs() = %v", got)
	}

	cfg.ReplenisherXpubs = ""
	if got := cfg.ReplenisherXpubSet(); len(got) != 0 {
		t.Errorf("ReplenisherXpubSet() = %v, want empty", got)
	}
}

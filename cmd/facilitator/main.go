// Command facilitator runs an x402 facilitator for a single configured
// network. Configuration comes from the environment:
//
//	PRIVATE_KEY  relay account key used for settlement (required)
//	NETWORK      network to serve, default "sei"
//	RPC_URL      RPC endpoint override for the network
//	PORT         listening port, default 3000
//	LOG_LEVEL    zap level, default "info"
package main

import (
	"log"
	"os"

	x402 "github.com/kaiapay/x402"
	"github.com/kaiapay/x402/api"
	"github.com/kaiapay/x402/logger"
	"github.com/kaiapay/x402/metrics"
	"github.com/kaiapay/x402/types"
)

var defaultRPC = map[types.Network]string{
	types.NetworkSei:         "https://evm-rpc.sei-apis.com",
	types.NetworkSeiTestnet:  "https://evm-rpc-testnet.sei-apis.com",
	types.NetworkKaia:        "https://public-en.node.kaia.io",
	types.NetworkKaiaKairos:  "https://public-en-kairos.node.kaia.io",
	types.NetworkBaseSepolia: "https://sepolia.base.org",
}

func main() {
	privateKey := os.Getenv("PRIVATE_KEY")
	if privateKey == "" {
		log.Fatal("missing required environment variable PRIVATE_KEY")
	}

	network := types.Network(getenv("NETWORK", "sei"))
	if !network.IsSupported() {
		log.Fatalf("unsupported network %q", network)
	}

	rpcURL := os.Getenv("RPC_URL")
	if rpcURL == "" {
		rpcURL = defaultRPC[network]
	}

	zlog := logger.NewZapLogger(getenv("LOG_LEVEL", "info"))

	facilitator := x402.New(
		x402.WithLogger(zlog),
		x402.WithMetrics(metrics.NewPrometheusRecorder()),
	)
	defer facilitator.Close()

	if err := facilitator.AddNetwork(network, x402.ClientConfig{
		RPCURL:    rpcURL,
		SignerKey: privateKey,
	}); err != nil {
		log.Fatalf("configure %s: %v", network, err)
	}

	zlog.Info("facilitator configured", map[string]any{
		"network": network.String(),
		"rpc":     rpcURL,
	})

	server := api.NewServer(facilitator, zlog)
	if err := server.Run(":" + getenv("PORT", "3000")); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

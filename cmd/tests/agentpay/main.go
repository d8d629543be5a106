package main

import (
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/tollgatepay/server/pkg/paygate"
	"github.com/tollgatepay/server/pkg/paygate/agent"
)

// Manual smoke test: points the autonomous payer at a live gate, settles
// the demanded payment on chain, and prints the receipt the server issued.
func main() {
	_ = godotenv.Load()

	var (
		targetURL  = flag.String("url", "http://localhost:8080/", "gated URL to fetch")
		privateKey = flag.String("key", "", "payer private key (hex, with or without 0x)")
		rpcURL     = flag.String("rpc", "", "EVM JSON-RPC endpoint")
		feeToken   = flag.String("fee-token", "", "only pay challenges priced in this token (optional)")
		timeout    = flag.Duration("settle-timeout", 60*time.Second, "max time to wait for settlement")
	)
	flag.Parse()

	if *privateKey == "" {
		log.Fatal("key flag is required")
	}
	if *rpcURL == "" {
		log.Fatal("rpc flag is required")
	}

	payer, err := agent.New(agent.Config{
		PrivateKey:    *privateKey,
		RPCURL:        *rpcURL,
		FeeToken:      *feeToken,
		SettleTimeout: *timeout,
	})
	if err != nil {
		log.Fatalf("build agent: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, *targetURL, nil)
	if err != nil {
		log.Fatalf("build request: %v", err)
	}

	start := time.Now()
	resp, err := payer.Do(req)
	if err != nil {
		var failure *agent.PaymentFailureError
		if errors.As(err, &failure) {
			log.Fatalf("payment failed: %s (cause: %v)", failure.Message, failure.Unwrap())
		}
		log.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	log.Printf("status %d after %s", resp.StatusCode, time.Since(start).Round(time.Millisecond))

	if encoded := resp.Header.Get(paygate.HeaderReceipt); encoded != "" {
		receipt, err := paygate.DecodeReceipt(encoded)
		if err != nil {
			log.Fatalf("decode receipt: %v", err)
		}
		log.Printf("receipt: tx=%s amount=%s token=%s payer=%s", receipt.TxHash, receipt.Amount, receipt.Token, receipt.Payer)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		log.Fatalf("read body: %v", err)
	}
	log.Printf("body: %s", body)
}

package relay

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/memswap/solver/internal/chain"
)

// DefaultBloxrouteEndpoint is the bloxroute Cloud-API entrypoint.
const DefaultBloxrouteEndpoint = "https://mev.api.blxrbdn.com"

// bloxrouteRateLimitPause is slightly above the 1 bundle/second quota.
const bloxrouteRateLimitPause = 1100 * time.Millisecond

// Bloxroute submits bundles through the bloxroute Cloud API, fanning out
// to every builder it knows. Simulation runs through the flashbots relay
// first when one is configured, since bloxroute offers none.
type Bloxroute struct {
	endpoint  string
	authToken string
	sim       *Flashbots
	chain     ChainReader
	httpc     *http.Client
	log       *zap.Logger
}

func NewBloxroute(endpoint, authToken string, sim *Flashbots, reader ChainReader, log *zap.Logger) *Bloxroute {
	if endpoint == "" {
		endpoint = DefaultBloxrouteEndpoint
	}
	return &Bloxroute{
		endpoint:  endpoint,
		authToken: authToken,
		sim:       sim,
		chain:     reader,
		httpc:     &http.Client{Timeout: 10 * time.Second},
		log:       log.Named("relay.bloxroute"),
	}
}

func (b *Bloxroute) Name() string { return "bloxroute" }

type bloxrouteRequest struct {
	ID     string                `json:"id"`
	Method string                `json:"method"`
	Params bloxrouteBundleParams `json:"params"`
}

type bloxrouteBundleParams struct {
	Transaction []string          `json:"transaction"`
	BlockNumber string            `json:"block_number"`
	MevBuilders map[string]string `json:"mev_builders"`
}

type bloxrouteResponse struct {
	Result *struct {
		BundleHash string `json:"bundleHash"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (b *Bloxroute) Submit(ctx context.Context, bundle *Bundle, targetBlock uint64) error {
	prepared := bundle
	if b.sim != nil {
		var err error
		prepared, err = b.sim.Prepare(ctx, bundle, targetBlock)
		if err != nil {
			if !bundle.Incentivized {
				return err
			}
			b.log.Info("ignoring simulation failure on incentivized fill", zap.Error(err))
			prepared = bundle
		}
	}

	txs := prepared.All()
	rawTxs := make([]string, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return fmt.Errorf("serialize bundle tx %d: %w", i, err)
		}
		// bloxroute wants raw hex without the 0x prefix
		rawTxs[i] = hex.EncodeToString(raw)
	}

	for {
		hash, err := b.submitOnce(ctx, rawTxs, targetBlock)
		if err == nil {
			b.log.Info("bundle submitted",
				zap.String("bundleHash", hash),
				zap.Uint64("targetBlock", targetBlock),
				zap.Int("txs", len(rawTxs)))
			break
		}
		if isRateLimited(err) {
			b.log.Debug("bundle rate limited, pausing", zap.Duration("pause", bloxrouteRateLimitPause))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bloxrouteRateLimitPause):
			}
			continue
		}
		return err
	}

	return waitInclusion(ctx, b.chain, prepared.LastHash(), targetBlock, chain.PessimisticBlockTime, b.log)
}

func (b *Bloxroute) submitOnce(ctx context.Context, rawTxs []string, targetBlock uint64) (string, error) {
	body, err := json.Marshal(bloxrouteRequest{
		ID:     "1",
		Method: "blxr_submit_bundle",
		Params: bloxrouteBundleParams{
			Transaction: rawTxs,
			BlockNumber: fmt.Sprintf("0x%x", targetBlock),
			MevBuilders: map[string]string{"all": ""},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal bundle request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build bundle request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", b.authToken)

	resp, err := b.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("post bundle: %w", err)
	}
	defer resp.Body.Close()

	var parsed bloxrouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode bundle response (http %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("bloxroute error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if parsed.Result == nil {
		return "", fmt.Errorf("bloxroute returned neither result nor error (http %d)", resp.StatusCode)
	}
	return parsed.Result.BundleHash, nil
}

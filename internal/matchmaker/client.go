// Package matchmaker carries the solver side of the matchmaker flow: the
// HTTP client that posts candidate solutions, and the short-lived cache
// that holds a posted solution until the authorization callback lands.
package matchmaker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/memswap/solver/internal/intent"
)

// Solution is one solver bid for an intent auction. The matchmaker scores
// it against competing bids and, if it wins, calls back on baseUrl with a
// signed authorization referencing the same uuid.
type Solution struct {
	UUID    string          `json:"uuid"`
	BaseURL string          `json:"baseUrl"`
	Intent  *intent.Intent  `json:"intent"`
	Txs     []hexutil.Bytes `json:"txs"`
}

// Client posts solutions to a matchmaker deployment.
type Client struct {
	baseURL string
	httpc   *http.Client
	log     *zap.Logger
}

func NewClient(baseURL string, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log.Named("matchmaker.client"),
	}
}

// SubmitSolution posts a solution to the protocol-specific intake. Any
// non-2xx response is an error; the caller decides whether to retry.
func (c *Client) SubmitSolution(ctx context.Context, p intent.Protocol, s *Solution) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	url := c.baseURL + "/" + p.String() + "/solutions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post solution: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("post solution: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	c.log.Debug("solution posted",
		zap.String("uuid", s.UUID),
		zap.String("protocol", p.String()))
	return nil
}

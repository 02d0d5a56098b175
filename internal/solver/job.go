package solver

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/memswap/solver/internal/intent"
)

// SolveAttempts is the retry budget of a solve job. Every attempt re-runs
// the full state machine against the then-current block.
const SolveAttempts = 10

// SolveConcurrency bounds each protocol's worker pool.
const SolveConcurrency = 10

// Job is one unit of solve work: the intent plus whatever rides along with
// it. At most one of ApprovalTxRaw/ApprovalTxHash is set; the authorization
// appears once the matchmaker has granted the fill.
type Job struct {
	Protocol       intent.Protocol       `json:"protocol"`
	Intent         *intent.Intent        `json:"intent"`
	ApprovalTxRaw  hexutil.Bytes         `json:"approvalTxOrTxHash,omitempty"`
	ApprovalTxHash *common.Hash          `json:"approvalTxHash,omitempty"`
	Authorization  *intent.Authorization `json:"authorization,omitempty"`
}

// ID derives the queue identity of the job. Authorized jobs carry the
// authorization hash too, so a matchmaker grant is never deduplicated
// against the still-outstanding open attempt for the same intent.
func (j *Job) ID(c *intent.Codec) (string, error) {
	intentHash, err := c.IntentHash(j.Protocol, j.Intent)
	if err != nil {
		return "", fmt.Errorf("hash intent: %w", err)
	}
	if j.Authorization == nil {
		return intentHash.Hex(), nil
	}
	authHash, err := c.AuthorizationHash(j.Protocol, j.Authorization)
	if err != nil {
		return "", fmt.Errorf("hash authorization: %w", err)
	}
	return intentHash.Hex() + ":" + authHash.Hex(), nil
}

// Encode serializes the job for the queue payload.
func (j *Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob parses a queue payload back into a Job.
func DecodeJob(payload []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, fmt.Errorf("decode solve job: %w", err)
	}
	if j.Intent == nil {
		return nil, fmt.Errorf("solve job without intent")
	}
	return &j, nil
}
